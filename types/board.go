package types

import (
	"fmt"
	"time"
)

type BoardStatus int

const (
	InProgress BoardStatus = iota
	Paused
	Completed
)

func (b BoardStatus) String() string {
	return [...]string{"inProgress", "paused", "completed"}[b]
}

const MaxColumns = 5

// DefaultColumnText is a sentinel, the frontend substitutes a
// locale-translated label for columns carrying it.
const DefaultColumnText = "default"

// Board is the authoritative metadata of one retro board. The column set,
// messages and likes live next to it in the BoardSnapshot.
type Board struct {
	Id                string      `json:"id"`
	Name              string      `json:"name"`
	Team              string      `json:"team"`
	Owner             string      `json:"owner"`
	Status            BoardStatus `json:"status"`
	Mask              bool        `json:"mask"`
	Lock              bool        `json:"lock"`
	TimerExpiresAtUtc int64       `json:"timerExpiresAtUtc"` // 0 = no running timer
	CreatedAtUtc      int64       `json:"createdAtUtc"`
	AutoDeleteAtUtc   int64       `json:"autoDeleteAtUtc"`
}

// TimerRemaining returns the remaining countdown in whole seconds, 0 when
// the timer is stopped or already expired.
func (b *Board) TimerRemaining(now time.Time) int64 {
	if b.TimerExpiresAtUtc == 0 {
		return 0
	}
	remaining := b.TimerExpiresAtUtc - now.UTC().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the board is past its scheduled auto-deletion time.
func (b *Board) Expired(now time.Time) bool {
	return b.AutoDeleteAtUtc > 0 && now.UTC().Unix() >= b.AutoDeleteAtUtc
}

// BoardColumn id is immutable once created, columns may be relabeled,
// recolored, enabled or disabled but never change identity.
type BoardColumn struct {
	Id        string `json:"id" mapstructure:"id"`
	Text      string `json:"text" mapstructure:"text"`
	Color     string `json:"color" mapstructure:"color"`
	IsDefault bool   `json:"isDefault" mapstructure:"isDefault"`
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Position  int    `json:"pos" mapstructure:"pos"`
}

func (b BoardColumn) String() string {
	return fmt.Sprintf("Id:%s Text:%s Color:%s Enabled:%t Pos:%d", b.Id, b.Text, b.Color, b.Enabled, b.Position)
}
