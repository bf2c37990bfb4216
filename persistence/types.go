package persistence

import (
	"errors"
	"fmt"

	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/types"
)

// ErrNotFound is returned when a board has been deleted or never existed.
var ErrNotFound = errors.New("board not found")

// Persister is the durable board store. Implementations persist whole
// snapshots keyed by board id.
type Persister interface {
	GetBoard(id string) (*types.BoardSnapshot, error)
	PutBoard(snap *types.BoardSnapshot) error
	DeleteBoard(id string) error
	ListBoards() ([]*types.BoardSnapshot, error)
	Close() error
}

// NewPersister constructs the backend selected in the configuration.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.Persistence.Type {
	case "", "buntdb":
		return NewBuntPersister(cfg)
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.Persistence.Type)
}
