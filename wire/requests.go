package wire

import "github.com/vijeeshr/quickretro/types"

// Inbound payloads. Identity is connection-scoped: the hub stamps every
// event with the xid bound at the handshake, so a "by" field sent by older
// clients is simply not decoded.

type Register struct {
	Xid      string `mapstructure:"xid"`
	Nickname string `mapstructure:"nickname"`
	Grp      string `mapstructure:"grp"`
}

type Mask struct {
	Mask bool `mapstructure:"mask"`
}

type Lock struct {
	Lock bool `mapstructure:"lock"`
}

type SaveMessage struct {
	Id        string `mapstructure:"id"`
	Nickname  string `mapstructure:"nickname"`
	Grp       string `mapstructure:"grp"`
	Content   string `mapstructure:"msg"`
	Category  string `mapstructure:"cat"`
	ParentId  string `mapstructure:"pid"`
	Anonymous bool   `mapstructure:"anon"`
}

type LikeMessage struct {
	MessageId string `mapstructure:"msgId"`
	Like      bool   `mapstructure:"like"`
}

type DeleteMessage struct {
	MessageId string `mapstructure:"msgId"`
	Grp       string `mapstructure:"grp"`
}

type DeleteAll struct{}

type CategoryChange struct {
	MessageId   string `mapstructure:"msgId"`
	OldCategory string `mapstructure:"oldcat"`
	NewCategory string `mapstructure:"newcat"`
}

// Timer sets the countdown to Seconds from now, 0 stops a running timer.
type Timer struct {
	Seconds int64 `mapstructure:"seconds"`
}

type ColumnsChange struct {
	Columns []types.BoardColumn `mapstructure:"columns"`
}

type Typing struct{}
