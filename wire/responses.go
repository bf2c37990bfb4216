package wire

import "github.com/vijeeshr/quickretro/types"

// Outbound responses. Liked/Mine are viewer-relative and must be recomputed
// per recipient before encoding, a serialized broadcast buffer is never
// shared between recipients.

// RegisterResponse is the full state snapshot delivered to the joining
// connection only. Everybody else gets a JoiningResponse.
type RegisterResponse struct {
	Typ            string               `json:"typ"`
	BoardName      string               `json:"boardName"`
	BoardTeam      string               `json:"boardTeam"`
	BoardStatus    string               `json:"boardStatus"`
	BoardMasking   bool                 `json:"boardMasking"`
	BoardLock      bool                 `json:"boardLock"`
	IsBoardOwner   bool                 `json:"isBoardOwner"`
	TimerRemaining int64                `json:"remaining"`
	Columns        []*types.BoardColumn `json:"columns"`
	Users          []*types.User        `json:"users"`
	Messages       []MessageResponse    `json:"messages"`
}

type JoiningResponse struct {
	Typ      string `json:"typ"`
	Xid      string `json:"xid"`
	Nickname string `json:"nickname"`
}

type ClosingResponse struct {
	Typ string `json:"typ"`
	Xid string `json:"xid"`
}

type MaskResponse struct {
	Typ  string `json:"typ"`
	Mask bool   `json:"mask"`
}

type LockResponse struct {
	Typ  string `json:"typ"`
	Lock bool   `json:"lock"`
}

type MessageResponse struct {
	Typ        string `json:"typ"`
	Id         string `json:"id"`
	ByNickname string `json:"nickname"` // withheld when Anonymous
	Content    string `json:"msg"`
	Category   string `json:"cat"`
	ParentId   string `json:"pid"`
	Likes      string `json:"likes"`
	Liked      bool   `json:"liked"` // true if the receiving user has liked this message
	Mine       bool   `json:"mine"`
	Anonymous  bool   `json:"anon"`
}

type LikeResponse struct {
	Typ   string `json:"typ"`
	Id    string `json:"id"`
	Likes string `json:"likes"`
	Liked bool   `json:"liked"`
}

// DeleteResponse carries the deleted card id plus the ids of all cascaded
// comments in a single broadcast.
type DeleteResponse struct {
	Typ      string   `json:"typ"`
	Id       string   `json:"id"`
	Comments []string `json:"comments"`
}

type DeleteAllResponse struct {
	Typ string `json:"typ"`
}

type CategoryChangeResponse struct {
	Typ      string `json:"typ"`
	Id       string `json:"id"`
	Category string `json:"cat"`
}

type TimerResponse struct {
	Typ       string `json:"typ"`
	Remaining int64  `json:"remaining"` // 0 = stopped
}

type ColumnsResponse struct {
	Typ     string               `json:"typ"`
	Columns []*types.BoardColumn `json:"columns"`
}

type TypingResponse struct {
	Typ string `json:"typ"`
	Xid string `json:"xid"`
}

// ErrorResponse goes to the initiating connection only, other participants
// never observe a failed mutation.
type ErrorResponse struct {
	Typ  string `json:"typ"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
