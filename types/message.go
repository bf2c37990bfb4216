package types

// Message is a card on the board, or a threaded comment on a card when
// ParentId is set. Thread depth is at most 1: a comment can never itself
// be a parent.
type Message struct {
	Id         string `json:"id"`
	By         string `json:"by"`
	ByNickname string `json:"nickname"`
	Content    string `json:"content"`
	Category   string `json:"category"` // column id
	ParentId   string `json:"pid"`      // "" for a top-level card
	Anonymous  bool   `json:"anon"`
	Order      int64  `json:"order"` // creation order within the board
}

func (m *Message) IsComment() bool {
	return m.ParentId != ""
}
