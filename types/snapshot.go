package types

// BoardSnapshot is the unit of persistence: everything the durable store
// keeps for one board. Likes maps message id to the set of liker xids.
type BoardSnapshot struct {
	Board    *Board              `json:"board"`
	Columns  []*BoardColumn      `json:"columns"`
	Messages []*Message          `json:"messages"`
	Likes    map[string][]string `json:"likes"`
}
