package types

// User is a presence entry. It only lives as long as the connection and is
// never persisted.
type User struct {
	Xid      string `json:"xid"`
	Nickname string `json:"nickname"`
}
