package ws

// CloseBoardGone is the websocket close code sent when the board has been
// deleted or expired, so clients can show a "board no longer exists" state.
const CloseBoardGone = 4004

// Session is one participant's registration with a hub: the identity tuple
// bound at the handshake plus the bounded outbound queue. Ownership is not
// cached here, the store derives it from the xid on every mutation. The hub
// owns the registered flag and is the only writer of closeCode; closeCode
// is read by the connection's write pump only after the send channel is
// closed.
type Session struct {
	xid      string
	nickname string

	send      chan []byte
	closeCode int

	// whether this session has completed its "reg" handshake; owned by the
	// hub run loop
	registered bool
}

func NewSession(xid, nickname string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		xid:      xid,
		nickname: nickname,
		send:     make(chan []byte, buffer),
	}
}

func (s *Session) Xid() string      { return s.xid }
func (s *Session) Nickname() string { return s.nickname }

// Outbound is consumed by the connection's write pump. The channel is
// closed by the hub on detach.
func (s *Session) Outbound() <-chan []byte { return s.send }

// CloseCode is valid once Outbound has been closed.
func (s *Session) CloseCode() int { return s.closeCode }
