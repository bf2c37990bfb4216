package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/globals"
	"github.com/vijeeshr/quickretro/wire"
)

const writeWait = 10 * time.Second

// Client bridges one physical websocket connection to the hub's typed
// event stream: it decodes inbound frames (dropping malformed ones
// silently), pumps outbound frames, and guarantees exactly one
// detach+release on every exit path, including panics.
type Client struct {
	hub      *Hub
	registry *Registry
	sess     *Session
	conn     *websocket.Conn
	cfg      *config.Config

	releaseOnce sync.Once
}

func NewClient(hub *Hub, registry *Registry, conn *websocket.Conn, cfg *config.Config, xid, nickname string) *Client {
	sess := NewSession(xid, nickname, cfg.Limits.OutboundBufferSize)
	return &Client{
		hub:      hub,
		registry: registry,
		sess:     sess,
		conn:     conn,
		cfg:      cfg,
	}
}

func (c *Client) Session() *Session { return c.sess }

// Start attaches the session to the hub and spins up the read and write
// pumps. It returns immediately.
func (c *Client) Start() {
	if !c.hub.Attach(c.sess) {
		c.release()
		c.conn.Close()
		return
	}
	go c.readLoop()
	go c.writeLoop()
}

// release must run exactly once per connection, whatever the exit path.
func (c *Client) release() {
	c.releaseOnce.Do(func() {
		c.hub.Detach(c.sess)
		c.registry.Release(c.hub.BoardId())
	})
}

// readLoop pumps frames from the websocket into the hub. There is at most
// one reader per connection.
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Error("recovered from panic in read loop", "board", c.hub.BoardId(), "panic", r)
		}
		c.release()
		c.conn.Close()
	}()
	maxBytes := c.cfg.Limits.MaxMessageBytes
	idle := c.cfg.Limits.IdleTimeout()
	// oversized frames are rejected cheaply by the websocket layer before
	// any decode happens
	c.conn.SetReadLimit(int64(maxBytes))
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("websocket closed unexpectedly", "board", c.hub.BoardId(), "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))
		payload, err := wire.Decode(raw, maxBytes)
		if err != nil {
			// malformed envelope: drop the frame, keep the connection
			globals.AppLogger.Debug("dropping undecodable frame", "board", c.hub.BoardId(), "error", err)
			continue
		}
		if payload == nil { // unknown typ
			continue
		}
		if !c.hub.Submit(c.sess, payload) {
			return
		}
	}
}

// writeLoop pumps frames from the session's outbound queue to the
// websocket. There is at most one writer per connection.
func (c *Client) writeLoop() {
	idle := c.cfg.Limits.IdleTimeout()
	pingPeriod := idle * 9 / 10
	if pingPeriod <= 0 {
		pingPeriod = time.Minute
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Error("recovered from panic in write loop", "board", c.hub.BoardId(), "panic", r)
		}
		ticker.Stop()
		c.release()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.sess.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the session; pass the close reason on so
				// the client can distinguish "board gone" from a plain close
				code := c.sess.CloseCode()
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
