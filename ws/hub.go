// Package ws contains the per-board hub, the session registry and the
// websocket connection adapter. The hub is the single serialization point
// for one board: at most one mutation is applied at a time regardless of
// how many participants submit concurrently, and the broadcasts derived
// from a mutation are enqueued to every current recipient before the next
// mutation is taken from the channel.
package ws

import (
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/globals"
	"github.com/vijeeshr/quickretro/persistence"
	"github.com/vijeeshr/quickretro/store"
	"github.com/vijeeshr/quickretro/types"
	"github.com/vijeeshr/quickretro/wire"
)

const (
	hubChannelSize  = 256
	maxFlushRetries = 5
)

type hubState int

const (
	stateActive hubState = iota
	stateDraining
	stateClosed
)

type inbound struct {
	sess    *Session
	payload interface{}
}

type terminateReq struct {
	resp chan struct{}
}

// Hub is the concurrency core: one instance per active board. The run loop
// exclusively owns the session set, the presence roster and the board
// store.
type Hub struct {
	boardId  string
	ownerXid string
	cfg      *config.Config
	store    *store.Store

	// persister may be nil (tests); flush then becomes a no-op
	persister persistence.Persister

	sessions map[*Session]struct{}

	attach     chan *Session
	detach     chan *Session
	events     chan inbound
	flushRetry chan int
	terminate  chan terminateReq

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	state      hubState
	lastTyping map[string]time.Time

	flushMu      sync.Mutex
	lastFlushErr error
}

func NewHub(snap *types.BoardSnapshot, cfg *config.Config, persister persistence.Persister) *Hub {
	return &Hub{
		boardId:    snap.Board.Id,
		ownerXid:   snap.Board.Owner,
		cfg:        cfg,
		store:      store.New(snap, cfg.Limits.MaxMessageBytes),
		persister:  persister,
		sessions:   make(map[*Session]struct{}),
		attach:     make(chan *Session),
		detach:     make(chan *Session),
		events:     make(chan inbound, hubChannelSize),
		flushRetry: make(chan int, 1),
		terminate:  make(chan terminateReq),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastTyping: make(map[string]time.Time),
	}
}

func (h *Hub) BoardId() string { return h.boardId }
func (h *Hub) Owner() string   { return h.ownerXid }

// Done is closed when the run loop has exited, either through eviction or
// board deletion.
func (h *Hub) Done() <-chan struct{} { return h.done }

// LastFlushError exposes the degraded-durability signal: non-nil when the
// most recent snapshot write failed and the hub keeps serving from memory.
func (h *Hub) LastFlushError() error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	return h.lastFlushErr
}

func (h *Hub) setFlushError(err error) {
	h.flushMu.Lock()
	h.lastFlushErr = err
	h.flushMu.Unlock()
}

// Attach hands a new session to the run loop.
func (h *Hub) Attach(s *Session) bool {
	select {
	case h.attach <- s:
		return true
	case <-h.done:
		close(s.send)
		return false
	}
}

// Detach removes a session. Safe to call multiple times and after the hub
// has shut down.
func (h *Hub) Detach(s *Session) {
	select {
	case h.detach <- s:
	case <-h.done:
	}
}

// Submit enqueues a decoded inbound event. Returns false once the hub is
// gone, signalling the caller to drop the connection.
func (h *Hub) Submit(s *Session, payload interface{}) bool {
	select {
	case h.events <- inbound{sess: s, payload: payload}:
		return true
	case <-h.done:
		return false
	}
}

// Terminate transitions the hub to Draining, notifies all sessions with the
// board-gone close code, removes the board from durable storage and exits
// the run loop. Invoked by the owner's delete or the expiry sweep.
func (h *Hub) Terminate() {
	req := terminateReq{resp: make(chan struct{})}
	select {
	case h.terminate <- req:
		<-req.resp
	case <-h.done:
	}
}

// Shutdown stops an idle hub: final flush, sessions closed normally. Used
// by the registry's grace-period eviction.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Run is the hub event loop. It must be the only goroutine touching
// h.sessions and h.store.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case s := <-h.attach:
			h.sessions[s] = struct{}{}

		case s := <-h.detach:
			h.removeSession(s, websocket.CloseNormalClosure)

		case ev := <-h.events:
			h.handleEvent(ev.sess, ev.payload)

		case attempt := <-h.flushRetry:
			h.flush(attempt)

		case req := <-h.terminate:
			h.drainAndDelete()
			close(req.resp)
			return

		case <-h.stop:
			if h.store.Dirty() && !h.store.Deleted() {
				h.flush(0)
			}
			for s := range h.sessions {
				delete(h.sessions, s)
				s.closeCode = websocket.CloseGoingAway
				close(s.send)
			}
			h.state = stateClosed
			return
		}
	}
}

// removeSession deletes a session from the set, closes its send channel and
// tells everybody else the participant left.
func (h *Hub) removeSession(s *Session, closeCode int) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	delete(h.lastTyping, s.xid)
	s.closeCode = closeCode
	close(s.send)
	if s.registered && h.state == stateActive {
		h.broadcast(&wire.ClosingResponse{Typ: wire.TypeClosing, Xid: s.xid}, nil)
	}
}

func (h *Hub) drainAndDelete() {
	h.state = stateDraining
	h.store.DeleteBoard("", true)
	if h.persister != nil {
		if err := h.persister.DeleteBoard(h.boardId); err != nil && err != persistence.ErrNotFound {
			globals.AppLogger.Error("could not delete board from durable store", "board", h.boardId, "error", err)
		}
	}
	for s := range h.sessions {
		delete(h.sessions, s)
		s.closeCode = CloseBoardGone
		close(s.send)
	}
	h.state = stateClosed
}

// handleEvent applies one mutation and fans out the result. A panic in a
// handler must not take down the board.
func (h *Hub) handleEvent(sess *Session, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Error("recovered from panic in event handler", "board", h.boardId, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if _, ok := h.sessions[sess]; !ok {
		return
	}
	if h.state != stateActive {
		h.sendError(sess, store.NotFoundf("board no longer exists"))
		return
	}

	switch p := payload.(type) {
	case *wire.Register:
		h.handleRegister(sess)

	case *wire.Mask:
		if err := h.store.SetMask(sess.xid, p.Mask); err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.MaskResponse{Typ: wire.TypeMask, Mask: p.Mask}, nil)

	case *wire.Lock:
		if err := h.store.SetLock(sess.xid, p.Lock); err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.LockResponse{Typ: wire.TypeLock, Lock: p.Lock}, nil)

	case *wire.SaveMessage:
		msg, err := h.store.SaveMessage(p, sess.xid, sess.nickname)
		if err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcastMessage(msg)

	case *wire.LikeMessage:
		count, err := h.store.LikeMessage(p.MessageId, sess.xid, p.Like)
		if err != nil {
			h.sendError(sess, err)
			return
		}
		likes := strconv.Itoa(count)
		h.fanout(func(recipient *Session) interface{} {
			return &wire.LikeResponse{
				Typ:   wire.TypeLike,
				Id:    p.MessageId,
				Likes: likes,
				Liked: h.store.HasLiked(p.MessageId, recipient.xid),
			}
		})

	case *wire.DeleteMessage:
		comments, err := h.store.DeleteMessage(p.MessageId, sess.xid)
		if err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.DeleteResponse{Typ: wire.TypeDelete, Id: p.MessageId, Comments: comments}, nil)

	case *wire.DeleteAll:
		if err := h.store.DeleteAll(sess.xid); err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.DeleteAllResponse{Typ: wire.TypeDeleteAll}, nil)

	case *wire.CategoryChange:
		msg, err := h.store.ChangeCategory(p, sess.xid)
		if err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.CategoryChangeResponse{Typ: wire.TypeCategoryChange, Id: msg.Id, Category: msg.Category}, nil)

	case *wire.Timer:
		remaining, err := h.store.SetTimer(sess.xid, p.Seconds, time.Now())
		if err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.TimerResponse{Typ: wire.TypeTimer, Remaining: remaining}, nil)

	case *wire.ColumnsChange:
		cols, err := h.store.ChangeColumns(sess.xid, p.Columns)
		if err != nil {
			h.sendError(sess, err)
			return
		}
		h.broadcast(&wire.ColumnsResponse{Typ: wire.TypeColumnsChange, Columns: cols}, nil)

	case *wire.Typing:
		h.handleTyping(sess)
		return

	default:
		globals.AppLogger.Debug("ignoring unhandled event", "board", h.boardId)
		return
	}

	if h.store.Dirty() {
		h.flush(0)
	}
}

// handleRegister delivers the full state snapshot plus the current roster
// to the joining participant only, and a joining notice to everybody else.
func (h *Hub) handleRegister(sess *Session) {
	view, err := h.store.RegisterView(sess.xid, time.Now())
	if err != nil {
		h.sendError(sess, err)
		return
	}
	first := !sess.registered
	sess.registered = true
	view.Users = h.roster()
	h.unicast(sess, view)
	if first {
		h.broadcast(&wire.JoiningResponse{Typ: wire.TypeJoining, Xid: sess.xid, Nickname: sess.nickname}, sess)
	}
}

// handleTyping relays a best-effort typing notice, throttled per sender.
// Never persisted, never replayed to late joiners.
func (h *Hub) handleTyping(sess *Session) {
	if !sess.registered {
		return
	}
	window := h.cfg.Limits.TypingThrottle()
	now := time.Now()
	if last, ok := h.lastTyping[sess.xid]; ok && window > 0 && now.Sub(last) < window {
		return
	}
	h.lastTyping[sess.xid] = now
	h.broadcast(&wire.TypingResponse{Typ: wire.TypeTyping, Xid: sess.xid}, sess)
}

func (h *Hub) roster() []*types.User {
	users := make([]*types.User, 0, len(h.sessions))
	for s := range h.sessions {
		if !s.registered {
			continue
		}
		nickname := s.nickname
		if nickname == "" {
			nickname = "Anonymous"
		}
		users = append(users, &types.User{Xid: s.xid, Nickname: nickname})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Xid < users[j].Xid })
	return users
}

// broadcastMessage projects an upserted message per recipient: liked, mine
// and the anonymized nickname are viewer-relative, so a shared serialized
// buffer is never reused across recipients.
func (h *Hub) broadcastMessage(msg *types.Message) {
	h.fanout(func(recipient *Session) interface{} {
		view := h.store.MessageView(msg, recipient.xid)
		return &view
	})
}

// fanout enqueues a recipient-specific projection to every session.
// Recipients whose outbound buffer is full are dropped after the loop:
// availability for the majority wins over a single slow client.
func (h *Hub) fanout(project func(*Session) interface{}) {
	var slow []*Session
	for s := range h.sessions {
		data, err := wire.Encode(project(s))
		if err != nil {
			globals.AppLogger.Error("could not encode response", "board", h.boardId, "error", err)
			return
		}
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		globals.AppLogger.Warn("dropping slow client", "board", h.boardId, "xid", s.xid)
		h.removeSession(s, websocket.CloseGoingAway)
	}
}

// broadcast sends the same payload to every session except skip.
func (h *Hub) broadcast(v interface{}, skip *Session) {
	data, err := wire.Encode(v)
	if err != nil {
		globals.AppLogger.Error("could not encode response", "board", h.boardId, "error", err)
		return
	}
	var slow []*Session
	for s := range h.sessions {
		if s == skip {
			continue
		}
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		globals.AppLogger.Warn("dropping slow client", "board", h.boardId, "xid", s.xid)
		h.removeSession(s, websocket.CloseGoingAway)
	}
}

func (h *Hub) unicast(s *Session, v interface{}) {
	data, err := wire.Encode(v)
	if err != nil {
		globals.AppLogger.Error("could not encode response", "board", h.boardId, "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
		globals.AppLogger.Warn("dropping slow client", "board", h.boardId, "xid", s.xid)
		h.removeSession(s, websocket.CloseGoingAway)
	}
}

// sendError reports a failed mutation to the initiating connection only.
// A NotFound error additionally terminates the connection with the
// board-gone close code.
func (h *Hub) sendError(sess *Session, err error) {
	resp := &wire.ErrorResponse{Typ: wire.TypeError, Code: store.WireCode(err), Msg: err.Error()}
	data, encErr := wire.Encode(resp)
	if encErr != nil {
		globals.AppLogger.Error("could not encode error response", "board", h.boardId, "error", encErr)
		return
	}
	select {
	case sess.send <- data:
	default:
	}
	if store.KindOf(err) == store.KindNotFound {
		h.removeSession(sess, CloseBoardGone)
	}
}

// flush writes the current snapshot to durable storage. Failures are
// retried with exponential backoff; after the final attempt the hub keeps
// serving from memory and the error stays visible via LastFlushError.
func (h *Hub) flush(attempt int) {
	if h.persister == nil || h.store.Deleted() {
		h.store.ClearDirty()
		return
	}
	if !h.store.Dirty() {
		return
	}
	if err := h.persister.PutBoard(h.store.Snapshot()); err != nil {
		h.setFlushError(err)
		globals.AppLogger.Error("could not flush board snapshot", "board", h.boardId, "attempt", attempt, "error", err)
		if attempt < maxFlushRetries {
			backoff := time.Second << uint(attempt)
			time.AfterFunc(backoff, func() {
				select {
				case h.flushRetry <- attempt + 1:
				case <-h.done:
				default:
				}
			})
		}
		return
	}
	h.store.ClearDirty()
	h.setFlushError(nil)
}
