package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/persistence"
	"github.com/vijeeshr/quickretro/types"
	"github.com/vijeeshr/quickretro/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		Limits: config.LimitsConfig{
			MaxMessageBytes:    4096,
			IdleTimeoutSeconds: 60,
			OutboundBufferSize: 16,
			TypingThrottleMs:   0,
			EvictionGraceSecs:  0,
		},
	}
}

func testBoardSnapshot() *types.BoardSnapshot {
	return &types.BoardSnapshot{
		Board: &types.Board{
			Id:     "b1",
			Name:   "Sprint 42",
			Owner:  "p1",
			Status: types.InProgress,
			Mask:   true,
		},
		Columns: []*types.BoardColumn{
			{Id: "c1", Text: "Went Well", Enabled: true, Position: 1},
			{Id: "c2", Text: "Challenges", Enabled: true, Position: 2},
		},
		Messages: make([]*types.Message, 0),
		Likes:    make(map[string][]string),
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testBoardSnapshot(), testConfig(), nil)
	go hub.Run()
	t.Cleanup(hub.Shutdown)
	return hub
}

// recv reads the next outbound frame for a session, decoded into a generic
// map so tests can assert on the exact wire field names.
func recv(t *testing.T, s *Session) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if !ok {
			t.Fatal("session channel closed while a frame was expected")
		}
		frame := map[string]interface{}{}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("could not unmarshal outbound frame: %s", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

func join(t *testing.T, hub *Hub, xid, nickname string) *Session {
	t.Helper()
	s := NewSession(xid, nickname, 16)
	if !hub.Attach(s) {
		t.Fatalf("could not attach session %s", xid)
	}
	if !hub.Submit(s, &wire.Register{Xid: xid, Nickname: nickname}) {
		t.Fatalf("could not submit register for %s", xid)
	}
	return s
}

func TestHubRegisterSnapshotAndJoining(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	reg := recv(t, p1)
	assert.Equal(t, "reg", reg["typ"])
	assert.Equal(t, "Sprint 42", reg["boardName"])
	assert.Equal(t, true, reg["isBoardOwner"])
	assert.Equal(t, true, reg["boardMasking"])
	assert.Len(t, reg["users"], 1)

	p2 := join(t, hub, "p2", "Bob")
	reg2 := recv(t, p2)
	assert.Equal(t, "reg", reg2["typ"])
	assert.Equal(t, false, reg2["isBoardOwner"])
	assert.Len(t, reg2["users"], 2)

	// the snapshot goes to the joiner only, everybody else gets a notice
	joining := recv(t, p1)
	assert.Equal(t, "joining", joining["typ"])
	assert.Equal(t, "p2", joining["xid"])
	assert.Equal(t, "Bob", joining["nickname"])
}

func TestHubMessageLikeAndLeaveScenario(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1) // reg snapshot

	hub.Submit(p1, &wire.SaveMessage{Id: "m1", Category: "c1", Content: "Deploy pipeline flaky"})
	msg := recv(t, p1)
	assert.Equal(t, "msg", msg["typ"])
	assert.Equal(t, "m1", msg["id"])
	assert.Equal(t, true, msg["mine"])
	assert.Equal(t, "0", msg["likes"])

	p2 := join(t, hub, "p2", "Bob")
	reg2 := recv(t, p2)
	recv(t, p1) // joining notice for p2

	// the late joiner sees the existing message, not mine, not liked
	messages, ok := reg2["messages"].([]interface{})
	if assert.True(t, ok) && assert.Len(t, messages, 1) {
		m := messages[0].(map[string]interface{})
		assert.Equal(t, "m1", m["id"])
		assert.Equal(t, false, m["mine"])
		assert.Equal(t, false, m["liked"])
	}

	// p2 likes the card; liked is viewer-relative in each projection
	hub.Submit(p2, &wire.LikeMessage{MessageId: "m1", Like: true})
	likeForP1 := recv(t, p1)
	assert.Equal(t, "like", likeForP1["typ"])
	assert.Equal(t, "1", likeForP1["likes"])
	assert.Equal(t, false, likeForP1["liked"])
	likeForP2 := recv(t, p2)
	assert.Equal(t, "1", likeForP2["likes"])
	assert.Equal(t, true, likeForP2["liked"])

	// p1 disconnects, p2 is told who left
	hub.Detach(p1)
	closing := recv(t, p2)
	assert.Equal(t, "closing", closing["typ"])
	assert.Equal(t, "p1", closing["xid"])
}

func TestHubAnonymousProjection(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)
	p2 := join(t, hub, "p2", "Bob")
	recv(t, p2)
	recv(t, p1)

	hub.Submit(p2, &wire.SaveMessage{Id: "m1", Category: "c1", Content: "unpopular opinion", Anonymous: true})
	forP1 := recv(t, p1)
	assert.Equal(t, "", forP1["nickname"])
	assert.Equal(t, true, forP1["anon"])
	assert.Equal(t, false, forP1["mine"])
	forP2 := recv(t, p2)
	assert.Equal(t, "", forP2["nickname"])
	assert.Equal(t, true, forP2["mine"]) // the author still recognizes their own card
}

func TestHubErrorGoesToSenderOnly(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)
	p2 := join(t, hub, "p2", "Bob")
	recv(t, p2)
	recv(t, p1)

	// non-owner may not toggle masking
	hub.Submit(p2, &wire.Mask{Mask: false})
	errFrame := recv(t, p2)
	assert.Equal(t, "err", errFrame["typ"])
	assert.Equal(t, "forbidden", errFrame["code"])

	// p1 sees no trace of the failed mutation; the next broadcast arrives
	// in order right after
	hub.Submit(p1, &wire.Mask{Mask: false})
	mask := recv(t, p1)
	assert.Equal(t, "mask", mask["typ"])
	assert.Equal(t, false, mask["mask"])
	mask2 := recv(t, p2)
	assert.Equal(t, "mask", mask2["typ"])
}

func TestHubBroadcastOrdering(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)

	// submissions from one connection come out in submission order
	for _, id := range []string{"m1", "m2", "m3"} {
		hub.Submit(p1, &wire.SaveMessage{Id: id, Category: "c1", Content: "card"})
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		frame := recv(t, p1)
		assert.Equal(t, "msg", frame["typ"])
		assert.Equal(t, id, frame["id"])
	}
}

func TestHubDeleteCascadeBroadcast(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)
	hub.Submit(p1, &wire.SaveMessage{Id: "m1", Category: "c1", Content: "card"})
	recv(t, p1)
	hub.Submit(p1, &wire.SaveMessage{Id: "cm1", Category: "c1", ParentId: "m1", Content: "comment"})
	recv(t, p1)

	hub.Submit(p1, &wire.DeleteMessage{MessageId: "m1"})
	del := recv(t, p1)
	assert.Equal(t, "del", del["typ"])
	assert.Equal(t, "m1", del["id"])
	assert.Equal(t, []interface{}{"cm1"}, del["comments"])
}

func TestHubTimerBroadcast(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)

	hub.Submit(p1, &wire.Timer{Seconds: 300})
	frame := recv(t, p1)
	assert.Equal(t, "timer", frame["typ"])
	assert.Equal(t, float64(300), frame["remaining"])

	hub.Submit(p1, &wire.Timer{Seconds: 0})
	frame = recv(t, p1)
	assert.Equal(t, float64(0), frame["remaining"])
}

func TestHubTypingNotPersistedNotReplayed(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)
	p2 := join(t, hub, "p2", "Bob")
	recv(t, p2)
	recv(t, p1)

	hub.Submit(p2, &wire.Typing{})
	typing := recv(t, p1)
	assert.Equal(t, "t", typing["typ"])
	assert.Equal(t, "p2", typing["xid"])

	// a joiner after the fact sees no typing state in the snapshot
	p3 := join(t, hub, "p3", "Carol")
	reg := recv(t, p3)
	assert.Equal(t, "reg", reg["typ"])
	assert.NotContains(t, reg, "typing")
}

func TestHubSlowClientDropped(t *testing.T) {
	hub := startHub(t)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)

	slow := NewSession("slow", "Snail", 1)
	assert.True(t, hub.Attach(slow))
	assert.True(t, hub.Submit(slow, &wire.Register{}))
	// the reg snapshot now fills the single-slot buffer; the next broadcast
	// cannot be enqueued and the session is dropped
	recv(t, p1) // joining notice for slow

	hub.Submit(p1, &wire.Mask{Mask: false})
	recv(t, p1) // mask broadcast

	// drain the buffered snapshot, then observe the close
	<-slow.send
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "slow session should have been closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the slow session to be dropped")
	}
	// the drop closes with going-away, and the remaining participant is told
	closing := recv(t, p1)
	assert.Equal(t, "closing", closing["typ"])
	assert.Equal(t, "slow", closing["xid"])
}

func TestHubTerminateClosesWithBoardGone(t *testing.T) {
	hub := NewHub(testBoardSnapshot(), testConfig(), nil)
	go hub.Run()

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)
	p2 := join(t, hub, "p2", "Bob")
	recv(t, p2)
	recv(t, p1)

	hub.Terminate()

	for _, s := range []*Session{p1, p2} {
		for {
			if _, ok := <-s.send; !ok {
				break
			}
		}
		assert.Equal(t, CloseBoardGone, s.CloseCode())
	}

	// the hub is gone, further submissions are refused
	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not terminate")
	}
	assert.False(t, hub.Submit(p1, &wire.Typing{}))
	assert.False(t, hub.Attach(NewSession("p3", "late", 1)))
}

// flakyPersister fails a fixed number of PutBoard calls before recovering.
type flakyPersister struct {
	mu       sync.Mutex
	failures int
	last     *types.BoardSnapshot
}

func (p *flakyPersister) PutBoard(snap *types.BoardSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("storage unavailable")
	}
	p.last = snap
	return nil
}

func (p *flakyPersister) lastSnapshot() *types.BoardSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *flakyPersister) GetBoard(id string) (*types.BoardSnapshot, error) {
	return nil, persistence.ErrNotFound
}
func (p *flakyPersister) DeleteBoard(id string) error               { return nil }
func (p *flakyPersister) ListBoards() ([]*types.BoardSnapshot, error) { return nil, nil }
func (p *flakyPersister) Close() error                              { return nil }

func TestHubFlushRetryAndHealthAccessor(t *testing.T) {
	flaky := &flakyPersister{failures: 2}
	hub := NewHub(testBoardSnapshot(), testConfig(), flaky)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	p1 := join(t, hub, "p1", "Alice")
	recv(t, p1)

	// the first flush fails; the broadcast still goes out from memory and
	// the degraded state becomes visible through the health accessor
	hub.Submit(p1, &wire.SaveMessage{Id: "m1", Category: "c1", Content: "survives outage"})
	msg := recv(t, p1)
	assert.Equal(t, "msg", msg["typ"])
	assert.Equal(t, "m1", msg["id"])
	assert.Eventually(t, func() bool { return hub.LastFlushError() != nil }, 2*time.Second, 10*time.Millisecond)

	// the board keeps serving while storage is down
	hub.Submit(p1, &wire.SaveMessage{Id: "m2", Category: "c1", Content: "still serving"})
	msg = recv(t, p1)
	assert.Equal(t, "m2", msg["id"])
	assert.Error(t, hub.LastFlushError())

	// the scheduled retry lands once storage recovers, the error clears and
	// the snapshot catches up with everything written during the outage
	assert.Eventually(t, func() bool { return hub.LastFlushError() == nil }, 5*time.Second, 25*time.Millisecond)
	snap := flaky.lastSnapshot()
	if assert.NotNil(t, snap) {
		assert.Len(t, snap.Messages, 2)
	}
}
