package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/persistence"
	"github.com/vijeeshr/quickretro/wire"
)

func testRegistry(t *testing.T, graceSecs int) (*Registry, persistence.Persister) {
	t.Helper()
	cfg := testConfig()
	cfg.Limits.EvictionGraceSecs = graceSecs
	cfg.Persistence = config.PersistenceConfig{Type: "buntdb", DSN: ":memory:"}
	persister, err := persistence.NewBuntPersister(cfg)
	if err != nil {
		t.Fatalf("could not open persister: %s", err)
	}
	t.Cleanup(func() { persister.Close() })
	return NewRegistry(cfg, persister), persister
}

func putTestBoard(t *testing.T, persister persistence.Persister, id string) {
	t.Helper()
	snap := testBoardSnapshot()
	snap.Board.Id = id
	if err := persister.PutBoard(snap); err != nil {
		t.Fatalf("could not put board %s: %s", id, err)
	}
}

func TestRegistryUnknownBoard(t *testing.T) {
	r, _ := testRegistry(t, 0)
	_, err := r.Acquire("nope")
	assert.Equal(t, persistence.ErrNotFound, err)
	assert.Equal(t, 0, r.ActiveBoards())
}

func TestRegistryLazyCreateAndSharing(t *testing.T) {
	r, persister := testRegistry(t, 0)
	putTestBoard(t, persister, "b1")
	assert.Equal(t, 0, r.ActiveBoards())

	hub1, err := r.Acquire("b1")
	assert.NoError(t, err)
	assert.Equal(t, 1, r.ActiveBoards())

	// a second connection shares the same hub
	hub2, err := r.Acquire("b1")
	assert.NoError(t, err)
	assert.Same(t, hub1, hub2)
	assert.Equal(t, 1, r.ActiveBoards())

	r.Release("b1")
	assert.Equal(t, 1, r.ActiveBoards()) // one connection still holds it

	r.Release("b1")
	assert.Eventually(t, func() bool { return r.ActiveBoards() == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-hub1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted hub did not shut down")
	}
}

func TestRegistryReacquireWithinGrace(t *testing.T) {
	r, persister := testRegistry(t, 5)
	putTestBoard(t, persister, "b1")

	hub1, err := r.Acquire("b1")
	assert.NoError(t, err)
	r.Release("b1")

	// a reconnect during the grace period gets the live hub back, with no
	// snapshot reload and no eviction afterwards
	hub2, err := r.Acquire("b1")
	assert.NoError(t, err)
	assert.Same(t, hub1, hub2)

	time.Sleep(50 * time.Millisecond)
	select {
	case <-hub1.Done():
		t.Fatal("hub was evicted despite an active connection")
	default:
	}
	assert.Equal(t, 1, r.ActiveBoards())
}

func TestRegistryDeleteBoard(t *testing.T) {
	r, persister := testRegistry(t, 5)
	putTestBoard(t, persister, "b1")

	hub, err := r.Acquire("b1")
	assert.NoError(t, err)
	sess := NewSession("p1", "Alice", 16)
	assert.True(t, hub.Attach(sess))
	assert.True(t, hub.Submit(sess, &wire.Register{}))

	assert.NoError(t, r.DeleteBoard("b1"))

	// every connected participant gets the board-gone close code
	for range sess.send {
	}
	assert.Equal(t, CloseBoardGone, sess.CloseCode())

	// the durable snapshot is gone and the registry entry follows
	_, err = persister.GetBoard("b1")
	assert.Equal(t, persistence.ErrNotFound, err)
	assert.Eventually(t, func() bool { return r.ActiveBoards() == 0 }, 2*time.Second, 10*time.Millisecond)

	// a fresh acquire now reports not-found instead of a stale hub
	_, err = r.Acquire("b1")
	assert.Equal(t, persistence.ErrNotFound, err)
}

func TestRegistryDeleteBoardWithoutLiveHub(t *testing.T) {
	r, persister := testRegistry(t, 0)
	putTestBoard(t, persister, "b1")

	assert.NoError(t, r.DeleteBoard("b1"))
	_, err := persister.GetBoard("b1")
	assert.Equal(t, persistence.ErrNotFound, err)
}

func TestRegistrySweepExpired(t *testing.T) {
	r, persister := testRegistry(t, 0)
	now := time.Now()

	fresh := testBoardSnapshot()
	fresh.Board.Id = "fresh"
	fresh.Board.AutoDeleteAtUtc = now.Add(time.Hour).Unix()
	assert.NoError(t, persister.PutBoard(fresh))

	stale := testBoardSnapshot()
	stale.Board.Id = "stale"
	stale.Board.AutoDeleteAtUtc = now.Add(-time.Hour).Unix()
	assert.NoError(t, persister.PutBoard(stale))

	deleted, err := r.SweepExpired(now)
	assert.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = persister.GetBoard("stale")
	assert.Equal(t, persistence.ErrNotFound, err)
	_, err = persister.GetBoard("fresh")
	assert.NoError(t, err)
}

func TestRegistryHubFlushesMutations(t *testing.T) {
	r, persister := testRegistry(t, 5)
	putTestBoard(t, persister, "b1")

	hub, err := r.Acquire("b1")
	assert.NoError(t, err)
	sess := NewSession("p1", "Alice", 16)
	assert.True(t, hub.Attach(sess))
	assert.True(t, hub.Submit(sess, &wire.Register{}))
	assert.True(t, hub.Submit(sess, &wire.SaveMessage{Id: "m1", Category: "c1", Content: "persisted"}))

	// the run loop flushes after each mutation
	assert.Eventually(t, func() bool {
		snap, err := persister.GetBoard("b1")
		return err == nil && len(snap.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.LastFlushError())

	snap, err := persister.GetBoard("b1")
	assert.NoError(t, err)
	assert.Equal(t, "m1", snap.Messages[0].Id)
	assert.Equal(t, "persisted", snap.Messages[0].Content)
}
