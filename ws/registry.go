package ws

import (
	"sync"
	"time"

	"github.com/vijeeshr/quickretro/config"
	"github.com/vijeeshr/quickretro/globals"
	"github.com/vijeeshr/quickretro/persistence"
)

// Registry maps board ids to live hubs. A hub is created lazily on the
// first connection and torn down after the last participant leaves and a
// grace period has passed, so rapid reconnects do not reload the snapshot
// from storage. The mutex only covers map lookup and insert; snapshot
// loading happens outside it so boards never contend with each other.
type Registry struct {
	cfg       *config.Config
	persister persistence.Persister

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	hub   *Hub
	refs  int
	grace *time.Timer

	// closed once loading finished; err is set before ready is closed
	ready chan struct{}
	err   error
}

func NewRegistry(cfg *config.Config, persister persistence.Persister) *Registry {
	return &Registry{
		cfg:       cfg,
		persister: persister,
		entries:   make(map[string]*hubEntry),
	}
}

// Acquire returns the hub for boardId, loading the board from durable
// storage when no hub is active. Returns persistence.ErrNotFound when the
// board has been deleted or expired.
func (r *Registry) Acquire(boardId string) (*Hub, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[boardId]
		if ok {
			e.refs++
			if e.grace != nil {
				e.grace.Stop()
				e.grace = nil
			}
			r.mu.Unlock()
			<-e.ready
			if e.err != nil {
				return nil, e.err
			}
			select {
			case <-e.hub.Done():
				// hub died between lookup and use (deleted or evicted),
				// drop the stale entry and retry
				r.remove(boardId, e)
				continue
			default:
			}
			return e.hub, nil
		}
		e = &hubEntry{refs: 1, ready: make(chan struct{})}
		r.entries[boardId] = e
		r.mu.Unlock()

		snap, err := r.persister.GetBoard(boardId)
		if err != nil {
			e.err = err
			close(e.ready)
			r.remove(boardId, e)
			return nil, err
		}
		hub := NewHub(snap, r.cfg, r.persister)
		e.hub = hub
		go hub.Run()
		go r.watch(boardId, e)
		close(e.ready)
		return hub, nil
	}
}

// Release decrements the hub's active-connection count. When it reaches
// zero an eviction timer starts; a reconnect within the grace period keeps
// the hub alive.
func (r *Registry) Release(boardId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[boardId]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 || e.grace != nil {
		return
	}
	e.grace = time.AfterFunc(r.cfg.Limits.EvictionGrace(), func() {
		r.evict(boardId, e)
	})
}

func (r *Registry) evict(boardId string, e *hubEntry) {
	r.mu.Lock()
	if cur, ok := r.entries[boardId]; !ok || cur != e || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, boardId)
	r.mu.Unlock()
	if e.hub != nil {
		globals.AppLogger.Debug("evicting idle hub", "board", boardId)
		e.hub.Shutdown()
	}
}

func (r *Registry) remove(boardId string, e *hubEntry) {
	r.mu.Lock()
	if cur, ok := r.entries[boardId]; ok && cur == e {
		delete(r.entries, boardId)
	}
	r.mu.Unlock()
}

// watch evicts the entry as soon as its hub terminates on its own, e.g.
// after a board deletion.
func (r *Registry) watch(boardId string, e *hubEntry) {
	<-e.hub.Done()
	r.remove(boardId, e)
}

// ActiveBoards reports the number of live hubs.
func (r *Registry) ActiveBoards() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// DeleteBoard removes a board everywhere: a live hub is drained (all
// sessions get the board-gone close code), and the durable snapshot is
// deleted.
func (r *Registry) DeleteBoard(boardId string) error {
	r.mu.Lock()
	e, ok := r.entries[boardId]
	r.mu.Unlock()
	if ok {
		<-e.ready
		if e.hub != nil {
			e.hub.Terminate() // the hub deletes the durable snapshot itself
			return nil
		}
	}
	return r.persister.DeleteBoard(boardId)
}

// SweepExpired deletes every board past its scheduled auto-deletion time.
// Returns the number of boards removed.
func (r *Registry) SweepExpired(now time.Time) (int, error) {
	snaps, err := r.persister.ListBoards()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, snap := range snaps {
		if snap.Board == nil || !snap.Board.Expired(now) {
			continue
		}
		if err := r.DeleteBoard(snap.Board.Id); err != nil && err != persistence.ErrNotFound {
			globals.AppLogger.Error("could not sweep expired board", "board", snap.Board.Id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
