// Package sessions tracks live relay sessions so the server can drain
// them on shutdown and report on them while they run.
package sessions

import (
	"context"
	"sort"
	"sync"

	"github.com/voicebridge-io/voicebridge/pkg/relay/session"
)

// Handle is what a running relay exposes to the tracker.
type Handle struct {
	// Drain asks the relay to leave the relaying state. Must be safe to
	// call more than once.
	Drain func(reason string)
	// Snapshot reports the relay's current counters.
	Snapshot func() session.Snapshot
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session and returns its unregister func. Registering an
// ID that is already present replaces the old entry and releases it.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshots reports every live session, ordered by session ID.
func (t *Tracker) Snapshots() []session.Snapshot {
	if t == nil {
		return nil
	}

	var fns []func() session.Snapshot
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Snapshot == nil {
			continue
		}
		fns = append(fns, entry.handle.Snapshot)
	}
	t.mu.Unlock()

	out := make([]session.Snapshot, 0, len(fns))
	for _, fn := range fns {
		out = append(out, fn())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DrainAll asks every live session to begin draining.
func (t *Tracker) DrainAll(reason string) (drained int) {
	if t == nil {
		return 0
	}

	var drains []func(reason string)
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Drain == nil {
			continue
		}
		drains = append(drains, entry.handle.Drain)
	}
	t.mu.Unlock()

	for _, drain := range drains {
		drain(reason)
		drained++
	}
	return drained
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
