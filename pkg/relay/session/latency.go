package session

import (
	"log/slog"
	"sync"
	"time"
)

// LatencySink receives stage durations. Absence of a sink must never affect
// relay correctness.
type LatencySink interface {
	ObserveStage(sessionID, stage string, d time.Duration)
}

type latencyKey struct {
	sessionID string
	stage     string
}

// LatencyTracker records start/stop timestamps per (session, stage) pair.
type LatencyTracker struct {
	mu     sync.Mutex
	starts map[latencyKey]time.Time
	now    func() time.Time
	logger *slog.Logger
}

func NewLatencyTracker(logger *slog.Logger, now func() time.Time) *LatencyTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &LatencyTracker{
		starts: make(map[latencyKey]time.Time),
		now:    now,
		logger: logger,
	}
}

// Start marks the beginning of a stage. A repeated Start for the same pair
// overwrites the previous mark; only the most recent start counts.
func (t *LatencyTracker) Start(sessionID, stage string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.starts[latencyKey{sessionID: sessionID, stage: stage}] = t.now()
	t.mu.Unlock()
}

// Stop computes the stage duration and reports it to sink in milliseconds
// resolution. Stop without a matching Start is a logged no-op. A nil sink
// drops the measurement.
func (t *LatencyTracker) Stop(sessionID, stage string, sink LatencySink) {
	if t == nil {
		return
	}
	key := latencyKey{sessionID: sessionID, stage: stage}

	t.mu.Lock()
	start, ok := t.starts[key]
	if ok {
		delete(t.starts, key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("latency stop without start", "session_id", sessionID, "stage", stage)
		return
	}
	if sink == nil {
		return
	}
	sink.ObserveStage(sessionID, stage, t.now().Sub(start))
}

// DropSession discards any unstopped marks for a session at teardown.
func (t *LatencyTracker) DropSession(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	for key := range t.starts {
		if key.sessionID == sessionID {
			delete(t.starts, key)
		}
	}
	t.mu.Unlock()
}
