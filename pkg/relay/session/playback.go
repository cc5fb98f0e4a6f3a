package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrPlaybackCancelled is the expected outcome of barge-in. It is never a
// failure and must not be logged as one.
var ErrPlaybackCancelled = errors.New("playback cancelled")

type PlaybackOutcome string

const (
	PlaybackCompleted PlaybackOutcome = "completed"
	PlaybackCancelled PlaybackOutcome = "cancelled"
	PlaybackFailed    PlaybackOutcome = "failed"
)

// PlaybackSource yields synthesized audio one chunk at a time and returns
// io.EOF when the reply is fully streamed.
type PlaybackSource interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// PlaybackTask is one in-flight synthesize-and-stream operation. It is
// owned by its session's task set until completion or cancellation.
type PlaybackTask struct {
	ID string

	cancel     context.CancelFunc
	done       chan struct{}
	finishOnce sync.Once
	outcome    atomic.Value // PlaybackOutcome
}

// Done is closed once the task has finished, normally or cancelled.
func (t *PlaybackTask) Done() <-chan struct{} {
	return t.done
}

// Outcome is valid after Done is closed.
func (t *PlaybackTask) Outcome() PlaybackOutcome {
	v, _ := t.outcome.Load().(PlaybackOutcome)
	return v
}

// Cancel requests cooperative cancellation. Safe on finished tasks.
func (t *PlaybackTask) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// PlaybackManager owns the per-session set of playback tasks. All set
// mutations happen under one mutex so task registration, completion
// removal, and barge-in cancellation never race.
type PlaybackManager struct {
	mu    sync.Mutex
	tasks map[string]*PlaybackTask
	epoch atomic.Int64
}

func NewPlaybackManager() *PlaybackManager {
	return &PlaybackManager{tasks: make(map[string]*PlaybackTask)}
}

// Epoch is the session's current track epoch. It increments on every
// barge-in; stale epochs identify audio that must no longer reach the
// client.
func (m *PlaybackManager) Epoch() int64 {
	return m.epoch.Load()
}

// ActiveCount reports in-flight tasks.
func (m *PlaybackManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ActiveIDs snapshots the IDs of in-flight tasks.
func (m *PlaybackManager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Start spawns a playback task streaming source chunks through send. The
// task is registered in the set before any work runs, so a cancellation
// arriving immediately after Start still reaches it. onComplete fires
// exactly once per task, for every outcome, even when cancellation and
// natural completion race.
func (m *PlaybackManager) Start(ctx context.Context, id string, source PlaybackSource, send func(chunk []byte) error, onComplete func(PlaybackOutcome)) *PlaybackTask {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &PlaybackTask{
		ID:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	finish := func(outcome PlaybackOutcome) {
		task.finishOnce.Do(func() {
			cancel()
			task.outcome.Store(outcome)
			// The hook runs before the task leaves the set, so Wait callers
			// observe every hook of the tasks they saw as active.
			if onComplete != nil {
				onComplete(outcome)
			}
			m.mu.Lock()
			if m.tasks[id] == task {
				delete(m.tasks, id)
			}
			m.mu.Unlock()
			close(task.done)
		})
	}

	m.mu.Lock()
	if old := m.tasks[id]; old != nil {
		old.cancel()
	}
	m.tasks[id] = task
	m.mu.Unlock()

	go func() {
		for {
			// Cancellation is observed at every chunk boundary, never
			// mid-write.
			if taskCtx.Err() != nil {
				finish(PlaybackCancelled)
				return
			}
			chunk, err := source.NextChunk(taskCtx)
			if err != nil {
				switch {
				case errors.Is(err, io.EOF):
					finish(PlaybackCompleted)
				case errors.Is(err, context.Canceled) || errors.Is(err, ErrPlaybackCancelled):
					finish(PlaybackCancelled)
				default:
					finish(PlaybackFailed)
				}
				return
			}
			if taskCtx.Err() != nil {
				finish(PlaybackCancelled)
				return
			}
			if len(chunk) == 0 {
				continue
			}
			if err := send(chunk); err != nil {
				finish(PlaybackFailed)
				return
			}
		}
	}()

	return task
}

// CancelAll cancels every active task for the session and bumps the track
// epoch. Idempotent: already-finished or already-cancelled members are
// no-ops.
func (m *PlaybackManager) CancelAll() {
	m.mu.Lock()
	snapshot := make([]*PlaybackTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		snapshot = append(snapshot, task)
	}
	m.mu.Unlock()

	m.epoch.Add(1)
	for _, task := range snapshot {
		task.cancel()
	}
}

// Wait blocks until every task active at call time has finished.
func (m *PlaybackManager) Wait() {
	m.mu.Lock()
	snapshot := make([]*PlaybackTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		snapshot = append(snapshot, task)
	}
	m.mu.Unlock()

	for _, task := range snapshot {
		<-task.done
	}
}
