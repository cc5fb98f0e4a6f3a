package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// chunkSource yields the given chunks then io.EOF. A non-nil gate blocks
// each NextChunk until released, to hold tasks in flight.
type chunkSource struct {
	mu     sync.Mutex
	chunks [][]byte
	gate   chan struct{}
}

func (s *chunkSource) NextChunk(ctx context.Context) ([]byte, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func TestPlaybackManager_CompletesNormally(t *testing.T) {
	m := NewPlaybackManager()
	var sent [][]byte
	var sentMu sync.Mutex

	var completions atomic.Int32
	task := m.Start(context.Background(), "a_1",
		&chunkSource{chunks: [][]byte{{1}, {2}, {3}}},
		func(chunk []byte) error {
			sentMu.Lock()
			sent = append(sent, chunk)
			sentMu.Unlock()
			return nil
		},
		func(outcome PlaybackOutcome) {
			completions.Add(1)
			if outcome != PlaybackCompleted {
				t.Errorf("outcome = %q, want completed", outcome)
			}
		})

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for completion")
	}

	sentMu.Lock()
	defer sentMu.Unlock()
	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}
	if completions.Load() != 1 {
		t.Fatalf("completions = %d, want 1", completions.Load())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("active = %d after completion", m.ActiveCount())
	}
}

func TestPlaybackManager_BargeInCancelsAll(t *testing.T) {
	m := NewPlaybackManager()
	gate := make(chan struct{})

	var completions atomic.Int32
	onComplete := func(outcome PlaybackOutcome) {
		completions.Add(1)
		if outcome != PlaybackCancelled {
			t.Errorf("outcome = %q, want cancelled", outcome)
		}
	}
	send := func([]byte) error { return nil }

	t1 := m.Start(context.Background(), "a_1", &chunkSource{chunks: [][]byte{{1}}, gate: gate}, send, onComplete)
	t2 := m.Start(context.Background(), "a_2", &chunkSource{chunks: [][]byte{{2}}, gate: gate}, send, onComplete)
	if m.ActiveCount() != 2 {
		t.Fatalf("active = %d, want 2", m.ActiveCount())
	}

	epochBefore := m.Epoch()
	m.CancelAll()
	if m.Epoch() != epochBefore+1 {
		t.Fatalf("epoch = %d, want %d", m.Epoch(), epochBefore+1)
	}

	for _, task := range []*PlaybackTask{t1, t2} {
		select {
		case <-task.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for cancellation")
		}
	}
	if completions.Load() != 2 {
		t.Fatalf("completions = %d, want 2", completions.Load())
	}

	// Second CancelAll over an empty (already-cancelled) set is a no-op;
	// completion hooks must not fire again.
	m.CancelAll()
	time.Sleep(20 * time.Millisecond)
	if completions.Load() != 2 {
		t.Fatalf("completions after repeat cancel = %d, want 2", completions.Load())
	}
}

func TestPlaybackManager_CompleteOnceUnderCancelRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := NewPlaybackManager()
		var completions atomic.Int32

		task := m.Start(context.Background(), "a_1",
			&chunkSource{chunks: [][]byte{{1}}},
			func([]byte) error { return nil },
			func(PlaybackOutcome) { completions.Add(1) })

		// Race natural completion against cancellation.
		go m.CancelAll()

		select {
		case <-task.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
		// Give a racing duplicate invocation a chance to surface.
		if got := completions.Load(); got != 1 {
			t.Fatalf("iteration %d: completions = %d, want 1", i, got)
		}
	}
}

func TestPlaybackManager_NoChunksAfterCancel(t *testing.T) {
	m := NewPlaybackManager()
	gate := make(chan struct{}, 1)

	var sentAfterCancel atomic.Int32
	var cancelled atomic.Bool

	task := m.Start(context.Background(), "a_1",
		&chunkSource{chunks: [][]byte{{1}, {2}, {3}, {4}}, gate: gate},
		func([]byte) error {
			if cancelled.Load() {
				sentAfterCancel.Add(1)
			}
			return nil
		},
		nil)

	// Let exactly one chunk through, then cancel.
	gate <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	cancelled.Store(true)
	m.CancelAll()
	close(gate)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
	if task.Outcome() != PlaybackCancelled {
		t.Fatalf("outcome = %q", task.Outcome())
	}
	if sentAfterCancel.Load() != 0 {
		t.Fatalf("%d chunks sent after cancellation", sentAfterCancel.Load())
	}
}

func TestPlaybackManager_RegisteredBeforeWorkRuns(t *testing.T) {
	m := NewPlaybackManager()
	gate := make(chan struct{})

	// The source never produces until gated, so if registration happened
	// inside the goroutine this CancelAll could miss the task.
	task := m.Start(context.Background(), "a_1",
		&chunkSource{chunks: [][]byte{{1}}, gate: gate},
		func([]byte) error { return nil }, nil)
	m.CancelAll()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation missed a just-started task")
	}
	if task.Outcome() != PlaybackCancelled {
		t.Fatalf("outcome = %q, want cancelled", task.Outcome())
	}
}
