package session

import (
	"testing"
	"time"
)

type recordedStage struct {
	sessionID string
	stage     string
	d         time.Duration
}

type fakeSink struct {
	observed []recordedStage
}

func (s *fakeSink) ObserveStage(sessionID, stage string, d time.Duration) {
	s.observed = append(s.observed, recordedStage{sessionID: sessionID, stage: stage, d: d})
}

func TestLatencyTracker_StartStop(t *testing.T) {
	current := time.Unix(100, 0)
	tracker := NewLatencyTracker(nil, func() time.Time { return current })
	sink := &fakeSink{}

	tracker.Start("s1", "tts")
	current = current.Add(250 * time.Millisecond)
	tracker.Stop("s1", "tts", sink)

	if len(sink.observed) != 1 {
		t.Fatalf("observations = %d, want 1", len(sink.observed))
	}
	got := sink.observed[0]
	if got.sessionID != "s1" || got.stage != "tts" || got.d != 250*time.Millisecond {
		t.Fatalf("observed = %+v", got)
	}
}

func TestLatencyTracker_StopWithoutStartIsNoOp(t *testing.T) {
	tracker := NewLatencyTracker(nil, nil)
	sink := &fakeSink{}

	tracker.Stop("s1", "tts", sink)

	if len(sink.observed) != 0 {
		t.Fatalf("observations = %d, want 0", len(sink.observed))
	}
}

func TestLatencyTracker_DuplicateStopIsNoOp(t *testing.T) {
	tracker := NewLatencyTracker(nil, nil)
	sink := &fakeSink{}

	tracker.Start("s1", "tts")
	tracker.Stop("s1", "tts", sink)
	tracker.Stop("s1", "tts", sink)

	if len(sink.observed) != 1 {
		t.Fatalf("observations = %d, want 1", len(sink.observed))
	}
}

func TestLatencyTracker_RestartOverwrites(t *testing.T) {
	current := time.Unix(100, 0)
	tracker := NewLatencyTracker(nil, func() time.Time { return current })
	sink := &fakeSink{}

	tracker.Start("s1", "tts")
	current = current.Add(1 * time.Second)
	tracker.Start("s1", "tts") // retry; only this one counts
	current = current.Add(100 * time.Millisecond)
	tracker.Stop("s1", "tts", sink)

	if len(sink.observed) != 1 || sink.observed[0].d != 100*time.Millisecond {
		t.Fatalf("observed = %+v", sink.observed)
	}
}

func TestLatencyTracker_NilSinkDropsMeasurement(t *testing.T) {
	tracker := NewLatencyTracker(nil, nil)
	tracker.Start("s1", "tts")
	tracker.Stop("s1", "tts", nil) // must not panic
}

func TestLatencyTracker_DropSession(t *testing.T) {
	tracker := NewLatencyTracker(nil, nil)
	sink := &fakeSink{}

	tracker.Start("s1", "tts")
	tracker.Start("s1", "stt")
	tracker.Start("s2", "tts")
	tracker.DropSession("s1")

	tracker.Stop("s1", "tts", sink)
	tracker.Stop("s1", "stt", sink)
	if len(sink.observed) != 0 {
		t.Fatalf("dropped session still observed: %+v", sink.observed)
	}
	tracker.Stop("s2", "tts", sink)
	if len(sink.observed) != 1 {
		t.Fatalf("unrelated session dropped: %+v", sink.observed)
	}
}
