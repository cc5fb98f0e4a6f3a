package sessions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/relay/session"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("s1", Handle{})
	u2 := tr.Register("s2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_UnregisterIsIdempotent(t *testing.T) {
	tr := NewTracker()
	u := tr.Register("s1", Handle{})
	u()
	u()
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
	if ok := tr.Wait(nil); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_DrainAll_CallsEverySession(t *testing.T) {
	tr := NewTracker()
	var d1, d2 atomic.Int64
	tr.Register("s1", Handle{Drain: func(string) { d1.Add(1) }})
	tr.Register("s2", Handle{Drain: func(string) { d2.Add(1) }})

	if n := tr.DrainAll("shutdown"); n != 2 {
		t.Fatalf("drained=%d, want 2", n)
	}
	if d1.Load() != 1 || d2.Load() != 1 {
		t.Fatalf("drain calls=%d/%d, want 1/1", d1.Load(), d2.Load())
	}
}

func TestTracker_SnapshotsSortedByID(t *testing.T) {
	tr := NewTracker()
	tr.Register("s2", Handle{Snapshot: func() session.Snapshot {
		return session.Snapshot{ID: "s2", FramesIn: 7}
	}})
	tr.Register("s1", Handle{Snapshot: func() session.Snapshot {
		return session.Snapshot{ID: "s1", FramesIn: 3}
	}})

	snaps := tr.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].ID != "s1" || snaps[1].ID != "s2" {
		t.Fatalf("snapshot order = %q, %q", snaps[0].ID, snaps[1].ID)
	}
	if snaps[0].FramesIn != 3 {
		t.Fatalf("snapshot frames_in = %d", snaps[0].FramesIn)
	}
}

func TestTracker_WaitTimesOutWhileSessionLive(t *testing.T) {
	tr := NewTracker()
	u := tr.Register("s1", Handle{})
	defer u()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); ok {
		t.Fatalf("expected Wait to time out while a session is live")
	}
}
