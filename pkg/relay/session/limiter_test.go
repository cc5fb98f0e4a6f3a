package session

import (
	"testing"
	"time"
)

func TestInboundLimiter_AllowsWithinBurstThenDenies(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 1, 0, 2) // 2 frame burst
	if !lim.Allow(10) {
		t.Fatalf("expected allow 1")
	}
	if !lim.Allow(10) {
		t.Fatalf("expected allow 2")
	}
	if lim.Allow(10) {
		t.Fatalf("expected deny 3")
	}
}

func TestInboundLimiter_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 10, 0, 2) // 20 frame burst
	for i := 0; i < 20; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	now = now.Add(100 * time.Millisecond) // refills one frame token
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny again without enough time")
	}
}

func TestInboundLimiter_BytesAxisDeniesOverspend(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 0, 100, 2) // 200 byte burst
	if !lim.Allow(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if lim.Allow(60) {
		t.Fatalf("expected deny 60 bytes on byte budget")
	}
}

func TestInboundLimiter_DenialChargesNeitherAxis(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	lim := newInboundAudioLimiter(clock, 10, 100, 1) // 10 frames, 100 bytes

	// Refused on bytes; the frame token must survive.
	if lim.Allow(500) {
		t.Fatalf("expected deny oversized frame")
	}
	for i := 0; i < 10; i++ {
		if !lim.Allow(10) {
			t.Fatalf("frame token was charged by a denied frame, i=%d", i)
		}
	}
}

func TestInboundLimiter_NilAllowsEverything(t *testing.T) {
	var lim *inboundAudioLimiter
	if !lim.Allow(1 << 20) {
		t.Fatalf("nil limiter must allow")
	}
	if lim := newInboundAudioLimiter(nil, 0, 0, 0); lim != nil {
		t.Fatalf("expected nil limiter when both rates disabled")
	}
}
