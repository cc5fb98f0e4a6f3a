package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps client audio on two axes, frames per second
// and bytes per second. Either axis can be disabled with a non-positive
// rate. A nil limiter allows everything.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		burst := bps * int64(burstSeconds)
		if burst > int64(maxInt) {
			burst = int64(maxInt)
		}
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(burst))
	}
	return l
}

// Allow reports whether one frame of frameBytes payload may pass now.
// Both axes are checked before either is charged, so a frame refused on
// one axis does not consume tokens on the other.
func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}

	now := l.now()
	if l.frames != nil && l.frames.TokensAt(now) < 1 {
		return false
	}
	if l.bytes != nil && l.bytes.TokensAt(now) < float64(frameBytes) {
		return false
	}

	if l.frames != nil {
		l.frames.AllowN(now, 1)
	}
	if l.bytes != nil && frameBytes > 0 {
		l.bytes.AllowN(now, frameBytes)
	}
	return true
}

const maxInt = int(^uint(0) >> 1)
