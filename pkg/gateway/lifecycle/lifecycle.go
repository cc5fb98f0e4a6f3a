// Package lifecycle tracks process drain state shared across handlers.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle flips to draining during graceful shutdown so that new
// session requests are refused while established ones wind down.
type Lifecycle struct {
	mu       sync.Mutex
	draining bool
	since    time.Time
	reason   string
}

func (l *Lifecycle) BeginDrain(reason string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining {
		return
	}
	l.draining = true
	l.since = time.Now()
	l.reason = reason
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// DrainState reports whether the process is draining, and if so since
// when and why.
func (l *Lifecycle) DrainState() (bool, time.Time, string) {
	if l == nil {
		return false, time.Time{}, ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining, l.since, l.reason
}
