// Package ratelimit caps concurrent relay sessions per gateway API key.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// MaxSessionsPerKey bounds concurrent live sessions per principal.
	// Zero disables the cap.
	MaxSessionsPerKey int

	// ConnectRPS/ConnectBurst throttle session establishment per
	// principal. Zero disables the throttle.
	ConnectRPS   float64
	ConnectBurst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalState
}

type principalState struct {
	connects   *rate.Limiter
	sessionSem chan struct{}
	lastSeen   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalState),
	}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed bool
	Permit  *Permit
}

// AcquireSession admits or rejects a new live session for the principal.
// The returned permit must be released when the session ends.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if principal == "" {
		principal = "anonymous"
	}

	ps := l.getOrCreate(principal, now)

	if ps.connects != nil && !ps.connects.AllowN(now, 1) {
		return Decision{Allowed: false}
	}

	if l.cfg.MaxSessionsPerKey > 0 {
		select {
		case ps.sessionSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-ps.sessionSem }},
			}
		default:
			return Decision{Allowed: false}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if ps, ok := l.m[principal]; ok {
		ps.lastSeen = now
		return ps
	}
	semSize := l.cfg.MaxSessionsPerKey
	if semSize < 1 {
		semSize = 1
	}
	ps := &principalState{
		sessionSem: make(chan struct{}, semSize),
		lastSeen:   now,
	}
	if l.cfg.ConnectRPS > 0 && l.cfg.ConnectBurst > 0 {
		ps.connects = rate.NewLimiter(rate.Limit(l.cfg.ConnectRPS), l.cfg.ConnectBurst)
	}
	l.m[principal] = ps
	return ps
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
}
