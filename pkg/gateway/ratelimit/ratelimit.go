// Package ratelimit provides per-principal request throttling for a single
// process: a token bucket for request rate plus concurrency caps for plain
// HTTP requests and live voice sessions.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentLive     int

	// Operational bounds for the in-memory principal map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	reqSem  chan struct{}
	liveSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
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
		m:   make(map[string]*principalLimiter),
	}
}

// PrincipalKeyFromAPIKey derives a stable opaque key for rate limiting so
// raw API keys never land in the limiter map or in logs.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

// Permit holds a concurrency slot. Release is idempotent.
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
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest admits one HTTP request for the principal, checking the
// token bucket first and the concurrency cap second.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	pl := l.getOrCreate(principalOrAnon(principal), now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := pl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentRequests > 0 {
		return acquireSlot(pl.reqSem)
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// AcquireLive admits one live voice session for the principal. Live sessions
// are long-lived, so they bypass the token bucket and only count against
// their own concurrency cap.
func (l *Limiter) AcquireLive(principal string, now time.Time) Decision {
	pl := l.getOrCreate(principalOrAnon(principal), now)

	if l.cfg.MaxConcurrentLive > 0 {
		return acquireSlot(pl.liveSem)
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func acquireSlot(sem chan struct{}) Decision {
	select {
	case sem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-sem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func principalOrAnon(principal string) string {
	if principal == "" {
		return "anonymous"
	}
	return principal
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Bounded memory beats perfect fairness: evict one arbitrary entry
		// if GC did not make room.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}
	pl := &principalLimiter{
		reqSem:   make(chan struct{}, maxInt(1, l.cfg.MaxConcurrentRequests)),
		liveSem:  make(chan struct{}, maxInt(1, l.cfg.MaxConcurrentLive)),
		lastSeen: now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	capacity := float64(burst)
	if pl.tb.capacity == 0 {
		pl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	pl.tb.rps = rps
	pl.tb.capacity = capacity

	elapsed := now.Sub(pl.tb.last).Seconds()
	if elapsed > 0 {
		pl.tb.tokens = math.Min(pl.tb.capacity, pl.tb.tokens+(elapsed*pl.tb.rps))
		pl.tb.last = now
	}

	if pl.tb.tokens >= 1.0 {
		pl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - pl.tb.tokens) / pl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
