// Package ratelimit bounds how many live sessions one relay process runs,
// globally and per principal, and how fast a single principal may open them.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// OpensPerSecond and OpenBurst rate-limit session creation per
	// principal (token bucket). Zero disables the bucket.
	OpensPerSecond float64
	OpenBurst      int

	MaxSessionsPerPrincipal int
	MaxSessionsTotal        int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	globalSem chan struct{}

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rate     float64
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
	l := &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
	if cfg.MaxSessionsTotal > 0 {
		l.globalSem = make(chan struct{}, cfg.MaxSessionsTotal)
	}
	return l
}

// PrincipalKey derives a stable map key from a bearer token without keeping
// the token itself in memory.
func PrincipalKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "p_" + hex.EncodeToString(sum[:16])
}

// Permit is one held session slot. Release is idempotent.
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

// AcquireSession admits or refuses one new live session for the principal.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)
	pl.touch(now)

	if l.cfg.OpensPerSecond > 0 && l.cfg.OpenBurst > 0 {
		ok, retryAfter := pl.allowOpen(now, l.cfg.OpensPerSecond, l.cfg.OpenBurst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	release := func() {}
	if l.globalSem != nil {
		select {
		case l.globalSem <- struct{}{}:
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
		release = func() { <-l.globalSem }
	}

	if l.cfg.MaxSessionsPerPrincipal > 0 {
		select {
		case pl.sessionSem <- struct{}{}:
			globalRelease := release
			release = func() {
				<-pl.sessionSem
				globalRelease()
			}
		default:
			// Give the global slot back before refusing.
			if l.globalSem != nil {
				<-l.globalSem
			}
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory over
		// perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		return pl
	}
	pl := &principalLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerPrincipal)),
		lastSeen:   now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.lastSeen = now
}

func (pl *principalLimiter) allowOpen(now time.Time, rate float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if burst <= 0 || rate <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if pl.tb.capacity == 0 {
		pl.tb = tokenBucket{
			rate:     rate,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	pl.tb.rate = rate
	pl.tb.capacity = capacity

	elapsed := now.Sub(pl.tb.last).Seconds()
	if elapsed > 0 {
		pl.tb.tokens = math.Min(pl.tb.capacity, pl.tb.tokens+(elapsed*pl.tb.rate))
		pl.tb.last = now
	}

	if pl.tb.tokens >= 1.0 {
		pl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - pl.tb.tokens
	seconds := needed / pl.tb.rate
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
