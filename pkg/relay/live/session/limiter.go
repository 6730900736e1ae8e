package session

import "time"

// micLimiter enforces frames/sec and bytes/sec budgets on inbound mic audio
// with a fixed burst allowance. A nil limiter allows everything.
type micLimiter struct {
	now   func() time.Time
	last  time.Time
	burst float64

	frameRate   float64
	frameTokens float64
	byteRate    float64
	byteTokens  float64
}

func newMicLimiter(now func() time.Time, framesPerSec int, bytesPerSec int64, burstSeconds int) *micLimiter {
	if framesPerSec <= 0 && bytesPerSec <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &micLimiter{
		now:       now,
		last:      now(),
		burst:     float64(burstSeconds),
		frameRate: float64(framesPerSec),
		byteRate:  float64(bytesPerSec),
	}
	l.frameTokens = l.frameRate * l.burst
	l.byteTokens = l.byteRate * l.burst
	return l
}

func (l *micLimiter) allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.frameRate > 0 && l.frameTokens < 1 {
		return false
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.byteRate > 0 && l.byteTokens < float64(frameBytes) {
		return false
	}
	if l.frameRate > 0 {
		l.frameTokens--
	}
	if l.byteRate > 0 {
		l.byteTokens -= float64(frameBytes)
	}
	return true
}

// refill credits tokens for the elapsed wall time. Fractional credit
// accumulates, so callers polling faster than the token interval do not
// starve the bucket.
func (l *micLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	if l.frameRate > 0 {
		l.frameTokens += elapsed * l.frameRate
		if limit := l.frameRate * l.burst; l.frameTokens > limit {
			l.frameTokens = limit
		}
	}
	if l.byteRate > 0 {
		l.byteTokens += elapsed * l.byteRate
		if limit := l.byteRate * l.burst; l.byteTokens > limit {
			l.byteTokens = limit
		}
	}
}
