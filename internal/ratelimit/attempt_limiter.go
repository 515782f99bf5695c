package ratelimit

import (
	"sync"
	"time"
)

// AttemptLimiter is a fixed-window counter keyed by source address.
//
// Each key gets at most MaxAttempts calls to Allow inside a window of length
// Window that starts at the key's first attempt. Attempts beyond the limit are
// still counted, so a source that keeps retrying stays blocked until its
// window rolls over.
//
// Expired records for other keys are swept on every call, which keeps memory
// proportional to the number of sources active within the last window.
type AttemptLimiter struct {
	mu sync.Mutex

	clock       Clock
	maxAttempts int
	window      time.Duration

	records map[string]*attemptRecord
}

type attemptRecord struct {
	count       int
	windowStart time.Time
}

// NewAttemptLimiter returns a limiter allowing maxAttempts per window.
//
// maxAttempts <= 0 or window <= 0 disables limiting.
func NewAttemptLimiter(clock Clock, maxAttempts int, window time.Duration) *AttemptLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &AttemptLimiter{
		clock:       clock,
		maxAttempts: maxAttempts,
		window:      window,
		records:     make(map[string]*attemptRecord),
	}
}

// Allow records an attempt from source and reports whether it is within the
// limit.
func (l *AttemptLimiter) Allow(source string) bool {
	if l == nil || l.maxAttempts <= 0 || l.window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweepLocked(now, source)

	rec, ok := l.records[source]
	if !ok {
		rec = &attemptRecord{windowStart: now}
		l.records[source] = rec
	} else if l.expired(rec, now) {
		rec.count = 0
		rec.windowStart = now
	}

	rec.count++
	return rec.count <= l.maxAttempts
}

// Len returns the number of tracked sources.
func (l *AttemptLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *AttemptLimiter) sweepLocked(now time.Time, keep string) {
	for key, rec := range l.records {
		if key == keep {
			continue
		}
		if l.expired(rec, now) {
			delete(l.records, key)
		}
	}
}

func (l *AttemptLimiter) expired(rec *attemptRecord, now time.Time) bool {
	// A clock that moved backwards restarts the window rather than extending
	// it indefinitely.
	if now.Before(rec.windowStart) {
		return true
	}
	return now.Sub(rec.windowStart) >= l.window
}
