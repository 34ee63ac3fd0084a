// Package ratelimit guards command execution with a per-caller token
// bucket. A denied admission consumes no quota.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most MaxRequests commands per caller per Window.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	callers map[int64]*callerState
}

type callerState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// pruneThreshold is the caller-map size past which idle buckets are swept.
const pruneThreshold = 4096

// New creates a limiter admitting maxRequests per window for each caller.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		callers:     make(map[int64]*callerState),
	}
}

// Allow reports whether the caller may execute one more command now, and
// consumes one unit only when it returns true.
func (l *Limiter) Allow(callerID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cs, ok := l.callers[callerID]
	if !ok {
		cs = &callerState{
			limiter: rate.NewLimiter(rate.Limit(float64(l.maxRequests)/l.window.Seconds()), l.maxRequests),
		}
		l.callers[callerID] = cs
		if len(l.callers) > pruneThreshold {
			l.prune(now)
		}
	}
	cs.lastSeen = now

	return cs.limiter.Allow()
}

// prune removes buckets idle for ten windows. Must hold lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-10 * l.window)
	for id, cs := range l.callers {
		if cs.lastSeen.Before(cutoff) {
			delete(l.callers, id)
		}
	}
}
