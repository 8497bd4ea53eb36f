package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a minimum interval between allowed invocations of a
// named action. It is the sole backpressure primitive for user-driven
// write bursts: a denied call is a hard reject, never queued.
type Limiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func New() *Limiter {
	return &Limiter{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// CheckAndRecord reports whether the action is allowed right now and,
// only if so, records the invocation. A denied call leaves the window
// untouched so repeated denials cannot starve the action forever.
func (l *Limiter) CheckAndRecord(action string, minInterval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	prev, ok := l.last[action]
	if ok && now.Sub(prev) < minInterval {
		return false
	}
	l.last[action] = now

	return true
}

// NextAllowed returns how long the caller must wait before the action
// would be allowed again, or zero if it is allowed now.
func (l *Limiter) NextAllowed(action string, minInterval time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.last[action]
	if !ok {
		return 0
	}
	remaining := minInterval - l.now().Sub(prev)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// Reset clears the record for one action.
func (l *Limiter) Reset(action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, action)
}

// ResetAll clears every record. Used on sign-out so one account's
// throttle history never bleeds into the next session.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = make(map[string]time.Time)
}
