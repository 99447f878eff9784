package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter: at most max admissions per key
// within any trailing window. Check-and-record is atomic, so concurrent
// callers for the same key cannot both take the last slot.
type Limiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	keys     map[string][]time.Time
	cleanup  *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	stats    Stats
}

type Stats struct {
	Allowed  uint64
	Rejected uint64
	Keys     int
}

func New(max int, window time.Duration) *Limiter {
	l := &Limiter{
		max:      max,
		window:   window,
		keys:     make(map[string][]time.Time),
		cleanup:  time.NewTicker(window),
		stopChan: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether key may proceed, recording the admission when it does.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(key, now)
	if len(recent) >= l.max {
		l.keys[key] = recent
		l.stats.Rejected++
		return false
	}

	l.keys[key] = append(recent, now)
	l.stats.Allowed++
	return true
}

// Remaining returns how many admissions key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(key, now)
	if len(recent) == 0 {
		delete(l.keys, key)
	} else {
		l.keys[key] = recent
	}

	left := l.max - len(recent)
	if left < 0 {
		left = 0
	}
	return left
}

// RetryAfter returns how long until the oldest recorded admission leaves the
// window, i.e. the earliest time a rejected caller could succeed.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(key, now)
	if len(recent) < l.max {
		return 0
	}
	return recent[0].Add(l.window).Sub(now)
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats
	s.Keys = len(l.keys)
	return s
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		l.cleanup.Stop()
		close(l.stopChan)
	})
}

// pruneLocked drops timestamps older than the window. In-place trim keeps the
// slice allocation for churning keys.
func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	recent := l.keys[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(recent) && !recent[i].After(cutoff) {
		i++
	}
	return recent[i:]
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanup.C:
			l.removeIdle()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Limiter) removeIdle() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.keys {
		if len(l.pruneLocked(key, now)) == 0 {
			delete(l.keys, key)
		}
	}
}
