// Package ratelimit implements a per-nickname sliding window message limiter.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxMessages = 5
	DefaultWindow      = 5 * time.Second
)

type Limiter struct {
	mu          sync.Mutex
	maxMessages int
	window      time.Duration
	windows     map[string][]time.Time
	now         func() time.Time
}

func New(maxMessages int, window time.Duration) *Limiter {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &Limiter{
		maxMessages: maxMessages,
		window:      window,
		windows:     make(map[string][]time.Time),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CheckAndUpdate reports whether nickname is over its limit. A rejected
// attempt is not recorded, so it does not consume a slot.
func (l *Limiter) CheckAndUpdate(nickname string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	stamps := l.windows[nickname]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.maxMessages {
		l.windows[nickname] = kept
		return true
	}

	l.windows[nickname] = append(kept, now)
	return false
}

// Forget drops the window kept for nickname.
func (l *Limiter) Forget(nickname string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, nickname)
}
