package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSixthMessageLimited(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(5, 5*time.Second)
	limiter.SetClock(clock.Now)

	limited := 0
	for i := 0; i < 6; i++ {
		if limiter.CheckAndUpdate("alice") {
			limited++
			if i != 5 {
				t.Errorf("Message %d was limited, expected only the 6th", i+1)
			}
		}
		clock.Advance(100 * time.Millisecond)
	}
	if limited != 1 {
		t.Errorf("Expected exactly 1 limited message, got %d", limited)
	}

	clock.Advance(5 * time.Second)
	if limiter.CheckAndUpdate("alice") {
		t.Error("Expected message after the window to pass")
	}
}

func TestRejectedAttemptDoesNotConsumeSlot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(2, 5*time.Second)
	limiter.SetClock(clock.Now)

	limiter.CheckAndUpdate("bob")
	clock.Advance(3 * time.Second)
	limiter.CheckAndUpdate("bob")

	clock.Advance(time.Second)
	if !limiter.CheckAndUpdate("bob") {
		t.Fatal("Expected third message to be limited")
	}

	// The first stamp expires; the rejected attempt must not have taken its place.
	clock.Advance(1500 * time.Millisecond)
	if limiter.CheckAndUpdate("bob") {
		t.Error("Expected a slot to be free after the oldest message expired")
	}
}

func TestNicknamesAreIndependent(t *testing.T) {
	limiter := New(1, time.Minute)

	if limiter.CheckAndUpdate("alice") {
		t.Error("First message from alice limited")
	}
	if limiter.CheckAndUpdate("bob") {
		t.Error("First message from bob limited")
	}
	if !limiter.CheckAndUpdate("alice") {
		t.Error("Second message from alice not limited")
	}

	limiter.Forget("alice")
	if limiter.CheckAndUpdate("alice") {
		t.Error("Expected alice to start fresh after Forget")
	}
}

func TestDefaults(t *testing.T) {
	limiter := New(0, 0)
	if limiter.maxMessages != DefaultMaxMessages || limiter.window != DefaultWindow {
		t.Errorf("Expected defaults, got %d/%s", limiter.maxMessages, limiter.window)
	}
}
