package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	got := clock.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClockSince(t *testing.T) {
	clock := RealClock{}
	start := time.Now().Add(-time.Second)
	if got := clock.Since(start); got < time.Second {
		t.Errorf("RealClock.Since() = %v, want >= 1s", got)
	}
}

func TestMockClockNowAndSet(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)

	if got := clock.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}

	later := base.Add(time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMockClockAdvance(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)

	clock.Advance(90 * time.Second)
	if got := clock.Now(); !got.Equal(base.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, base.Add(90*time.Second))
	}
}

func TestMockClockSince(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)
	clock.Advance(30 * time.Second)

	if got := clock.Since(base); got != 30*time.Second {
		t.Errorf("Since() = %v, want 30s", got)
	}
}
