package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
	// Frozen: repeated reads do not drift.
	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("second Now() = %v, want %v", got, start)
	}

	clock.Advance(90 * time.Minute)
	if got, want := clock.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", got, want)
	}

	reset := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	clock.Set(reset)
	if got := clock.Now(); !got.Equal(reset) {
		t.Errorf("after Set, Now() = %v, want %v", got, reset)
	}
}

func TestMockClockIsClock(t *testing.T) {
	var _ Clock = NewMockClock(time.Time{})
	var _ Clock = RealClock{}
}
