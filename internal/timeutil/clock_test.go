package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v outside [%v, %v]", got, before, after)
	}
}

func TestRealClockSince(t *testing.T) {
	c := RealClock{}
	start := c.Now().Add(-time.Second)
	if d := c.Since(start); d < time.Second {
		t.Errorf("Since returned %v, want >= 1s", d)
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(5 * time.Second)
	if got := c.Since(start); got != 5*time.Second {
		t.Errorf("Since(start) = %v, want 5s", got)
	}
}

func TestMockClockSleepRecordsAndAdvances(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Sleep(500 * time.Millisecond)
	c.Sleep(time.Second)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("got %d recorded sleeps, want 2", len(sleeps))
	}
	if sleeps[0] != 500*time.Millisecond || sleeps[1] != time.Second {
		t.Errorf("recorded sleeps = %v", sleeps)
	}
	if got := c.Since(start); got != 1500*time.Millisecond {
		t.Errorf("clock advanced by %v, want 1.5s", got)
	}
}
