package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Advance(90 * time.Second)

	if got := clock.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() = %v, expected %v", got, start.Add(90*time.Second))
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(5 * time.Millisecond)
	clock.Sleep(15 * time.Millisecond)

	if got := clock.Now(); !got.Equal(start.Add(20 * time.Millisecond)) {
		t.Errorf("Now() = %v, expected start+20ms", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Millisecond || sleeps[1] != 15*time.Millisecond {
		t.Errorf("Sleeps() = %v, expected [5ms 15ms]", sleeps)
	}
}

func TestMockClock_DeadlinePollTerminates(t *testing.T) {
	// The pattern the tf buffer uses: poll until a deadline, sleeping
	// through the clock between attempts. With the mock this must finish
	// without wall time passing.
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	deadline := clock.Now().Add(50 * time.Millisecond)

	attempts := 0
	for clock.Now().Before(deadline) {
		attempts++
		clock.Sleep(10 * time.Millisecond)
	}

	if attempts != 5 {
		t.Errorf("expected 5 poll attempts, got %d", attempts)
	}
}

func TestMockClock_TimerFiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(100 * time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	select {
	case <-timer.C():
		t.Error("timer fired early")
	default:
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Error("timer did not fire at deadline")
	}
}

func TestMockClock_TimerStop(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(10 * time.Millisecond)

	if !timer.Stop() {
		t.Error("Stop() on an active timer should report true")
	}
	clock.Advance(20 * time.Millisecond)
	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
}

func TestMockClock_TickerTicks(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected first tick")
	}

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected second tick")
	}
}

func TestMockClock_AfterDelivers(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ch := clock.After(time.Second)

	clock.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Error("After channel did not deliver")
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Hour).(*MockTicker)

	now := clock.Now()
	ticker.Trigger(now)
	select {
	case got := <-ticker.C():
		if !got.Equal(now) {
			t.Errorf("tick time = %v, expected %v", got, now)
		}
	default:
		t.Error("manual trigger did not deliver")
	}
}
