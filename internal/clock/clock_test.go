package clock_test

import (
	"testing"
	"time"

	"bakerd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDelivers(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestManualAdvanceFiresDueTimersInOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	late := clk.After(3 * time.Second)
	early := clk.After(1 * time.Second)

	clk.Advance(2 * time.Second)
	select {
	case <-early:
	default:
		t.Fatal("expected 1s timer to fire after advancing 2s")
	}
	select {
	case <-late:
		t.Fatal("3s timer fired after only 2s")
	default:
	}
	if pending := clk.Pending(); pending != 1 {
		t.Fatalf("expected 1 pending timer, got %d", pending)
	}

	clk.Advance(1 * time.Second)
	select {
	case <-late:
	default:
		t.Fatal("expected 3s timer to fire after advancing 3s total")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("After(0) should deliver without an advance")
	}
}

func TestManualAdvanceToIgnoresPast(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(500, 0))
	before := clk.Now()
	clk.AdvanceTo(time.Unix(100, 0))
	if !clk.Now().Equal(before) {
		t.Fatalf("AdvanceTo into the past moved the clock: %v -> %v", before, clk.Now())
	}
}
