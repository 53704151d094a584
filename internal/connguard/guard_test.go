package connguard

import (
	"testing"
	"time"

	"bakerd/internal/clock"
)

func newTestGuard(t *testing.T) (*Guard, *clock.Manual) {
	t.Helper()
	mc := clock.NewManual(time.Unix(1000, 0))
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		BlockDuration:    5 * time.Minute,
	}, nil, mc)
	return g, mc
}

func TestDisabledGuardRecordsNothing(t *testing.T) {
	g := New(Config{}, nil, clock.NewManual(time.Unix(1000, 0)))
	for i := 0; i < 10; i++ {
		if g.Failure("10.0.0.1:4411", "invalid") {
			t.Fatalf("disabled guard blocked a remote")
		}
	}
	if g.Blocked("10.0.0.1:4411") {
		t.Fatalf("disabled guard reported blocked")
	}
	if len(g.records) != 0 {
		t.Fatalf("expected no records, got %d", len(g.records))
	}
}

func TestBlocksAtThreshold(t *testing.T) {
	g, _ := newTestGuard(t)
	if g.Failure("10.0.0.1:50001", "invalid") {
		t.Fatalf("blocked after 1 failure")
	}
	if g.Failure("10.0.0.1:50002", "invalid") {
		t.Fatalf("blocked after 2 failures")
	}
	if !g.Failure("10.0.0.1:50003", "invalid") {
		t.Fatalf("expected block after 3 failures")
	}
	if !g.Blocked("10.0.0.1:50004") {
		t.Fatalf("expected remote blocked regardless of port")
	}
	if g.Blocked("10.0.0.2:50001") {
		t.Fatalf("unrelated remote blocked")
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	g, mc := newTestGuard(t)
	g.Failure("10.0.0.1:1", "invalid")
	g.Failure("10.0.0.1:2", "invalid")
	mc.Advance(2 * time.Minute)
	if g.Failure("10.0.0.1:3", "invalid") {
		t.Fatalf("stale failures counted toward threshold")
	}
	if g.Failure("10.0.0.1:4", "invalid") {
		t.Fatalf("blocked after 2 failures in window")
	}
	if !g.Failure("10.0.0.1:5", "invalid") {
		t.Fatalf("expected block after 3 failures in window")
	}
}

func TestBlockExpires(t *testing.T) {
	g, mc := newTestGuard(t)
	for i := 0; i < 3; i++ {
		g.Failure("10.0.0.1:4411", "refused")
	}
	if !g.Blocked("10.0.0.1:4411") {
		t.Fatalf("expected blocked")
	}
	mc.Advance(5*time.Minute + time.Second)
	if g.Blocked("10.0.0.1:4411") {
		t.Fatalf("expected block to expire")
	}
	// History was cleared when the block engaged, so the next failure
	// starts a fresh count.
	if g.Failure("10.0.0.1:4411", "invalid") {
		t.Fatalf("blocked on first failure after expiry")
	}
}

func TestFailureDuringBlockKeepsBlock(t *testing.T) {
	g, mc := newTestGuard(t)
	for i := 0; i < 3; i++ {
		g.Failure("10.0.0.1:4411", "invalid")
	}
	mc.Advance(time.Minute)
	if !g.Failure("10.0.0.1:4411", "invalid") {
		t.Fatalf("failure during block should report blocked")
	}
	if !g.Blocked("10.0.0.1:4411") {
		t.Fatalf("expected still blocked")
	}
}

func TestForgiveClearsHistory(t *testing.T) {
	g, _ := newTestGuard(t)
	g.Failure("10.0.0.1:1", "invalid")
	g.Failure("10.0.0.1:2", "invalid")
	g.Forgive("10.0.0.1:3")
	if g.Failure("10.0.0.1:4", "invalid") {
		t.Fatalf("forgiven remote blocked too early")
	}
	if len(g.records["10.0.0.1"].failures) != 1 {
		t.Fatalf("expected fresh count after forgive, got %d",
			len(g.records["10.0.0.1"].failures))
	}
}

func TestNormalizeRemote(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:4411":    "10.0.0.1",
		"[::1]:4411":       "::1",
		"10.0.0.1":         "10.0.0.1",
		"  10.0.0.1:1  ":   "10.0.0.1",
		"":                 "",
		"host.local:12345": "host.local",
	}
	for in, want := range cases {
		if got := normalizeRemote(in); got != want {
			t.Fatalf("normalizeRemote(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNilGuardIsInert(t *testing.T) {
	var g *Guard
	if g.Enabled() {
		t.Fatalf("nil guard enabled")
	}
	if g.Blocked("10.0.0.1:1") {
		t.Fatalf("nil guard blocked")
	}
	if g.Failure("10.0.0.1:1", "invalid") {
		t.Fatalf("nil guard recorded failure")
	}
	g.Forgive("10.0.0.1:1")
}
