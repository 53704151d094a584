package logfields

import "testing"

func TestDottedSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	got := Dotted("hub", "", ".router.", "accept")
	if got != "hub.router.accept" {
		t.Fatalf("expected hub.router.accept, got %q", got)
	}
	if Dotted() != "" {
		t.Fatalf("expected empty join for no parts, got %q", Dotted())
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	t.Parallel()

	logger := WithSubsystem(nil, "reactor.loop")
	if logger == nil {
		t.Fatal("expected a usable logger for nil input")
	}
	// Must not panic on emit.
	logger.Info("noop", "k", "v")
}

func TestWithServerEmptyNameLeavesLoggerUntagged(t *testing.T) {
	t.Parallel()

	if WithServer(nil, "  ") == nil {
		t.Fatal("expected a usable logger for nil input")
	}
}
