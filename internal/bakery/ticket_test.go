package bakery

import (
	"testing"
	"time"
)

func TestTicketOrdering(t *testing.T) {
	mk := func(id uint32, server string, pid int64) *Ticket {
		return &Ticket{TicketID: id, Server: server, PID: pid}
	}
	cases := []struct {
		name string
		a, b *Ticket
	}{
		{"smaller id first", mk(1, "beta", 900), mk(2, "alpha", 1)},
		{"server breaks id tie", mk(3, "alpha", 900), mk(3, "beta", 1)},
		{"pid breaks server tie", mk(3, "alpha", 7), mk(3, "alpha", 8)},
		{"pid compares numerically", mk(3, "alpha", 99), mk(3, "alpha", 100)},
	}
	for _, tc := range cases {
		if !ticketBefore(tc.a, tc.b) {
			t.Errorf("%s: expected a before b", tc.name)
		}
		if ticketBefore(tc.b, tc.a) {
			t.Errorf("%s: expected b not before a", tc.name)
		}
	}
	same := mk(3, "alpha", 7)
	if ticketBefore(same, same) {
		t.Errorf("expected a ticket not to sort before itself")
	}
}

func TestTicketKeyRoundTrip(t *testing.T) {
	cases := []struct {
		id       uint32
		entering string
		want     string
	}{
		{1, "alpha/123", "00000001/alpha/123"},
		{0xdeadbeef, "b/1", "deadbeef/b/1"},
		{MaxTicketID, "host-9.example/42", "ffffffff/host-9.example/42"},
	}
	for _, tc := range cases {
		key := ticketKey(tc.id, tc.entering)
		if key != tc.want {
			t.Fatalf("expected key %q, got %q", tc.want, key)
		}
		id, entering, err := splitTicketKey(key)
		if err != nil {
			t.Fatalf("split %q: %v", key, err)
		}
		if id != tc.id || entering != tc.entering {
			t.Fatalf("expected (%d, %q), got (%d, %q)", tc.id, tc.entering, id, entering)
		}
	}
}

func TestSplitTicketKeyRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"alpha/123",
		"1/alpha/123",
		"00000001alpha/123",
		"0000000G/alpha/123",
		"0000000A/alpha/123",
		"00000001/alpha",
		"00000001/alpha/",
		"00000001/alpha/x",
		"00000001//123",
	}
	for _, key := range bad {
		if _, _, err := splitTicketKey(key); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}

func TestSplitEnteringKey(t *testing.T) {
	server, pid, err := splitEnteringKey("alpha/123")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if server != "alpha" || pid != 123 {
		t.Fatalf("expected (alpha, 123), got (%q, %d)", server, pid)
	}
	for _, key := range []string{"", "alpha", "/123", "alpha/", "alpha/0", "alpha/-5", "alpha/nope"} {
		if _, _, err := splitEnteringKey(key); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}

func TestTicketStateStrings(t *testing.T) {
	want := map[TicketState]string{
		StateEntering:         "entering",
		StateCountingEntered:  "counting_entered",
		StateFetchingMaxTicket: "fetching_max",
		StateAddingTicket:     "adding",
		StateExiting:          "exiting",
		StateReady:            "ready",
		StateActivated:        "activated",
		StateFailed:           "failed",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("expected %q, got %q", name, s.String())
		}
	}
	if TicketState(99).String() != "state(99)" {
		t.Errorf("unexpected fallback %q", TicketState(99).String())
	}
}

func TestDescribePicksDeadlineByState(t *testing.T) {
	base := time.Unix(7000, 0)
	tk := &Ticket{
		ObjectName:  "cargo",
		EnteringKey: "alpha/5",
		Server:      "alpha",
		PID:         5,
		TicketID:    2,
		State:       StateReady,
		Obtention:   base.Add(5 * time.Second),
		Deadline:    base.Add(60 * time.Second),
	}
	if got, want := tk.describe(), "cargo 00000002/alpha/5 ready 7005"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	tk.State = StateActivated
	if got, want := tk.describe(), "cargo 00000002/alpha/5 activated 7060"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestQuorumFormula(t *testing.T) {
	want := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4, 7: 4}
	for n, q := range want {
		if got := Quorum(n); got != q {
			t.Errorf("Quorum(%d): expected %d, got %d", n, q, got)
		}
	}
}
