package client

import (
	"testing"
	"time"

	"bakerd/internal/message"
)

func TestParseTicketLine(t *testing.T) {
	cases := []struct {
		line string
		want Ticket
	}{
		{
			line: "cargo 00000001/alpha/100 activated 5010",
			want: Ticket{Object: "cargo", Key: "00000001/alpha/100",
				Server: "alpha", PID: 100, State: "activated", Deadline: time.Unix(5010, 0)},
		},
		{
			line: "big cargo alpha/7 ready 4000",
			want: Ticket{Object: "big cargo", Key: "alpha/7",
				Server: "alpha", PID: 7, State: "ready", Deadline: time.Unix(4000, 0)},
		},
		{
			line: "cargo beta/12 counting_entered 4200",
			want: Ticket{Object: "cargo", Key: "beta/12",
				Server: "beta", PID: 12, State: "counting_entered", Deadline: time.Unix(4200, 0)},
		},
	}
	for _, tc := range cases {
		got, err := parseTicketLine(tc.line)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.line, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tc.line, tc.want, got)
		}
	}
}

func TestParseTicketLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"cargo",
		"cargo alpha/7 ready",
		"alpha/7 ready 4000",
		"cargo alpha/7 ready soon",
	} {
		if _, err := parseTicketLine(line); err == nil {
			t.Fatalf("expected %q to be rejected", line)
		}
	}
}

func TestParseTicketsBlob(t *testing.T) {
	blob := "cargo 00000001/alpha/100 activated 5010\n" +
		"cargo 00000002/beta/7 ready 5000\n"
	tickets, err := parseTickets(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	if !tickets[0].Held() || tickets[1].Held() {
		t.Fatalf("expected only the first ticket held, got %+v", tickets)
	}

	tickets, err = parseTickets("")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(tickets) != 0 {
		t.Fatalf("expected no tickets, got %d", len(tickets))
	}
}

func TestParseStatusReply(t *testing.T) {
	m := message.New(message.CmdStatusReply)
	m.Set(message.ParamServerName, "alpha")
	m.Set(message.ParamVersion, "1.2.3")
	m.SetInt64(message.ParamUptime, 90)
	m.SetInt64(message.ParamConnections, 4)
	m.Set(message.ParamServices, "bakery,tooling")
	m.Set(message.ParamPeers, "beta")
	m.Set(message.ParamRoster, "alpha,beta")
	m.SetInt64(message.ParamQuorum, 2)
	m.SetInt64(message.ParamTickets, 3)
	m.SetInt64(message.ParamPID, 4321)

	st, err := parseStatus(m)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.Server != "alpha" || st.Version != "1.2.3" {
		t.Fatalf("expected alpha 1.2.3, got %q %q", st.Server, st.Version)
	}
	if st.Uptime != 90*time.Second {
		t.Fatalf("expected uptime 90s, got %s", st.Uptime)
	}
	if st.Connections != 4 || st.Quorum != 2 || st.Tickets != 3 || st.PID != 4321 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if len(st.Services) != 2 || st.Services[0] != "bakery" {
		t.Fatalf("unexpected services: %v", st.Services)
	}
	if len(st.Roster) != 2 || st.Roster[1] != "beta" {
		t.Fatalf("unexpected roster: %v", st.Roster)
	}

	if _, err := parseStatus(message.New(message.CmdStatusReply)); err == nil {
		t.Fatal("expected a reply without server_name to be rejected")
	}
}

func TestFailureError(t *testing.T) {
	f := &Failure{Object: "cargo", Code: FailureFailed, Reason: "wait expired"}
	if got := f.Error(); got != "cargo: failed (wait expired)" {
		t.Fatalf("unexpected error string %q", got)
	}
	if !f.Timeout() {
		t.Fatal("expected failed to count as a timeout")
	}

	f = &Failure{Object: "cargo", Code: FailureNotLocked}
	if got := f.Error(); got != "cargo: notlocked" {
		t.Fatalf("unexpected error string %q", got)
	}
	if f.Timeout() {
		t.Fatal("expected notlocked to not count as a timeout")
	}
}

func TestCeilSeconds(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{900 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, tc := range cases {
		if got := ceilSeconds(tc.d); got != tc.want {
			t.Fatalf("ceilSeconds(%s): expected %d, got %d", tc.d, tc.want, got)
		}
	}
}
