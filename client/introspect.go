package client

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"bakerd/internal/message"
)

// Status is a daemon's view of itself and the cluster, as answered to
// STATUS.
type Status struct {
	Server      string
	Version     string
	Uptime      time.Duration
	Connections int
	Services    []string
	Peers       []string
	Roster      []string
	Quorum      int
	Tickets     int
	PID         int
}

// Status asks the daemon's hub for its status report.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req := message.New(message.CmdStatus)
	m, err := c.roundTrip(ctx, req, c.reqTimeout, func(m *message.Message) bool {
		return m.Command() == message.CmdStatusReply
	})
	if err != nil {
		return nil, err
	}
	return parseStatus(m)
}

func parseStatus(m *message.Message) (*Status, error) {
	s := &Status{}
	s.Server, _ = m.Get(message.ParamServerName)
	if s.Server == "" {
		return nil, errors.New("client: STATUSREPLY without server_name")
	}
	s.Version, _ = m.Get(message.ParamVersion)
	if secs, err := m.Int64(message.ParamUptime); err == nil {
		s.Uptime = time.Duration(secs) * time.Second
	}
	if n, err := m.Int64(message.ParamConnections); err == nil {
		s.Connections = int(n)
	}
	s.Services = splitList(m, message.ParamServices)
	s.Peers = splitList(m, message.ParamPeers)
	s.Roster = splitList(m, message.ParamRoster)
	if n, err := m.Int64(message.ParamQuorum); err == nil {
		s.Quorum = int(n)
	}
	if n, err := m.Int64(message.ParamTickets); err == nil {
		s.Tickets = int(n)
	}
	if n, err := m.Int64(message.ParamPID); err == nil {
		s.PID = int(n)
	}
	return s, nil
}

func splitList(m *message.Message, param string) []string {
	raw, _ := m.Get(param)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// Ticket is one row of the coordinator's ticket table. Server and PID
// identify the requesting client. Deadline is the hold expiry for
// activated tickets and the wait deadline for everything else.
type Ticket struct {
	Object   string
	Key      string
	Server   string
	PID      int64
	State    string
	Deadline time.Time
}

// Held reports whether this ticket currently holds the lock.
func (t Ticket) Held() bool { return t.State == "activated" }

// Tickets lists the daemon's ticket table, one entry per pending or
// held lock request known to the coordinator.
func (c *Client) Tickets(ctx context.Context) ([]Ticket, error) {
	req := message.New(message.CmdListTickets)
	req.SetTo(c.server, coordinatorService)
	m, err := c.roundTrip(ctx, req, c.reqTimeout, func(m *message.Message) bool {
		return m.Command() == message.CmdTicketList
	})
	if err != nil {
		return nil, err
	}
	blob, _ := m.Get(message.ParamTickets)
	return parseTickets(blob)
}

func parseTickets(blob string) ([]Ticket, error) {
	var tickets []Ticket
	for _, line := range strings.Split(blob, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		t, err := parseTicketLine(line)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// parseTicketLine splits "<object> <key> <state> <deadline>". Object
// names may contain spaces; the three trailing fields never do, so
// the line is cut from the right.
func parseTicketLine(line string) (Ticket, error) {
	var tail [3]string
	rest := line
	for i := 2; i >= 0; i-- {
		sp := strings.LastIndexByte(rest, ' ')
		if sp < 0 {
			return Ticket{}, errors.New("client: malformed ticket line " + strconv.Quote(line))
		}
		tail[i] = rest[sp+1:]
		rest = rest[:sp]
	}
	if rest == "" {
		return Ticket{}, errors.New("client: malformed ticket line " + strconv.Quote(line))
	}
	deadline, err := strconv.ParseInt(tail[2], 10, 64)
	if err != nil {
		return Ticket{}, errors.New("client: malformed ticket deadline " + strconv.Quote(tail[2]))
	}
	t := Ticket{
		Object:   rest,
		Key:      tail[0],
		State:    tail[1],
		Deadline: time.Unix(deadline, 0),
	}
	entering := t.Key
	if len(entering) > 9 && entering[8] == '/' && isHex8(entering[:8]) {
		entering = entering[9:]
	}
	if slash := strings.LastIndexByte(entering, '/'); slash > 0 {
		t.Server = entering[:slash]
		if pid, err := strconv.ParseInt(entering[slash+1:], 10, 64); err == nil {
			t.PID = pid
		}
	}
	return t, nil
}

func isHex8(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// Ping measures a round trip through the daemon's hub.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req := message.New(message.CmdPing)
	_, err := c.roundTrip(ctx, req, c.reqTimeout, func(m *message.Message) bool {
		return m.Command() == message.CmdPong
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Stop asks the daemon to shut down and waits for its QUITTING
// farewell. A link that drops before the farewell arrives still
// counts as confirmation. The client is unusable afterwards.
func (c *Client) Stop(ctx context.Context) error {
	req := message.New(message.CmdStop)
	_, err := c.roundTrip(ctx, req, c.reqTimeout, func(m *message.Message) bool {
		return m.Command() == message.CmdQuitting
	})
	if err != nil {
		if errors.Is(err, ErrQuitting) || errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	c.mu.Lock()
	c.quit = true
	c.mu.Unlock()
	return nil
}
