package bakery

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TicketState tracks a lock request's progress. Entering through
// AddingTicket are the negotiation rounds, Exiting waits out the
// entering barrier, Ready tickets queue for their turn and Activated
// holds the lock.
type TicketState int

const (
	StateEntering TicketState = iota
	StateCountingEntered
	StateFetchingMaxTicket
	StateAddingTicket
	StateExiting
	StateReady
	StateActivated
	StateFailed
)

func (s TicketState) String() string {
	switch s {
	case StateEntering:
		return "entering"
	case StateCountingEntered:
		return "counting_entered"
	case StateFetchingMaxTicket:
		return "fetching_max"
	case StateAddingTicket:
		return "adding"
	case StateExiting:
		return "exiting"
	case StateReady:
		return "ready"
	case StateActivated:
		return "activated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MaxTicketID is the largest number the fixed-width key encoding can
// carry. A request that would need a larger id is failed rather than
// wrapped; ids restart from 1 once an object's table empties.
const MaxTicketID = ^uint32(0)

// Ticket is the per-request state object. Every coordinator in the
// cluster keeps its own copy; only the origin copy (on the server that
// received the LOCK) carries the client address and the quorum
// acknowledgment sets.
type Ticket struct {
	ObjectName  string
	EnteringKey string // origin server "/" client pid
	Server      string
	PID         int64

	State     TicketState
	TicketID  uint32 // 0 until the number is drawn
	Obtention time.Time
	Duration  time.Duration
	Deadline  time.Time // hold expiry, fixed at activation

	origin        bool
	clientServer  string
	clientService string
	reported      bool // terminal client reply already sent

	enteredBy map[string]struct{}
	maxBy     map[string]struct{}
	maxSeen   uint32
	addedBy   map[string]struct{}

	// stillEntering is the bakery barrier: entering keys observed when
	// this ticket drew its number. It must drain before Ready.
	stillEntering map[string]struct{}
}

// Key returns the ticket's wire identity: the full ticket key once a
// number is drawn, the bare entering key before that.
func (t *Ticket) Key() string {
	if t.TicketID != 0 {
		return ticketKey(t.TicketID, t.EnteringKey)
	}
	return t.EnteringKey
}

func (t *Ticket) describe() string {
	deadline := t.Obtention
	if t.State == StateActivated {
		deadline = t.Deadline
	}
	return fmt.Sprintf("%s %s %s %d", t.ObjectName, t.Key(), t.State, deadline.Unix())
}

// ticketBefore reports whether a is served before b: ticket id first,
// then origin server name bytewise, then client pid numerically.
func ticketBefore(a, b *Ticket) bool {
	if a.TicketID != b.TicketID {
		return a.TicketID < b.TicketID
	}
	if a.Server != b.Server {
		return a.Server < b.Server
	}
	return a.PID < b.PID
}

func enteringKey(server string, pid int64) string {
	return server + "/" + strconv.FormatInt(pid, 10)
}

func splitEnteringKey(key string) (server string, pid int64, err error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("malformed entering key %q", key)
	}
	pid, err = strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil || pid <= 0 {
		return "", 0, fmt.Errorf("malformed entering key %q: bad pid", key)
	}
	return key[:i], pid, nil
}

func ticketKey(id uint32, entering string) string {
	return fmt.Sprintf("%08x/%s", id, entering)
}

// splitTicketKey parses "xxxxxxxx/server/pid". The id part must be
// exactly eight lowercase hex digits so a bare entering key never
// parses as a ticket key by accident.
func splitTicketKey(key string) (id uint32, entering string, err error) {
	if len(key) < 10 || key[8] != '/' {
		return 0, "", fmt.Errorf("malformed ticket key %q", key)
	}
	var n uint64
	for _, r := range key[:8] {
		var d uint64
		switch {
		case r >= '0' && r <= '9':
			d = uint64(r - '0')
		case r >= 'a' && r <= 'f':
			d = uint64(r-'a') + 10
		default:
			return 0, "", fmt.Errorf("malformed ticket key %q", key)
		}
		n = n<<4 | d
	}
	entering = key[9:]
	if _, _, err = splitEnteringKey(entering); err != nil {
		return 0, "", err
	}
	return uint32(n), entering, nil
}
