// Package bakery implements the distributed lock coordinator: a
// Lamport bakery queue agreed across the peer roster, with quorum
// confirmation at every phase so no single broadcast has to reach
// everyone.
//
// Every daemon runs one Coordinator registered as the "bakery" service
// on its local hub. A LOCK creates a Ticket on the coordinator that
// received it (the origin); the entering rounds (LOCKENTERING,
// GETMAXTICKET, ADDTICKET, LOCKEXITING) replicate the ticket to every
// peer and draw its cluster-unique number. Tickets activate strictly
// in (ticket id, server, pid) order, and only the origin answers the
// client.
package bakery

import (
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"bakerd/internal/clock"
	"bakerd/internal/dispatch"
	"bakerd/internal/logfields"
	"bakerd/internal/message"
	"bakerd/internal/reactor"
)

// ServiceName is the hub service every coordinator registers as.
const ServiceName = "bakery"

// Defaults for the coordinator knobs.
const (
	DefaultTimeout  = 5 * time.Second
	MinimumTimeout  = 3 * time.Second
	MaximumTimeout  = time.Hour
	DefaultDuration = 10 * time.Second
	MaximumDuration = time.Hour
	CleanupInterval = 10 * time.Second
)

// Sender routes coordinator output. The daemon wires the hub's local
// delivery here; tests wire an in-memory cluster.
type Sender interface {
	Send(m *message.Message) error
}

// Config captures the dependencies and behavioural knobs of one
// coordinator. ServerName and Sender are required; everything else
// has a default.
type Config struct {
	ServerName string
	Sender     Sender
	Logger     pslog.Logger
	Clock      clock.Clock
	Metrics    *Metrics

	DefaultTimeout  time.Duration
	MinimumTimeout  time.Duration
	MaximumTimeout  time.Duration
	DefaultDuration time.Duration
	MaximumDuration time.Duration
	CleanupInterval time.Duration

	// OnStop runs when a STOP or QUITTING message reaches the
	// coordinator, typically wired to the server's shutdown.
	OnStop func()
}

// Coordinator owns this server's view of the cluster lock state. It is
// not safe for concurrent use; the reactor loop is the only caller.
type Coordinator struct {
	cfg     Config
	log     pslog.Logger
	clk     clock.Clock
	metrics *Metrics
	sender  Sender
	table   *dispatch.Table

	roster   map[string]struct{}
	entering map[string]map[string]*Ticket // object name -> entering key
	tickets  map[string]map[string]*Ticket // object name -> ticket key

	cleanup *reactor.TimerConn
	closing bool
}

// New constructs a Coordinator with sane defaults. The roster starts
// with the local server alone; LOCKREADY exchanges grow it.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MinimumTimeout <= 0 {
		cfg.MinimumTimeout = MinimumTimeout
	}
	if cfg.MaximumTimeout <= 0 {
		cfg.MaximumTimeout = MaximumTimeout
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.MaximumDuration <= 0 {
		cfg.MaximumDuration = MaximumDuration
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = CleanupInterval
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      logfields.WithServer(logfields.WithSubsystem(cfg.Logger, "bakery.coordinator"), cfg.ServerName),
		clk:      cfg.Clock,
		metrics:  cfg.Metrics,
		sender:   cfg.Sender,
		roster:   map[string]struct{}{cfg.ServerName: {}},
		entering: make(map[string]map[string]*Ticket),
		tickets:  make(map[string]map[string]*Ticket),
	}
	c.table = dispatch.NewTable()
	c.table.Register(message.CmdLock, c.lockRequest)
	c.table.Register(message.CmdUnlock, c.unlockRequest)
	c.table.Register(message.CmdLockEntering, c.lockEntering)
	c.table.Register(message.CmdLockEntered, c.lockEntered)
	c.table.Register(message.CmdGetMaxTicket, c.getMaxTicket)
	c.table.Register(message.CmdMaxTicket, c.maxTicket)
	c.table.Register(message.CmdAddTicket, c.addTicket)
	c.table.Register(message.CmdTicketAdded, c.ticketAdded)
	c.table.Register(message.CmdLockExiting, c.lockExiting)
	c.table.Register(message.CmdDropTicket, c.dropTicket)
	c.table.Register(message.CmdLockReady, c.lockReady)
	c.table.Register(message.CmdDisconnected, c.serverGone)
	c.table.Register(message.CmdHangup, c.serverGone)
	c.table.Register(message.CmdListTickets, c.listTickets)
	c.table.Register(message.CmdDebug, func(*message.Message) { c.DumpState() })
	c.table.Register(message.CmdStop, c.stopRequest)
	c.table.Register(message.CmdQuitting, c.stopRequest)
	c.metrics.Roster.Set(1)
	c.metrics.Quorum.Set(1)
	return c
}

// Table exposes the command vocabulary for hub registration.
func (c *Coordinator) Table() *dispatch.Table { return c.table }

// Start arms the cleanup timer on the reactor and announces this
// server to the roster. Tests that drive time by hand skip Start and
// call Cleanup directly.
func (c *Coordinator) Start(comm *reactor.Communicator) error {
	c.cleanup = reactor.NewTimer("bakery.cleanup", c.cfg.CleanupInterval, true, c.Cleanup)
	if err := comm.Add(c.cleanup); err != nil {
		return err
	}
	c.Announce()
	return nil
}

// Announce broadcasts LOCKREADY so peers add this server to their
// rosters and answer with their own.
func (c *Coordinator) Announce() {
	m := message.New(message.CmdLockReady)
	m.SetTo(message.Broadcast, ServiceName)
	m.Set(message.ParamServerName, c.cfg.ServerName)
	c.send(m)
}

// Shutdown winds the coordinator down: every pending origin ticket is
// failed so no client is left waiting on a daemon that is going away,
// held locks are dropped cluster-wide and the cleanup timer disarmed.
// The hub is still routing when the server calls this.
func (c *Coordinator) Shutdown() {
	// No new grants while winding down: dropping a held ticket below
	// must not activate the next one in line.
	c.closing = true
	for _, table := range c.entering {
		for _, t := range values(table) {
			if t.origin && t.State != StateFailed {
				c.dropEverywhere(t)
				c.failTicket(t, Failure{Code: FailShutdown}, message.CmdLockFailed)
			}
		}
	}
	for _, table := range c.tickets {
		for _, t := range values(table) {
			if !t.origin || t.State == StateFailed {
				continue
			}
			c.dropEverywhere(t)
			if t.State == StateActivated {
				// The client has its grant; the link teardown tells it
				// the rest.
				t.reported = true
				c.removeTicket(t)
				c.recount()
				continue
			}
			c.failTicket(t, Failure{Code: FailShutdown}, message.CmdLockFailed)
		}
	}
	if c.cleanup != nil {
		c.cleanup.Disarm()
	}
	c.log.Info("bakery.shutdown")
}

// ProcessMessage dispatches one hub-delivered message. HELP is
// answered with the vocabulary; anything unrecognized gets UNKNOWN so
// callers never wait on silence.
func (c *Coordinator) ProcessMessage(m *message.Message) {
	if c.table.Dispatch(m) {
		return
	}
	switch m.Command() {
	case message.CmdHelp:
		c.send(c.table.CommandsReply(m))
	case message.CmdUnknown, message.CmdInvalid:
		// Never answer a refusal with a refusal.
		c.log.Debug("msg.refused.echo", "command", m.Command())
	default:
		c.log.Debug("msg.refused", "command", m.Command())
		c.send(dispatch.Unknown(m))
	}
}

func (c *Coordinator) send(m *message.Message) {
	m.SetFrom(c.cfg.ServerName, ServiceName)
	if err := c.sender.Send(m); err != nil {
		c.log.Warn("bakery.send.fail", "command", m.Command(), "error", err)
	}
}

// broadcastLock builds a peer broadcast carrying object_name and key.
func (c *Coordinator) broadcastLock(cmd, obj, key string) *message.Message {
	m := message.New(cmd)
	m.SetTo(message.Broadcast, ServiceName)
	m.Set(message.ParamObjectName, obj)
	m.Set(message.ParamKey, key)
	return m
}

// Quorum returns the agreement threshold for n voters.
func Quorum(n int) int { return n/2 + 1 }

func (c *Coordinator) quorum() int { return Quorum(len(c.roster)) }

// Roster returns the sorted lock-ready server names.
func (c *Coordinator) Roster() []string {
	names := make([]string, 0, len(c.roster))
	for name := range c.roster {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TicketCounts returns per-state ticket counts for status output.
func (c *Coordinator) TicketCounts() map[string]int {
	counts := make(map[string]int)
	for _, table := range c.entering {
		for _, t := range table {
			counts[t.State.String()]++
		}
	}
	for _, table := range c.tickets {
		for _, t := range table {
			counts[t.State.String()]++
		}
	}
	return counts
}

// DumpState logs the roster and every ticket, for SIGUSR1 and DEBUG.
func (c *Coordinator) DumpState() {
	c.log.Info("bakery.dump",
		"roster", strings.Join(c.Roster(), ","),
		"quorum", c.quorum(),
		"objects", len(c.tickets))
	for _, line := range c.describeAll() {
		c.log.Info("bakery.dump.ticket", "entry", line)
	}
}

// describeAll serializes the ticket tables, promoted tickets first in
// serve order, then entering records, deterministically.
func (c *Coordinator) describeAll() []string {
	var lines []string
	for _, obj := range sortedKeys(c.tickets) {
		tickets := values(c.tickets[obj])
		sort.Slice(tickets, func(i, j int) bool { return ticketBefore(tickets[i], tickets[j]) })
		for _, t := range tickets {
			lines = append(lines, t.describe())
		}
	}
	for _, obj := range sortedKeys(c.entering) {
		for _, key := range sortedKeys(c.entering[obj]) {
			lines = append(lines, c.entering[obj][key].describe())
		}
	}
	return lines
}

// Cleanup fails every ticket and entering record past its deadline and
// re-runs activation where removals may have unblocked the queue. The
// reactor timer drives it; running it twice at the same instant is a
// no-op the second time.
func (c *Coordinator) Cleanup(now time.Time) {
	for _, table := range c.entering {
		for _, t := range values(table) {
			if t.State != StateFailed && !t.Obtention.After(now) {
				c.failTicket(t, Failure{Code: FailFailed}, message.CmdLockFailed)
			}
		}
	}
	for _, table := range c.tickets {
		for _, t := range values(table) {
			if t.State == StateFailed {
				continue
			}
			if t.State == StateActivated {
				if !t.Deadline.After(now) {
					c.failTicket(t, Failure{Code: FailTimedOut}, message.CmdUnlocked)
				}
				continue
			}
			if !t.Obtention.After(now) {
				c.failTicket(t, Failure{Code: FailFailed}, message.CmdLockFailed)
			}
		}
	}
	for obj := range c.tickets {
		c.activateFirstLock(obj)
	}
}

// failTicket removes a ticket from both tables, releases anyone
// waiting on it at the entering barrier and reports the failure to the
// origin client exactly once.
func (c *Coordinator) failTicket(t *Ticket, f Failure, cmd string) {
	t.State = StateFailed
	c.removeEntering(t.ObjectName, t.EnteringKey)
	c.removeTicket(t)
	c.metrics.Failures.WithLabelValues(f.Code).Inc()
	c.log.Info("ticket.fail", "object", t.ObjectName, "key", t.EnteringKey, "code", f.Code)
	if t.origin && !t.reported {
		t.reported = true
		reply := message.New(cmd)
		reply.SetTo(t.clientServer, t.clientService)
		reply.Set(message.ParamObjectName, t.ObjectName)
		reply.Set(message.ParamError, f.Code)
		if f.Detail != "" {
			reply.Set(message.ParamErrorReason, f.Detail)
		}
		c.send(reply)
	}
	c.releaseBarrier(t.ObjectName, t.EnteringKey)
	c.recount()
}

// activateFirstLock grants the lowest eligible ticket for an object.
// Expired tickets in the way are failed first. The LOCKED reply comes
// only from the ticket's origin server; replicas activate their copies
// so every table converges on the same holder.
func (c *Coordinator) activateFirstLock(obj string) {
	if c.closing {
		return
	}
	now := c.clk.Now()
	for {
		first := c.firstTicket(obj)
		if first == nil {
			return
		}
		if first.State == StateActivated {
			if first.Deadline.After(now) {
				return // lock is held
			}
			c.failTicket(first, Failure{Code: FailTimedOut}, message.CmdUnlocked)
			continue
		}
		if !first.Obtention.After(now) {
			c.failTicket(first, Failure{Code: FailFailed}, message.CmdLockFailed)
			continue
		}
		if first.State != StateReady {
			return // still negotiating; serve order must hold
		}
		first.State = StateActivated
		first.Deadline = now.Add(first.Duration)
		if first.Server == c.cfg.ServerName && first.clientService != "" {
			c.metrics.Grants.Inc()
			reply := message.New(message.CmdLocked)
			reply.SetTo(first.clientServer, first.clientService)
			reply.Set(message.ParamObjectName, obj)
			reply.SetInt64(message.ParamTimeoutDate, first.Deadline.Unix())
			c.send(reply)
			c.log.Info("ticket.activate", "object", obj, "key", first.EnteringKey,
				"id", first.TicketID, "deadline", first.Deadline.Unix())
		} else {
			c.log.Debug("ticket.activate.replica", "object", obj, "key", first.EnteringKey,
				"id", first.TicketID)
		}
		c.recount()
		return
	}
}

func (c *Coordinator) firstTicket(obj string) *Ticket {
	var first *Ticket
	for _, t := range c.tickets[obj] {
		if first == nil || ticketBefore(t, first) {
			first = t
		}
	}
	return first
}

// releaseBarrier clears key from every ticket's entering snapshot for
// obj and promotes those whose barrier drained.
func (c *Coordinator) releaseBarrier(obj, key string) {
	var freed []*Ticket
	for _, t := range c.tickets[obj] {
		if t.stillEntering == nil {
			continue
		}
		if _, ok := t.stillEntering[key]; ok {
			delete(t.stillEntering, key)
			if t.State == StateExiting && len(t.stillEntering) == 0 {
				freed = append(freed, t)
			}
		}
	}
	for _, t := range freed {
		c.resolveReady(t)
	}
}

// resolveReady promotes an exiting ticket once its barrier is empty
// and gives activation a chance to serve it.
func (c *Coordinator) resolveReady(t *Ticket) {
	if t.State != StateExiting || len(t.stillEntering) != 0 {
		return
	}
	t.State = StateReady
	c.log.Debug("ticket.ready", "object", t.ObjectName, "key", t.EnteringKey, "id", t.TicketID)
	c.recount()
	c.activateFirstLock(t.ObjectName)
}

func (c *Coordinator) findEntering(obj, key string) *Ticket {
	return c.entering[obj][key]
}

func (c *Coordinator) insertEntering(t *Ticket) {
	table := c.entering[t.ObjectName]
	if table == nil {
		table = make(map[string]*Ticket)
		c.entering[t.ObjectName] = table
	}
	if _, dup := table[t.EnteringKey]; dup {
		panic("bakery: duplicate entering record " + t.EnteringKey + " for " + t.ObjectName)
	}
	table[t.EnteringKey] = t
}

func (c *Coordinator) removeEntering(obj, key string) {
	table := c.entering[obj]
	if table == nil {
		return
	}
	if _, ok := table[key]; !ok {
		return
	}
	delete(table, key)
	if len(table) == 0 {
		delete(c.entering, obj)
	}
}

func (c *Coordinator) findTicket(obj, key string) *Ticket {
	return c.tickets[obj][key]
}

func (c *Coordinator) findTicketByEnteringKey(obj, key string) *Ticket {
	for _, t := range c.tickets[obj] {
		if t.EnteringKey == key {
			return t
		}
	}
	return nil
}

func (c *Coordinator) insertTicket(t *Ticket) {
	key := ticketKey(t.TicketID, t.EnteringKey)
	table := c.tickets[t.ObjectName]
	if table == nil {
		table = make(map[string]*Ticket)
		c.tickets[t.ObjectName] = table
	}
	if _, dup := table[key]; dup {
		panic("bakery: duplicate ticket " + key + " for " + t.ObjectName)
	}
	table[key] = t
}

func (c *Coordinator) removeTicket(t *Ticket) {
	table := c.tickets[t.ObjectName]
	if table == nil {
		return
	}
	key := ticketKey(t.TicketID, t.EnteringKey)
	if table[key] != t {
		return
	}
	delete(table, key)
	if len(table) == 0 {
		delete(c.tickets, t.ObjectName)
	}
}

// recount refreshes the per-state ticket gauge. Tables are small; a
// full recount keeps the transitions honest.
func (c *Coordinator) recount() {
	counts := make(map[TicketState]int)
	for _, table := range c.entering {
		for _, t := range table {
			counts[t.State]++
		}
	}
	for _, table := range c.tickets {
		for _, t := range table {
			counts[t.State]++
		}
	}
	for s := StateEntering; s <= StateFailed; s++ {
		c.metrics.Tickets.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func values(table map[string]*Ticket) []*Ticket {
	out := make([]*Ticket, 0, len(table))
	for _, t := range table {
		out = append(out, t)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
