package bakery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bakerd/internal/message"
)

// lockRequest handles LOCK from a local client: validate, create the
// origin ticket and open the entering round. Malformed requests are
// answered LOCKFAILED without creating any state.
func (c *Coordinator) lockRequest(m *message.Message) {
	obj, pid, obtention, duration, err := c.validateLock(m)
	if err != nil {
		c.rejectLock(m, err)
		return
	}
	key := enteringKey(c.cfg.ServerName, pid)
	if c.findEntering(obj, key) != nil || c.findTicketByEnteringKey(obj, key) != nil {
		c.rejectLock(m, Failure{Code: FailDuplicate, Detail: "lock already in flight for " + key})
		return
	}
	clientServer, clientService := m.From()
	t := &Ticket{
		ObjectName:    obj,
		EnteringKey:   key,
		Server:        c.cfg.ServerName,
		PID:           pid,
		State:         StateCountingEntered,
		Obtention:     obtention,
		Duration:      duration,
		origin:        true,
		clientServer:  clientServer,
		clientService: clientService,
		enteredBy:     make(map[string]struct{}),
		maxBy:         make(map[string]struct{}),
		addedBy:       make(map[string]struct{}),
	}
	c.insertEntering(t)
	c.log.Debug("ticket.entering", "object", obj, "key", key,
		"timeout", obtention.Unix(), "duration", duration.String())
	out := c.broadcastLock(message.CmdLockEntering, obj, key)
	out.SetInt64(message.ParamTimeout, obtention.Unix())
	out.SetInt64(message.ParamDuration, int64(duration/time.Second))
	out.Set(message.ParamSource, clientServer+"/"+clientService)
	c.send(out)
	c.recount()
}

// validateLock checks LOCK parameters and resolves the obtention
// deadline and hold duration. It never touches ticket state.
func (c *Coordinator) validateLock(m *message.Message) (obj string, pid int64, obtention time.Time, duration time.Duration, err error) {
	obj, ok := m.Get(message.ParamObjectName)
	if !ok || obj == "" {
		err = Failure{Code: FailInvalid, Detail: "object_name required"}
		return
	}
	pid, perr := m.Int64(message.ParamPID)
	if perr != nil || pid <= 0 {
		err = Failure{Code: FailInvalid, Detail: "pid must be a positive integer"}
		return
	}
	duration = c.cfg.DefaultDuration
	if m.Has(message.ParamDuration) {
		secs, derr := m.Int64(message.ParamDuration)
		if derr != nil {
			err = Failure{Code: FailInvalid, Detail: "duration is not an integer"}
			return
		}
		duration = time.Duration(secs) * time.Second
	}
	if duration < c.cfg.MinimumTimeout {
		err = Failure{Code: FailInvalid,
			Detail: fmt.Sprintf("duration below minimum %s", c.cfg.MinimumTimeout)}
		return
	}
	if duration > c.cfg.MaximumDuration {
		err = Failure{Code: FailInvalid,
			Detail: fmt.Sprintf("duration above maximum %s", c.cfg.MaximumDuration)}
		return
	}
	wait := c.cfg.DefaultTimeout
	if m.Has(message.ParamTimeout) {
		secs, terr := m.Int64(message.ParamTimeout)
		if terr != nil || secs <= 0 {
			err = Failure{Code: FailInvalid, Detail: "timeout must be a positive number of seconds"}
			return
		}
		wait = time.Duration(secs) * time.Second
	}
	if wait < c.cfg.MinimumTimeout {
		wait = c.cfg.MinimumTimeout
	}
	if wait > c.cfg.MaximumTimeout {
		wait = c.cfg.MaximumTimeout
	}
	obtention = c.clk.Now().Add(wait)
	return
}

func (c *Coordinator) rejectLock(m *message.Message, err error) {
	var f Failure
	if !errors.As(err, &f) {
		f = Failure{Code: FailInvalid, Detail: err.Error()}
	}
	obj, _ := m.Get(message.ParamObjectName)
	c.metrics.Failures.WithLabelValues(f.Code).Inc()
	c.log.Debug("msg.reject.lock", "object", obj, "code", f.Code, "detail", f.Detail)
	reply := m.Reply(message.CmdLockFailed)
	reply.Set(message.ParamObjectName, obj)
	reply.Set(message.ParamError, f.Code)
	if f.Detail != "" {
		reply.Set(message.ParamErrorReason, f.Detail)
	}
	c.send(reply)
}

// lockEntering handles the entering broadcast on every peer, the
// origin included: record the request if it is new and acknowledge.
// Broken or already-expired announcements are dropped; the origin's
// own deadline reports the failure.
func (c *Coordinator) lockEntering(m *message.Message) {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	if obj == "" || key == "" {
		c.log.Debug("msg.reject.entering", "reason", "missing object_name or key")
		return
	}
	server, pid, err := splitEnteringKey(key)
	if err != nil {
		c.log.Debug("msg.reject.entering", "key", key, "error", err.Error())
		return
	}
	secs, err := m.Int64(message.ParamTimeout)
	if err != nil {
		c.log.Debug("msg.reject.entering", "key", key, "error", err.Error())
		return
	}
	obtention := time.Unix(secs, 0)
	dsecs, err := m.Int64(message.ParamDuration)
	if err != nil {
		c.log.Debug("msg.reject.entering", "key", key, "error", err.Error())
		return
	}
	duration := time.Duration(dsecs) * time.Second
	if duration < c.cfg.MinimumTimeout {
		c.log.Debug("msg.reject.entering", "key", key, "reason", "duration below minimum")
		return
	}
	if !obtention.After(c.clk.Now()) {
		c.log.Debug("msg.reject.entering", "key", key, "reason", "already timed out")
		return
	}
	if c.findEntering(obj, key) == nil && c.findTicketByEnteringKey(obj, key) == nil {
		c.insertEntering(&Ticket{
			ObjectName:  obj,
			EnteringKey: key,
			Server:      server,
			PID:         pid,
			State:       StateEntering,
			Obtention:   obtention,
			Duration:    duration,
		})
		c.log.Trace("ticket.entering.replica", "object", obj, "key", key)
		c.recount()
	}
	reply := m.Reply(message.CmdLockEntered)
	reply.Set(message.ParamObjectName, obj)
	reply.Set(message.ParamKey, key)
	c.send(reply)
}

func (c *Coordinator) lockEntered(m *message.Message) {
	t := c.originTicket(m, "entered")
	if t == nil {
		return
	}
	from, _ := m.From()
	t.enteredBy[from] = struct{}{}
	c.maybeAdvance(t)
}

// getMaxTicket answers with this server's highest known ticket number
// for the object, zero when its table is empty.
func (c *Coordinator) getMaxTicket(m *message.Message) {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	if obj == "" || key == "" {
		return
	}
	var max uint32
	for _, t := range c.tickets[obj] {
		if t.TicketID > max {
			max = t.TicketID
		}
	}
	reply := m.Reply(message.CmdMaxTicket)
	reply.Set(message.ParamObjectName, obj)
	reply.Set(message.ParamKey, key)
	reply.SetInt64(message.ParamTicketID, int64(max))
	c.send(reply)
}

func (c *Coordinator) maxTicket(m *message.Message) {
	t := c.originTicket(m, "maxticket")
	if t == nil {
		return
	}
	id, err := m.Int64(message.ParamTicketID)
	if err != nil || id < 0 || id > int64(MaxTicketID) {
		c.log.Debug("msg.reject.maxticket", "object", t.ObjectName, "key", t.EnteringKey, "error", err)
		return
	}
	from, _ := m.From()
	t.maxBy[from] = struct{}{}
	if uint32(id) > t.maxSeen {
		t.maxSeen = uint32(id)
	}
	c.maybeAdvance(t)
}

// addTicket promotes the entering record into the authoritative ticket
// table under its drawn number and acknowledges. A peer that joined
// after the entering round has no record; it carries the ticket anyway
// or its max answers would hand out numbers already in use.
func (c *Coordinator) addTicket(m *message.Message) {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	id, entering, kerr := splitTicketKey(key)
	if obj == "" || kerr != nil || id == 0 {
		c.log.Debug("msg.reject.addticket", "object", obj, "key", key, "error", kerr)
		return
	}
	secs, terr := m.Int64(message.ParamTimeout)
	if terr != nil {
		c.log.Debug("msg.reject.addticket", "key", key, "error", terr.Error())
		return
	}
	obtention := time.Unix(secs, 0)
	if t := c.findEntering(obj, entering); t != nil {
		if t.TicketID != 0 && t.TicketID != id {
			c.log.Error("ticket.add.conflict", "object", obj, "key", key, "have", t.TicketID)
			return
		}
		c.promote(t, id, obtention)
	} else if existing := c.findTicketByEnteringKey(obj, entering); existing != nil {
		if existing.TicketID != id {
			c.log.Error("ticket.add.conflict", "object", obj, "key", key, "have", existing.TicketID)
			return
		}
		// Duplicate delivery; the acknowledgment below is all that is
		// still owed.
	} else {
		server, pid, err := splitEnteringKey(entering)
		if err != nil {
			c.log.Debug("msg.reject.addticket", "key", key, "error", err.Error())
			return
		}
		c.log.Error("ticket.add.norecord", "object", obj, "key", key)
		t := &Ticket{
			ObjectName:  obj,
			EnteringKey: entering,
			Server:      server,
			PID:         pid,
			State:       StateEntering,
			Obtention:   obtention,
			Duration:    c.cfg.DefaultDuration,
		}
		c.insertEntering(t)
		c.promote(t, id, obtention)
	}
	reply := m.Reply(message.CmdTicketAdded)
	reply.Set(message.ParamObjectName, obj)
	reply.Set(message.ParamKey, key)
	c.send(reply)
}

// promote moves an entering record into the ticket table. Replica
// copies take their bakery snapshot here; the origin's is taken when
// its own acknowledgment quorum completes, so its state is left alone.
func (c *Coordinator) promote(t *Ticket, id uint32, obtention time.Time) {
	c.removeEntering(t.ObjectName, t.EnteringKey)
	t.TicketID = id
	if !t.origin {
		t.Obtention = obtention
	}
	c.insertTicket(t)
	if !t.origin {
		t.State = StateExiting
		t.stillEntering = c.snapshotEntering(t.ObjectName, t.EnteringKey)
		c.resolveReady(t)
	}
	c.recount()
}

// snapshotEntering captures every other request still entering for the
// object. The ticket may not be served while any of them could still
// draw a smaller number.
func (c *Coordinator) snapshotEntering(obj, exceptKey string) map[string]struct{} {
	snap := make(map[string]struct{})
	for key := range c.entering[obj] {
		if key != exceptKey {
			snap[key] = struct{}{}
		}
	}
	return snap
}

func (c *Coordinator) ticketAdded(m *message.Message) {
	t := c.originTicket(m, "ticketadded")
	if t == nil {
		return
	}
	from, _ := m.From()
	t.addedBy[from] = struct{}{}
	c.maybeAdvance(t)
}

// maybeAdvance moves an origin ticket forward when the current phase's
// acknowledgment set meets quorum. Roster changes funnel through here
// too: accumulated counts survive, only the threshold moves.
func (c *Coordinator) maybeAdvance(t *Ticket) {
	q := c.quorum()
	switch t.State {
	case StateCountingEntered:
		if len(t.enteredBy) < q {
			return
		}
		t.State = StateFetchingMaxTicket
		c.log.Debug("ticket.entered", "object", t.ObjectName, "key", t.EnteringKey,
			"acks", len(t.enteredBy), "quorum", q)
		c.send(c.broadcastLock(message.CmdGetMaxTicket, t.ObjectName, t.EnteringKey))
		c.recount()
	case StateFetchingMaxTicket:
		if len(t.maxBy) < q {
			return
		}
		if t.maxSeen == MaxTicketID {
			c.failTicket(t, Failure{Code: FailOverflow, Detail: "ticket id space exhausted"},
				message.CmdLockFailed)
			return
		}
		t.TicketID = t.maxSeen + 1
		t.State = StateAddingTicket
		c.log.Debug("ticket.number", "object", t.ObjectName, "key", t.EnteringKey, "id", t.TicketID)
		out := c.broadcastLock(message.CmdAddTicket, t.ObjectName, ticketKey(t.TicketID, t.EnteringKey))
		out.SetInt64(message.ParamTimeout, t.Obtention.Unix())
		c.send(out)
		c.recount()
	case StateAddingTicket:
		if len(t.addedBy) < q {
			return
		}
		c.exitTicket(t)
	}
}

// exitTicket closes the entering rounds: snapshot the barrier, tell
// the cluster this key is done entering and, with nobody left to wait
// on, go Ready.
func (c *Coordinator) exitTicket(t *Ticket) {
	t.State = StateExiting
	t.stillEntering = c.snapshotEntering(t.ObjectName, t.EnteringKey)
	c.log.Debug("ticket.exiting", "object", t.ObjectName, "key", t.EnteringKey,
		"waiting_on", len(t.stillEntering))
	c.send(c.broadcastLock(message.CmdLockExiting, t.ObjectName, t.EnteringKey))
	c.recount()
	c.resolveReady(t)
}

// lockExiting removes the named entering record and releases every
// ticket holding that key at the barrier.
func (c *Coordinator) lockExiting(m *message.Message) {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	if obj == "" || key == "" {
		return
	}
	c.clearEntering(obj, key)
}

func (c *Coordinator) clearEntering(obj, key string) {
	if c.findEntering(obj, key) != nil {
		c.removeEntering(obj, key)
		c.recount()
	}
	c.releaseBarrier(obj, key)
}

// unlockRequest handles UNLOCK from a local client. Only the entering
// key that created the ticket matches, so another process or server
// can never release a held lock; a miss is still answered so the
// client does not hang.
func (c *Coordinator) unlockRequest(m *message.Message) {
	obj, ok := m.Get(message.ParamObjectName)
	if !ok || obj == "" {
		c.rejectUnlock(m, "", Failure{Code: FailInvalid, Detail: "object_name required"})
		return
	}
	pid, err := m.Int64(message.ParamPID)
	if err != nil || pid <= 0 {
		c.rejectUnlock(m, obj, Failure{Code: FailInvalid, Detail: "pid must be a positive integer"})
		return
	}
	key := enteringKey(c.cfg.ServerName, pid)
	t := c.findTicketByEnteringKey(obj, key)
	if t == nil {
		t = c.findEntering(obj, key)
	}
	if t == nil {
		c.rejectUnlock(m, obj, Failure{Code: FailNotLocked})
		return
	}
	c.log.Info("ticket.unlock", "object", obj, "key", key, "id", t.TicketID)
	t.reported = true
	c.dropEverywhere(t)
	reply := m.Reply(message.CmdUnlocked)
	reply.Set(message.ParamObjectName, obj)
	c.send(reply)
}

func (c *Coordinator) rejectUnlock(m *message.Message, obj string, f Failure) {
	c.metrics.Failures.WithLabelValues(f.Code).Inc()
	c.log.Debug("msg.reject.unlock", "object", obj, "code", f.Code)
	reply := m.Reply(message.CmdUnlocked)
	if obj != "" {
		reply.Set(message.ParamObjectName, obj)
	}
	reply.Set(message.ParamError, f.Code)
	if f.Detail != "" {
		reply.Set(message.ParamErrorReason, f.Detail)
	}
	c.send(reply)
}

// dropEverywhere broadcasts DROPTICKET for a ticket this server owns.
// The local copy goes when the broadcast loops back through the hub,
// the same path every peer takes.
func (c *Coordinator) dropEverywhere(t *Ticket) {
	c.send(c.broadcastLock(message.CmdDropTicket, t.ObjectName, t.Key()))
}

// dropTicket removes whatever the key names, entering record or
// promoted ticket, and lets the next request activate.
func (c *Coordinator) dropTicket(m *message.Message) {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	if obj == "" || key == "" {
		return
	}
	entering := key
	if _, ek, err := splitTicketKey(key); err == nil {
		entering = ek
	}
	if t := c.findTicketByEnteringKey(obj, entering); t != nil {
		c.removeTicket(t)
		c.log.Debug("ticket.drop", "object", obj, "key", entering, "id", t.TicketID)
	}
	c.clearEntering(obj, entering)
	c.recount()
	c.activateFirstLock(obj)
}

// lockReady adds a server to the roster. The first contact is answered
// with our own LOCKREADY so rosters converge without full mesh
// configuration.
func (c *Coordinator) lockReady(m *message.Message) {
	name, _ := m.Get(message.ParamServerName)
	if name == "" {
		c.log.Debug("msg.reject.lockready", "reason", "missing server_name")
		return
	}
	if _, known := c.roster[name]; known {
		return
	}
	c.roster[name] = struct{}{}
	c.rosterChanged("add", name)
	if name != c.cfg.ServerName {
		reply := message.New(message.CmdLockReady)
		reply.SetTo(name, ServiceName)
		reply.Set(message.ParamServerName, c.cfg.ServerName)
		c.send(reply)
	}
}

// serverGone drops a disconnected server from the roster. In-flight
// tickets keep their accumulated acknowledgments; only the quorum
// threshold moves.
func (c *Coordinator) serverGone(m *message.Message) {
	name, _ := m.Get(message.ParamServerName)
	if name == "" || name == c.cfg.ServerName {
		return
	}
	if _, known := c.roster[name]; !known {
		return
	}
	delete(c.roster, name)
	c.rosterChanged("remove", name)
}

func (c *Coordinator) rosterChanged(op, name string) {
	q := c.quorum()
	c.metrics.Roster.Set(float64(len(c.roster)))
	c.metrics.Quorum.Set(float64(q))
	c.log.Info("bakery.roster."+op, "peer", name, "size", len(c.roster), "quorum", q)
	c.advanceAll()
}

// advanceAll re-checks every origin ticket against the current quorum.
// A shrunk roster can satisfy counts a phase already holds.
func (c *Coordinator) advanceAll() {
	for _, table := range c.entering {
		for _, t := range values(table) {
			if t.origin && t.State != StateFailed {
				c.maybeAdvance(t)
			}
		}
	}
	for _, table := range c.tickets {
		for _, t := range values(table) {
			if t.origin && t.State != StateFailed {
				c.maybeAdvance(t)
			}
		}
	}
}

// originTicket resolves a phase acknowledgment to the origin ticket it
// belongs to, in either table. Late acks for tickets already gone are
// dropped quietly.
func (c *Coordinator) originTicket(m *message.Message, phase string) *Ticket {
	obj, _ := m.Get(message.ParamObjectName)
	key, _ := m.Get(message.ParamKey)
	if obj == "" || key == "" {
		c.log.Debug("msg.reject."+phase, "reason", "missing object_name or key")
		return nil
	}
	if _, entering, err := splitTicketKey(key); err == nil {
		key = entering
	}
	t := c.findEntering(obj, key)
	if t == nil {
		t = c.findTicketByEnteringKey(obj, key)
	}
	if t == nil {
		c.log.Trace("ticket.ack.late", "phase", phase, "object", obj, "key", key)
		return nil
	}
	if !t.origin {
		c.log.Debug("ticket.ack.misdirected", "phase", phase, "object", obj, "key", key)
		return nil
	}
	return t
}

func (c *Coordinator) listTickets(m *message.Message) {
	reply := m.Reply(message.CmdTicketList)
	reply.Set(message.ParamTickets, strings.Join(c.describeAll(), "\n"))
	c.send(reply)
}

func (c *Coordinator) stopRequest(m *message.Message) {
	c.log.Info("bakery.stop", "command", m.Command())
	if c.cfg.OnStop != nil {
		c.cfg.OnStop()
	}
}
