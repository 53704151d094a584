// Package reactor implements the event loop every daemon component
// runs on. A Communicator owns a set of Connections and dispatches
// all of their callbacks from a single goroutine, so connection,
// routing, and ticket state never needs locking: a callback always
// runs to completion before the next one starts.
//
// Transports (sockets, pipes, signal channels) are pumped by small
// helper goroutines that only move raw input into the Communicator's
// queue; they never touch shared state. Each queue entry is billed
// against its connection's event budget, and connections are visited
// in priority order, so one flooding peer cannot starve the rest.
// Timer connections publish their next wake time; the loop sleeps no
// longer than the earliest of those, using the injected clock so
// tests can drive time manually.
package reactor

import (
	"context"
	"errors"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"bakerd/internal/clock"
	"bakerd/internal/message"
)

// Default scheduling parameters for newly created connections and for
// the loop's idle wait.
const (
	DefaultPriority    = 100
	DefaultEventBudget = 16
	DefaultWait        = 5 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Run when the loop is active.
	ErrAlreadyRunning = errors.New("reactor: already running")
	// ErrAlreadyAdded is returned by Add for a registered connection.
	ErrAlreadyAdded = errors.New("reactor: connection already added")
	// ErrClosed is returned when sending on a closed stream.
	ErrClosed = errors.New("reactor: connection closed")
	// ErrNotRegistered is returned by Inbox.Send before Add or after
	// Remove.
	ErrNotRegistered = errors.New("reactor: connection not registered")
)

// Connection is the unit of registration. Concrete kinds (Timer,
// Signal, Inbox, Stream, MessageStream, Listener, UDPMessage) embed
// Base to satisfy it; application types embed one of those kinds and
// add the Process* callbacks they care about.
type Connection interface {
	Name() string
	Priority() int
	SetPriority(int)
	EventBudget() int
	SetEventBudget(int)
	Enabled() bool
	SetEnabled(bool)
	Done() bool
	MarkDone()

	attach(comm *Communicator, self Connection)
	detach()
	start()
	stop()
}

// Callback capabilities. The loop inspects each connection for the
// interfaces matching the event it is delivering; events a connection
// does not implement a handler for are dropped with a log entry.
type (
	// ReadHandler receives raw transport bytes.
	ReadHandler interface{ ProcessRead(data []byte) }
	// MessageHandler receives parsed protocol messages.
	MessageHandler interface{ ProcessMessage(m *message.Message) }
	// InvalidHandler receives lines that failed to parse.
	InvalidHandler interface {
		ProcessInvalid(line string, err error)
	}
	// AcceptHandler receives connections accepted by a Listener.
	AcceptHandler interface{ ProcessAccept(conn net.Conn) }
	// SignalHandler receives OS signals (or injected equivalents).
	SignalHandler interface{ ProcessSignal(sig os.Signal) }
	// Timer exposes a wake deadline and receives its expirations.
	Timer interface {
		NextWake() (time.Time, bool)
		ProcessTimeout(now time.Time)
	}
	// ErrorHandler receives transport errors.
	ErrorHandler interface{ ProcessError(err error) }
	// HangupHandler is told the transport is gone. The usual response
	// is to remove the connection from the Communicator.
	HangupHandler interface{ ProcessHangup() }
	// DrainHandler is told the queued output was fully written.
	DrainHandler interface{ ProcessDrained() }
)

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(*message.Message)

// ProcessMessage calls f.
func (f MessageHandlerFunc) ProcessMessage(m *message.Message) { f(m) }

type eventKind uint8

const (
	evRead eventKind = iota
	evMessage
	evDatagram
	evAccept
	evSignal
	evError
	evHangup
	evDrained
	evFunc
	evStop
)

func (k eventKind) String() string {
	switch k {
	case evRead:
		return "read"
	case evMessage:
		return "message"
	case evDatagram:
		return "datagram"
	case evAccept:
		return "accept"
	case evSignal:
		return "signal"
	case evError:
		return "error"
	case evHangup:
		return "hangup"
	case evDrained:
		return "drained"
	case evFunc:
		return "func"
	case evStop:
		return "stop"
	}
	return "unknown"
}

type event struct {
	conn Connection
	kind eventKind
	data []byte
	msg  *message.Message
	netc net.Conn
	addr net.Addr
	sig  os.Signal
	err  error
	fn   func()
}

// Base carries the registration state shared by every connection
// kind: name, enable flag, priority, event budget, done flag, and a
// non-owning reference back to the Communicator. All of its fields
// are owned by the loop goroutine; mutate them only from callbacks or
// before Run starts.
type Base struct {
	name     string
	priority int
	budget   int
	enabled  bool
	done     bool

	comm *Communicator
	self Connection
}

func newBase(name string) Base {
	return Base{
		name:     name,
		priority: DefaultPriority,
		budget:   DefaultEventBudget,
		enabled:  true,
	}
}

// Name returns the connection's registration name.
func (b *Base) Name() string { return b.name }

// Priority returns the dispatch priority; lower runs first.
func (b *Base) Priority() int { return b.priority }

// SetPriority changes the dispatch priority.
func (b *Base) SetPriority(p int) { b.priority = p }

// EventBudget returns how many events the connection may consume per
// loop pass before yielding.
func (b *Base) EventBudget() int { return b.budget }

// SetEventBudget changes the per-pass event budget. Values below one
// are clamped to one.
func (b *Base) SetEventBudget(n int) {
	if n < 1 {
		n = 1
	}
	b.budget = n
}

// Enabled reports whether events are currently delivered. Events for
// a disabled connection are held, not dropped.
func (b *Base) Enabled() bool { return b.enabled }

// SetEnabled pauses or resumes event delivery.
func (b *Base) SetEnabled(on bool) { b.enabled = on }

// Done reports whether the connection asked to be removed.
func (b *Base) Done() bool { return b.done }

// MarkDone asks the loop to remove the connection at the end of the
// current pass.
func (b *Base) MarkDone() { b.done = true }

func (b *Base) attach(comm *Communicator, self Connection) {
	b.comm = comm
	b.self = self
}

func (b *Base) detach() {
	b.comm = nil
	b.self = nil
}

func (b *Base) start() {}
func (b *Base) stop()  {}

// owner returns the Communicator the connection is registered with,
// or nil. Loop goroutine only.
func (b *Base) owner() *Communicator { return b.comm }

func (b *Base) logger() pslog.Logger {
	if b.comm == nil {
		return pslog.NoopLogger()
	}
	return b.comm.log
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Communicator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Communicator) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithDefaultWait bounds how long the loop sleeps when no timer is
// due sooner.
func WithDefaultWait(d time.Duration) Option {
	return func(c *Communicator) {
		if d > 0 {
			c.defaultWait = d
		}
	}
}

// WithMetrics attaches loop instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Communicator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Communicator runs the loop. Create one per process, register
// connections, then call Run from the goroutine that owns it.
type Communicator struct {
	log         pslog.Logger
	clk         clock.Clock
	defaultWait time.Duration
	metrics     *Metrics

	mu    sync.Mutex
	queue []event
	wake  chan struct{}

	// Loop-owned state. carry holds budget overflow that must be
	// processed next pass; held holds events for disabled connections
	// and only becomes pending again once their connection is
	// re-enabled.
	conns   []Connection
	members map[Connection]struct{}
	carry   []event
	held    []event
	running bool
	stopped bool
}

// New returns a Communicator ready for Add and Run.
func New(opts ...Option) *Communicator {
	c := &Communicator{
		log:         pslog.NoopLogger(),
		clk:         clock.Real{},
		defaultWait: DefaultWait,
		wake:        make(chan struct{}, 1),
		members:     make(map[Connection]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Clock returns the loop's time source.
func (c *Communicator) Clock() clock.Clock { return c.clk }

// Logger returns the loop's logger.
func (c *Communicator) Logger() pslog.Logger { return c.log }

// Add registers a connection and starts its transport pumps. Call
// from the loop goroutine (any callback) or before Run starts.
func (c *Communicator) Add(conn Connection) error {
	if _, ok := c.members[conn]; ok {
		return ErrAlreadyAdded
	}
	c.members[conn] = struct{}{}
	c.conns = append(c.conns, conn)
	conn.attach(c, conn)
	conn.start()
	c.metrics.Connections.Set(float64(len(c.conns)))
	c.log.Debug("reactor.conn.add", "conn", conn.Name(), "total", len(c.conns))
	return nil
}

// Remove deregisters a connection, stopping its pumps and closing its
// transport. Safe to call from inside any callback, including one
// running on the connection being removed: pending events for it are
// discarded and the in-progress pass is not disturbed.
func (c *Communicator) Remove(conn Connection) {
	if _, ok := c.members[conn]; !ok {
		return
	}
	delete(c.members, conn)
	for i, cc := range c.conns {
		if cc == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
	c.carry = dropEventsFor(c.carry, conn)
	c.held = dropEventsFor(c.held, conn)
	conn.stop()
	conn.detach()
	c.metrics.Connections.Set(float64(len(c.conns)))
	c.log.Debug("reactor.conn.remove", "conn", conn.Name(), "total", len(c.conns))
}

// Connections returns the registered connections. Loop goroutine only.
func (c *Communicator) Connections() []Connection {
	out := make([]Connection, len(c.conns))
	copy(out, c.conns)
	return out
}

// Post schedules fn to run on the loop goroutine. Safe from any
// goroutine; this is the hand-off point for auxiliary workers.
func (c *Communicator) Post(fn func()) {
	if fn == nil {
		return
	}
	c.post(event{kind: evFunc, fn: fn})
}

// Stop makes Run return after the current pass. Safe from any
// goroutine.
func (c *Communicator) Stop() {
	c.post(event{kind: evStop})
}

func (c *Communicator) post(ev event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Communicator) swapQueue() []event {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	return q
}

func (c *Communicator) queuedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run executes the loop until Stop is called, the context is
// cancelled, or the last connection is removed. It must be called at
// most once at a time; the calling goroutine becomes the loop
// goroutine for the duration.
func (c *Communicator) Run(ctx context.Context) error {
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopped = false
	defer func() { c.running = false }()
	c.log.Debug("reactor.run.start", "connections", len(c.conns))
	defer c.log.Debug("reactor.run.exit")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.stopped || len(c.conns) == 0 {
			return nil
		}

		c.wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		c.metrics.Passes.Inc()
		var batch []event
		batch = append(batch, c.held...)
		batch = append(batch, c.carry...)
		batch = append(batch, c.swapQueue()...)
		c.held = nil
		c.carry = nil
		c.dispatch(batch)
		c.fireTimers()
		c.sweepDone()
	}
}

// wait blocks until an event is posted, the earliest timer is due, or
// the default wait elapses. Returns immediately when work is already
// pending.
func (c *Communicator) wait(ctx context.Context) {
	if len(c.carry) > 0 || c.queuedLen() > 0 || c.heldReady() {
		// Consume a stale wakeup so the next wait does not spin.
		select {
		case <-c.wake:
		default:
		}
		return
	}
	now := c.clk.Now()
	d := c.defaultWait
	if next, ok := c.earliestWake(); ok {
		if until := next.Sub(now); until < d {
			d = until
		}
	}
	if d <= 0 {
		return
	}
	select {
	case <-c.wake:
	case <-c.clk.After(d):
	case <-ctx.Done():
	}
}

func (c *Communicator) earliestWake() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, conn := range c.conns {
		if !conn.Enabled() {
			continue
		}
		t, ok := conn.(Timer)
		if !ok {
			continue
		}
		next, ok := t.NextWake()
		if !ok {
			continue
		}
		if !found || next.Before(earliest) {
			earliest = next
			found = true
		}
	}
	return earliest, found
}

// dispatch delivers one batch of events: control events first, then
// per-connection events in priority order, each connection limited to
// its event budget with the excess carried into the next pass.
func (c *Communicator) dispatch(batch []event) {
	if len(batch) == 0 {
		return
	}

	perConn := make(map[Connection][]event)
	var order []Connection
	for _, ev := range batch {
		switch ev.kind {
		case evStop:
			c.stopped = true
			continue
		case evFunc:
			c.metrics.Events.WithLabelValues("func").Inc()
			ev.fn()
			continue
		}
		if _, ok := c.members[ev.conn]; !ok {
			c.log.Trace("reactor.event.drop", "kind", ev.kind.String())
			continue
		}
		if !ev.conn.Enabled() {
			c.held = append(c.held, ev)
			c.metrics.Deferred.Inc()
			continue
		}
		if _, seen := perConn[ev.conn]; !seen {
			order = append(order, ev.conn)
		}
		perConn[ev.conn] = append(perConn[ev.conn], ev)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Priority() < order[j].Priority()
	})

	for _, conn := range order {
		events := perConn[conn]
		if _, ok := c.members[conn]; !ok {
			// Removed by an earlier callback in this pass.
			continue
		}
		if !conn.Enabled() {
			// Disabled by an earlier callback in this pass.
			c.held = append(c.held, events...)
			c.metrics.Deferred.Add(float64(len(events)))
			continue
		}
		budget := conn.EventBudget()
		for i, ev := range events {
			if i >= budget {
				c.carry = append(c.carry, events[i:]...)
				c.metrics.Deferred.Add(float64(len(events) - i))
				break
			}
			if _, ok := c.members[conn]; !ok {
				break
			}
			c.deliver(ev)
		}
	}
}

func (c *Communicator) deliver(ev event) {
	c.metrics.Events.WithLabelValues(ev.kind.String()).Inc()
	switch ev.kind {
	case evRead:
		if h, ok := ev.conn.(ReadHandler); ok {
			h.ProcessRead(ev.data)
			return
		}
	case evMessage:
		if h, ok := ev.conn.(MessageHandler); ok {
			h.ProcessMessage(ev.msg)
			return
		}
	case evDatagram:
		if h, ok := ev.conn.(datagramSink); ok {
			h.processDatagram(ev.data, ev.addr)
			return
		}
	case evAccept:
		if h, ok := ev.conn.(AcceptHandler); ok {
			h.ProcessAccept(ev.netc)
			return
		}
		ev.netc.Close()
	case evSignal:
		if h, ok := ev.conn.(SignalHandler); ok {
			h.ProcessSignal(ev.sig)
			return
		}
	case evError:
		if h, ok := ev.conn.(ErrorHandler); ok {
			h.ProcessError(ev.err)
			return
		}
		c.log.Warn("reactor.conn.error", "conn", ev.conn.Name(), "error", ev.err)
		return
	case evHangup:
		if h, ok := ev.conn.(HangupHandler); ok {
			h.ProcessHangup()
			return
		}
		// Nobody to tell; drop the dead connection ourselves.
		c.Remove(ev.conn)
		return
	case evDrained:
		if h, ok := ev.conn.(DrainHandler); ok {
			h.ProcessDrained()
			return
		}
	}
	c.log.Trace("reactor.event.unhandled", "conn", ev.conn.Name(), "kind", ev.kind.String())
}

func (c *Communicator) fireTimers() {
	now := c.clk.Now()
	snapshot := make([]Connection, len(c.conns))
	copy(snapshot, c.conns)
	for _, conn := range snapshot {
		if _, ok := c.members[conn]; !ok {
			continue
		}
		if !conn.Enabled() {
			continue
		}
		t, ok := conn.(Timer)
		if !ok {
			continue
		}
		next, ok := t.NextWake()
		if !ok || next.After(now) {
			continue
		}
		c.metrics.Events.WithLabelValues("timeout").Inc()
		t.ProcessTimeout(now)
	}
}

func (c *Communicator) sweepDone() {
	var done []Connection
	for _, conn := range c.conns {
		if conn.Done() {
			done = append(done, conn)
		}
	}
	for _, conn := range done {
		c.Remove(conn)
	}
}

// datagramSink is the internal delivery seam for UDP events; the
// exported surface is DatagramHandler on UDPMessage.
type datagramSink interface {
	processDatagram(data []byte, from net.Addr)
}

func (c *Communicator) heldReady() bool {
	for _, ev := range c.held {
		if _, ok := c.members[ev.conn]; !ok {
			continue
		}
		if ev.conn.Enabled() {
			return true
		}
	}
	return false
}

func dropEventsFor(events []event, conn Connection) []event {
	kept := events[:0]
	for _, ev := range events {
		if ev.conn != conn {
			kept = append(kept, ev)
		}
	}
	return kept
}
