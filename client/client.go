package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"bakerd/internal/logfields"
	"bakerd/internal/message"
	"bakerd/internal/tlsutil"
	"bakerd/internal/uuidv7"
)

const (
	// DefaultDialTimeout bounds the dial plus the whole REGISTER
	// handshake.
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds every reply wait that has no bound
	// of its own. It also bounds Lock calls that leave the wait to the
	// daemon's default, so raise it when daemons are configured with a
	// default lock timeout near or above ten seconds.
	DefaultRequestTimeout = 10 * time.Second

	// coordinatorService is the well-known service name the lock
	// coordinator registers on every daemon's hub.
	coordinatorService = "bakery"

	// replyGrace rides on top of an explicit wait bound so the
	// daemon's own verdict, not a client-side timeout, decides the
	// outcome.
	replyGrace = 10 * time.Second
)

var (
	// ErrClosed is returned once the client has been closed or its
	// link has dropped.
	ErrClosed = errors.New("client: connection closed")
	// ErrQuitting is returned after the daemon announced QUITTING.
	ErrQuitting = errors.New("client: daemon is shutting down")
)

// vocabulary lists every command the client is prepared to receive.
var vocabulary = strings.Join([]string{
	message.CmdLocked,
	message.CmdLockFailed,
	message.CmdUnlocked,
	message.CmdTicketList,
	message.CmdStatusReply,
	message.CmdPing,
	message.CmdPong,
	message.CmdQuitting,
}, ",")

// Client is one registered service on a daemon's hub. Use New; the
// zero value is not usable.
type Client struct {
	addr        string
	service     string
	pid         int64
	dialTimeout time.Duration
	reqTimeout  time.Duration
	tlsConf     *tls.Config
	bundlePath  string
	logger      pslog.Base

	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	server string
	closed bool
	quit   bool
	broken bool
}

// Option configures a Client before it dials.
type Option func(*Client)

// WithServiceName overrides the generated "client-<uuid>" identity.
// Service names are unique per daemon; a collision is refused at
// registration.
func WithServiceName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.service = name
		}
	}
}

// WithPID overrides the pid sent with lock operations. The daemon
// treats its own server name plus this pid as the holder identity: a
// second lock on the same object from the same pid is refused as a
// duplicate, so cooperating workers inside one process need distinct
// pids.
func WithPID(pid int64) Option {
	return func(c *Client) {
		if pid > 0 {
			c.pid = pid
		}
	}
}

// WithLogger supplies a logger for client diagnostics. Passing nil
// falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = logfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithDialTimeout bounds the dial and handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithRequestTimeout overrides the per-call reply bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reqTimeout = d
		}
	}
}

// WithBundle points at a combined PEM bundle (CA, certificate, key)
// and turns on mutual TLS for the connection.
func WithBundle(path string) Option {
	return func(c *Client) {
		c.bundlePath = strings.TrimSpace(path)
	}
}

// WithTLSConfig supplies a ready TLS configuration, taking precedence
// over WithBundle.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConf = cfg
	}
}

// New dials addr, registers on the daemon's hub and returns a ready
// Client.
func New(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		service:     "client-" + uuidv7.NewString(),
		pid:         int64(os.Getpid()),
		dialTimeout: DefaultDialTimeout,
		reqTimeout:  DefaultRequestTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tlsConf == nil && c.bundlePath != "" {
		bundle, err := tlsutil.LoadBundle(c.bundlePath)
		if err != nil {
			return nil, fmt.Errorf("client: load bundle: %w", err)
		}
		c.tlsConf = bundle.ClientConfig()
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Server returns the daemon's server name as announced by READY.
func (c *Client) Server() string { return c.server }

// Service returns the identity this client registered on the hub.
func (c *Client) Service() string { return c.service }

// PID returns the process id this client stamps on its tickets.
func (c *Client) PID() int64 { return c.pid }

// Close leaves the hub and closes the link. Held locks stay held
// until their expiry; a new client with the same pid can still unlock
// them.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	bye := message.New(message.CmdUnregister)
	bye.Set(message.ParamService, c.service)
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.write(bye); err != nil {
		c.logger.Debug("client.unregister.fail", "error", err.Error())
	}
	return c.conn.Close()
}

func (c *Client) connect() error {
	nc, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	if c.tlsConf != nil {
		nc = tls.Client(nc, c.tlsConf)
	}
	c.conn = nc
	c.rd = bufio.NewReader(nc)
	if err := c.handshake(); err != nil {
		nc.Close()
		return err
	}
	return nil
}

// handshake runs REGISTER, answers the hub's HELP with the client
// vocabulary and waits for READY, which names the daemon.
func (c *Client) handshake() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.dialTimeout)); err != nil {
		return err
	}
	reg := message.New(message.CmdRegister)
	reg.Set(message.ParamService, c.service)
	reg.Set(message.ParamVersion, message.ProtocolVersion)
	if err := c.write(reg); err != nil {
		return fmt.Errorf("client: register: %w", err)
	}
	for {
		m, err := c.readMessage()
		if err != nil {
			return fmt.Errorf("client: handshake: %w", err)
		}
		switch m.Command() {
		case message.CmdHelp:
			cmds := message.New(message.CmdCommands)
			cmds.Set(message.ParamCommands, vocabulary)
			if err := c.write(cmds); err != nil {
				return fmt.Errorf("client: handshake: %w", err)
			}
		case message.CmdReady:
			c.server, _ = m.Get(message.ParamServerName)
			if c.server == "" {
				return fmt.Errorf("client: handshake: READY without server_name")
			}
			c.logger.Debug("client.ready", "server", c.server, "service", c.service)
			return c.conn.SetDeadline(time.Time{})
		case message.CmdRefuse:
			reason, _ := m.Get(message.ParamError)
			return fmt.Errorf("client: registration refused: %s", reason)
		default:
			c.logger.Debug("client.handshake.skip", "command", m.Command())
		}
	}
}

func (c *Client) write(m *message.Message) error {
	line, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.conn, line+"\n")
	return err
}

func (c *Client) readMessage() (*message.Message, error) {
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		return message.Parse(line)
	}
}

// roundTrip sends req and reads until want accepts a reply, the wait
// bound passes or ctx is done. Unsolicited traffic read along the way
// is answered (PING) or logged and dropped; a QUITTING notice poisons
// the client for every later call.
func (c *Client) roundTrip(ctx context.Context, req *message.Message, wait time.Duration, want func(*message.Message) bool) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.quit:
		return nil, ErrQuitting
	case c.broken:
		return nil, ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.conn.SetDeadline(time.Time{})
	if err := c.write(req); err != nil {
		c.broken = true
		return nil, fmt.Errorf("client: send %s: %w", req.Command(), err)
	}
	for {
		m, err := c.readMessage()
		if err != nil {
			return nil, c.readFailed(ctx, req, wait, err)
		}
		switch {
		case want(m):
			return m, nil
		case m.Command() == message.CmdQuitting:
			c.quit = true
			return nil, ErrQuitting
		case m.Command() == message.CmdPing:
			if err := c.write(m.Reply(message.CmdPong)); err != nil {
				c.broken = true
				return nil, fmt.Errorf("client: send PONG: %w", err)
			}
		case m.Command() == message.CmdInvalid:
			detail, _ := m.Get(message.ParamError)
			return nil, fmt.Errorf("client: daemon rejected %s: %s", req.Command(), detail)
		default:
			c.logger.Debug("client.msg.drop", "command", m.Command())
		}
	}
}

// readFailed classifies a read error: context first, then the wait
// bound, then a dropped link. Anything terminal marks the client
// broken so later calls fail fast.
func (c *Client) readFailed(ctx context.Context, req *message.Message, wait time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("client: no reply to %s within %s", req.Command(), wait)
	}
	c.broken = true
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("client: %s: %w", req.Command(), ErrClosed)
	}
	return fmt.Errorf("client: read: %w", err)
}

// Grant is a successful lock acquisition. The lock is held until
// Unlock or Expires, whichever comes first.
type Grant struct {
	Object  string
	Expires time.Time
}

// LockOptions bound one Lock call. Zero values defer to the daemon's
// configured defaults.
type LockOptions struct {
	wait time.Duration
	hold time.Duration
}

// LockOption customises one Lock call.
type LockOption func(*LockOptions)

// WithWait bounds how long the daemon queues the request behind the
// current holder before answering LOCKFAILED with code "failed". The
// daemon clamps the bound to its configured minimum and maximum.
func WithWait(d time.Duration) LockOption {
	return func(lo *LockOptions) {
		lo.wait = d
	}
}

// WithHold sets how long the grant lasts before the daemon reclaims
// the lock on its own. The daemon rejects durations outside its
// configured bounds.
func WithHold(d time.Duration) LockOption {
	return func(lo *LockOptions) {
		lo.hold = d
	}
}

// Lock acquires the cluster-wide lock on object, queueing behind
// other holders up to the wait bound. The grant carries the hold
// expiry. Refusals come back as a *Failure.
//
// Cancelling ctx abandons the wait but not the queued request: the
// daemon may still grant the lock afterwards. A caller that gives up
// early should follow with Unlock.
func (c *Client) Lock(ctx context.Context, object string, opts ...LockOption) (*Grant, error) {
	var lo LockOptions
	for _, opt := range opts {
		opt(&lo)
	}
	req := message.New(message.CmdLock)
	req.SetTo(c.server, coordinatorService)
	req.Set(message.ParamObjectName, object)
	req.SetInt64(message.ParamPID, c.pid)
	if lo.wait > 0 {
		req.SetInt64(message.ParamTimeout, ceilSeconds(lo.wait))
	}
	if lo.hold > 0 {
		req.SetInt64(message.ParamDuration, ceilSeconds(lo.hold))
	}
	bound := c.reqTimeout
	if lo.wait > 0 {
		bound = lo.wait + replyGrace
	}
	m, err := c.roundTrip(ctx, req, bound, func(m *message.Message) bool {
		if m.Command() != message.CmdLocked && m.Command() != message.CmdLockFailed {
			return false
		}
		obj, _ := m.Get(message.ParamObjectName)
		return obj == object
	})
	if err != nil {
		return nil, err
	}
	if m.Command() == message.CmdLockFailed {
		return nil, failureFrom(m, object)
	}
	expiry, err := m.Int64(message.ParamTimeoutDate)
	if err != nil {
		return nil, fmt.Errorf("client: LOCKED without timeout_date: %w", err)
	}
	c.logger.Debug("client.locked", "object", object, "expires", expiry)
	return &Grant{Object: object, Expires: time.Unix(expiry, 0)}, nil
}

// Unlock releases the lock on object. Unlocking an object this client
// does not hold returns a *Failure with code FailureNotLocked; a hold
// that expired on its own may surface as FailureTimedOut when the
// expiry notice crosses the request.
func (c *Client) Unlock(ctx context.Context, object string) error {
	req := message.New(message.CmdUnlock)
	req.SetTo(c.server, coordinatorService)
	req.Set(message.ParamObjectName, object)
	req.SetInt64(message.ParamPID, c.pid)
	m, err := c.roundTrip(ctx, req, c.reqTimeout, func(m *message.Message) bool {
		if m.Command() != message.CmdUnlocked {
			return false
		}
		obj, ok := m.Get(message.ParamObjectName)
		return !ok || obj == "" || obj == object
	})
	if err != nil {
		return err
	}
	if code, ok := m.Get(message.ParamError); ok && code != "" {
		return failureFrom(m, object)
	}
	c.logger.Debug("client.unlocked", "object", object)
	return nil
}

func failureFrom(m *message.Message, object string) *Failure {
	code, _ := m.Get(message.ParamError)
	reason, _ := m.Get(message.ParamErrorReason)
	if obj, ok := m.Get(message.ParamObjectName); ok && obj != "" {
		object = obj
	}
	return &Failure{Object: object, Code: code, Reason: reason}
}

// ceilSeconds rounds a duration up to whole seconds for the wire.
func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
