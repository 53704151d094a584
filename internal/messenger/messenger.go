// Package messenger maintains a permanent outbound link to a message
// hub. The link dials in the background so the loop never blocks on
// slow DNS or connect, and when it drops schedules a redial after a
// fixed pause. Messages sent while disconnected either fail fast or
// are cached and flushed in order once the link is back.
//
// The handshake depends on the mode. A service link registers its
// service name on establishment, answers the hub's HELP with its
// command vocabulary and waits for READY. A peer link (ServerName
// set) opens with CONNECT carrying this daemon's name and is up once
// the remote hub answers ACCEPT; REFUSE is terminal for the attempt
// and the pause timer tries again later.
package messenger

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"pkt.systems/pslog"

	"bakerd/internal/dispatch"
	"bakerd/internal/logfields"
	"bakerd/internal/message"
	"bakerd/internal/reactor"
)

// DefaultPause is the wait between reconnect attempts.
const DefaultPause = 60 * time.Second

// DefaultDialTimeout bounds one connect attempt.
const DefaultDialTimeout = 10 * time.Second

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("messenger: not connected")
	// ErrShutDown is returned once the messenger is permanently closed.
	ErrShutDown = errors.New("messenger: shut down")
)

// Dialer opens the transport. The default dials TCP and wraps the
// connection in TLS when a config is present; tests substitute pipes.
type Dialer func(addr string, timeout time.Duration, tlsConf *tls.Config) (net.Conn, error)

func defaultDialer(addr string, timeout time.Duration, tlsConf *tls.Config) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		return conn, nil
	}
	tc := tls.Client(conn, tlsConf)
	if err := tc.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

// Config describes the hub endpoint and the identity the messenger
// announces, service or peer.
type Config struct {
	// Name is the reactor connection name.
	Name string
	// Address is the hub's host:port.
	Address string
	// Service is announced in REGISTER and used as the local service
	// identity for addressed messages. Ignored in peer mode.
	Service string
	// ServerName switches the link into peer mode: the handshake
	// becomes CONNECT/ACCEPT carrying this daemon's name.
	ServerName string
	// Pause is the reconnect wait. Zero means DefaultPause.
	Pause time.Duration
	// DialTimeout bounds a connect attempt. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration
	// TLS enables a TLS client handshake when set.
	TLS *tls.Config
	// Dialer overrides the transport dial. Nil means TCP (+TLS).
	Dialer Dialer

	// OnConnected runs after the link is up and the opening REGISTER
	// or CONNECT was queued.
	OnConnected func()
	// OnConnectionFailed runs after a failed dial, before the retry
	// is scheduled.
	OnConnectionFailed func(reason error)
	// OnReady runs when the hub confirms registration with READY.
	OnReady func()
	// OnAccepted runs when the remote hub accepts a peer link, with
	// the remote server's announced name.
	OnAccepted func(remoteServer string)
	// OnDisconnected runs when an established link drops.
	OnDisconnected func()
	// OnMessage, when set, receives every inbound message the
	// handshake does not consume, instead of the dispatch table. Peer
	// links wire the hub's routing here.
	OnMessage func(m *message.Message)
}

// peerMode reports whether the link handshakes as a daemon peer.
func (c Config) peerMode() bool { return c.ServerName != "" }

type state uint8

const (
	stateDisconnected state = iota
	stateDialing
	stateConnected
	stateClosed
)

// Messenger is the permanent hub link. It registers itself as a timer
// connection whose deadline paces reconnect attempts; the transport,
// when up, is a separate message stream it owns.
type Messenger struct {
	*reactor.TimerConn
	cfg   Config
	table *dispatch.Table
	log   pslog.Logger

	comm         *reactor.Communicator
	link         *link
	state        state
	ready        bool
	remoteServer string
	pending      []*message.Message
	dialSeq      int
}

// New builds a messenger routing incoming commands through table.
// Commands the table refuses are answered with UNKNOWN. Peer links
// may pass a nil table when OnMessage takes the traffic.
func New(cfg Config, table *dispatch.Table) *Messenger {
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	if cfg.Name == "" {
		cfg.Name = "messenger/" + cfg.Address
	}
	m := &Messenger{cfg: cfg, table: table, log: pslog.NoopLogger()}
	m.TimerConn = reactor.NewTimer(cfg.Name, 0, false, m.onRetryTimer)
	return m
}

// Start registers the messenger with the communicator and begins the
// first connect attempt. Loop goroutine only.
func (m *Messenger) Start(comm *reactor.Communicator) error {
	if err := comm.Add(m); err != nil {
		return err
	}
	m.comm = comm
	m.log = logfields.WithSubsystem(comm.Logger(), "messenger").
		With("peer", m.cfg.Address)
	m.dial()
	return nil
}

// Connected reports whether the transport link is up.
func (m *Messenger) Connected() bool {
	return m.state == stateConnected
}

// Ready reports whether the hub confirmed the handshake, READY for a
// service link and ACCEPT for a peer link.
func (m *Messenger) Ready() bool { return m.ready }

// RemoteServer returns the server name an ACCEPT announced, empty
// until a peer link is up.
func (m *Messenger) RemoteServer() string { return m.remoteServer }

// Send delivers the message over the established link, or fails with
// ErrNotConnected.
func (m *Messenger) Send(msg *message.Message) error {
	if m.state == stateClosed {
		return ErrShutDown
	}
	if m.state != stateConnected || m.link == nil {
		return ErrNotConnected
	}
	return m.link.Send(msg)
}

// SendCached delivers the message now when connected, otherwise
// caches it for in-order flush once the link comes back.
func (m *Messenger) SendCached(msg *message.Message) error {
	if m.state == stateClosed {
		return ErrShutDown
	}
	if m.state == stateConnected && m.link != nil {
		return m.link.Send(msg)
	}
	m.pending = append(m.pending, msg)
	return nil
}

// Shutdown leaves the hub gracefully when connected (UNREGISTER for a
// service link, QUITTING for a peer link, then flush and close) and
// permanently stops reconnecting. The messenger removes itself from
// the communicator.
func (m *Messenger) Shutdown() {
	if m.state == stateClosed {
		return
	}
	if m.state == stateConnected && m.link != nil {
		var bye *message.Message
		if m.cfg.peerMode() {
			bye = message.New(message.CmdQuitting)
		} else {
			bye = message.New(message.CmdUnregister)
			bye.Set(message.ParamService, m.cfg.Service)
		}
		if err := m.link.Send(bye); err == nil {
			m.link.CloseAfterDrain()
		} else {
			m.comm.Remove(m.link)
		}
	}
	m.state = stateClosed
	m.ready = false
	m.pending = nil
	m.Disarm()
	if m.comm != nil {
		m.comm.Remove(m)
	}
}

func (m *Messenger) onRetryTimer(time.Time) {
	if m.state == stateDisconnected {
		m.dial()
	}
}

func (m *Messenger) dial() {
	if m.state != stateDisconnected && m.state != stateDialing {
		return
	}
	m.state = stateDialing
	m.dialSeq++
	seq := m.dialSeq
	cfg := m.cfg
	comm := m.comm
	m.log.Debug("messenger.dial.begin", "attempt", seq)
	go func() {
		conn, err := cfg.Dialer(cfg.Address, cfg.DialTimeout, cfg.TLS)
		comm.Post(func() { m.dialDone(seq, conn, err) })
	}()
}

func (m *Messenger) dialDone(seq int, conn net.Conn, err error) {
	if m.state != stateDialing || seq != m.dialSeq {
		// Superseded by Shutdown or a newer attempt.
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.state = stateDisconnected
		m.log.Warn("messenger.dial.fail", "error", err, "retry_in", m.cfg.Pause.String())
		if m.cfg.OnConnectionFailed != nil {
			m.cfg.OnConnectionFailed(err)
		}
		m.RescheduleIn(m.cfg.Pause)
		return
	}

	l := &link{m: m}
	l.MessageStream = reactor.NewMessageStream(m.cfg.Name+"/link", conn)
	if err := m.comm.Add(l); err != nil {
		conn.Close()
		m.state = stateDisconnected
		m.RescheduleIn(m.cfg.Pause)
		return
	}
	m.link = l
	m.state = stateConnected
	m.log.Info("messenger.link.up")

	var hello *message.Message
	if m.cfg.peerMode() {
		hello = message.New(message.CmdConnect)
		hello.Set(message.ParamServerName, m.cfg.ServerName)
	} else {
		hello = message.New(message.CmdRegister)
		hello.Set(message.ParamService, m.cfg.Service)
	}
	hello.Set(message.ParamVersion, message.ProtocolVersion)
	if err := l.Send(hello); err != nil {
		m.linkLost(l, err)
		return
	}
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected()
	}
	m.flushPending()
}

func (m *Messenger) flushPending() {
	pending := m.pending
	m.pending = nil
	for _, msg := range pending {
		if m.state != stateConnected || m.link == nil {
			// Link died mid-flush; keep the rest for next time.
			m.pending = append(m.pending, msg)
			continue
		}
		if err := m.link.Send(msg); err != nil {
			m.pending = append(m.pending, msg)
		}
	}
}

func (m *Messenger) linkLost(l *link, err error) {
	if m.link != l {
		return
	}
	m.comm.Remove(l)
	m.link = nil
	m.ready = false
	m.remoteServer = ""
	if m.state == stateClosed {
		return
	}
	m.state = stateDisconnected
	if err != nil {
		m.log.Warn("messenger.link.down", "error", err, "retry_in", m.cfg.Pause.String())
	} else {
		m.log.Info("messenger.link.down", "retry_in", m.cfg.Pause.String())
	}
	if m.cfg.OnDisconnected != nil {
		m.cfg.OnDisconnected()
	}
	m.RescheduleIn(m.cfg.Pause)
}

func (m *Messenger) processMessage(msg *message.Message) {
	switch msg.Command() {
	case message.CmdHelp:
		if m.table == nil {
			return
		}
		reply := m.table.CommandsReply(msg)
		if err := m.Send(reply); err != nil {
			m.log.Warn("messenger.help.reply.fail", "error", err)
		}
		return
	case message.CmdReady:
		m.ready = true
		m.log.Debug("messenger.ready")
		if m.cfg.OnReady != nil {
			m.cfg.OnReady()
		}
		return
	case message.CmdAccept:
		name, _ := msg.Get(message.ParamServerName)
		m.ready = true
		m.remoteServer = name
		m.log.Info("messenger.peer.accepted", "peer_server", name)
		if m.cfg.OnAccepted != nil {
			m.cfg.OnAccepted(name)
		}
		return
	case message.CmdRefuse:
		reason, _ := msg.Get(message.ParamError)
		// The hub closes the link; the hangup schedules the retry.
		m.log.Warn("messenger.refused", "error", reason)
		return
	case message.CmdUnknown, message.CmdInvalid:
		// Never answer a refusal with a refusal.
		m.log.Warn("messenger.msg.refused.echo", "command", msg.Command())
		return
	}
	if m.cfg.OnMessage != nil {
		m.cfg.OnMessage(msg)
		return
	}
	if m.table != nil && m.table.Dispatch(msg) {
		return
	}
	m.log.Warn("messenger.msg.refused", "command", msg.Command())
	if err := m.Send(dispatch.Unknown(msg)); err != nil {
		m.log.Warn("messenger.unknown.reply.fail", "error", err)
	}
}

// link is the transport connection; it forwards everything to its
// messenger.
type link struct {
	*reactor.MessageStream
	m *Messenger
}

func (l *link) ProcessMessage(msg *message.Message) { l.m.processMessage(msg) }

func (l *link) ProcessError(err error) {
	l.m.log.Warn("messenger.link.error", "error", err)
}

func (l *link) ProcessHangup() { l.m.linkLost(l, nil) }

func (l *link) ProcessInvalid(line string, err error) {
	l.m.log.Warn("messenger.msg.invalid", "error", err)
}
