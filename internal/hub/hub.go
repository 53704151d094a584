// Package hub implements the message router every daemon runs: one
// listener whose accepted connections handshake into either peer links
// (CONNECT/ACCEPT, another daemon) or service links (REGISTER, HELP,
// COMMANDS, READY; local tools and clients), plus in-process services
// such as the lock coordinator. Messages are routed by their
// destination address: the local server name delivers to a registered
// service, a peer name forwards over that peer's link, and the
// wildcard server fans out to every peer in addition to local
// delivery. A broadcast arriving from a peer is delivered locally
// only, never forwarded again, so a full mesh cannot storm.
//
// The hub answers its own small vocabulary (STATUS, PING, DEBUG,
// HELP, STOP, UNREGISTER) for messages carrying no destination, and
// synthesizes DISCONNECTED or HANGUP to every local service whose
// vocabulary includes them when the last route to a peer is gone.
package hub

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"bakerd/internal/clock"
	"bakerd/internal/connguard"
	"bakerd/internal/dispatch"
	"bakerd/internal/logfields"
	"bakerd/internal/message"
	"bakerd/internal/reactor"
	"bakerd/internal/version"
)

// ServiceName is the hub's own service identity in From stamps and
// synthesized messages.
const ServiceName = "hub"

// DefaultHandshakeTimeout bounds how long an accepted connection may
// take to complete its handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// hubVocabulary answers HELP on unaddressed links.
var hubVocabulary = strings.Join([]string{
	message.CmdDebug,
	message.CmdHelp,
	message.CmdPing,
	message.CmdStatus,
	message.CmdStop,
	message.CmdUnregister,
}, ",")

// PeerSender delivers one message toward a peer daemon. Outbound
// messenger links and inbound peer connections both satisfy it.
type PeerSender interface {
	Send(m *message.Message) error
}

// Config carries the hub's dependencies and knobs. ServerName is
// required; everything else has a default or may stay nil.
type Config struct {
	ServerName string
	Logger     pslog.Logger
	Metrics    *Metrics
	Guard      *connguard.Guard

	// HandshakeTimeout bounds the CONNECT/REGISTER exchange.
	HandshakeTimeout time.Duration

	// EventBudget caps how many queued events one accepted connection
	// may consume per reactor pass. Zero keeps the reactor default.
	EventBudget int

	// OnPeerUp runs when a peer gains a route, inbound or outbound.
	// The daemon wires the coordinator's LOCKREADY announcement here.
	OnPeerUp func(server string)
	// OnStop runs when a STOP reaches the hub's own vocabulary.
	OnStop func()
	// OnDebug runs on DEBUG, after the hub logged its own dump.
	OnDebug func()
	// Status may decorate STATUSREPLY with additional fields.
	Status func(reply *message.Message)
}

// localService is a routable destination on this server: a socket
// link for registered tools and clients, or an in-process handler for
// the coordinator.
type localService struct {
	name    string
	conn    *conn
	handler reactor.MessageHandler
	vocab   map[string]struct{}
}

func (s *localService) understands(command string) bool {
	_, ok := s.vocab[command]
	return ok
}

// peerLink tracks the routes to one peer daemon. An outbound
// messenger is preferred; the inbound connection is the fallback, so
// a single TCP link between two daemons carries both directions.
type peerLink struct {
	out PeerSender
	in  *conn
}

// Hub routes messages for one daemon. It is not safe for concurrent
// use; the reactor loop is the only caller.
type Hub struct {
	cfg     Config
	log     pslog.Logger
	clk     clock.Clock
	metrics *Metrics
	comm    *reactor.Communicator

	conns    map[*conn]struct{}
	services map[string]*localService
	peers    map[string]*peerLink

	acceptor *acceptor
	sweep    *reactor.TimerConn
	started  time.Time
	closing  bool
}

// New constructs a Hub ready for Start.
func New(cfg Config) *Hub {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Hub{
		cfg:      cfg,
		log:      logfields.WithServer(logfields.WithSubsystem(cfg.Logger, "hub"), cfg.ServerName),
		clk:      clock.Real{},
		metrics:  cfg.Metrics,
		conns:    make(map[*conn]struct{}),
		services: make(map[string]*localService),
		peers:    make(map[string]*peerLink),
	}
}

// Start attaches the hub to the loop and begins accepting on ln. The
// handshake sweep timer is armed against the communicator's clock.
func (h *Hub) Start(comm *reactor.Communicator, ln net.Listener) error {
	h.comm = comm
	h.clk = comm.Clock()
	h.started = h.clk.Now()
	if ln != nil {
		h.acceptor = &acceptor{ListenerConn: reactor.NewListener("hub.listener", ln), hub: h}
		if err := comm.Add(h.acceptor); err != nil {
			return err
		}
		h.log.Info("hub.listen", "address", ln.Addr().String())
	}
	period := h.cfg.HandshakeTimeout / 2
	if period < time.Second {
		period = time.Second
	}
	h.sweep = reactor.NewTimer("hub.handshake.sweep", period, true, h.sweepHandshakes)
	return comm.Add(h.sweep)
}

// RegisterLocal adds an in-process service. Its vocabulary gates
// DISCONNECTED/HANGUP synthesis the same way a socket service's
// COMMANDS answer does.
func (h *Hub) RegisterLocal(service string, vocab []string, handler reactor.MessageHandler) error {
	if service == "" || service == ServiceName {
		return fmt.Errorf("hub: unusable service name %q", service)
	}
	if h.services[service] != nil {
		return fmt.Errorf("hub: service already registered: %s", service)
	}
	set := make(map[string]struct{}, len(vocab))
	for _, cmd := range vocab {
		set[cmd] = struct{}{}
	}
	h.services[service] = &localService{name: service, handler: handler, vocab: set}
	h.metrics.Services.Set(float64(len(h.services)))
	h.log.Info("hub.service.up", "service", service, "transport", "local")
	return nil
}

// Send routes a message originated by this daemon. The caller stamps
// From; bakery.Sender is satisfied so the coordinator plugs straight
// in.
func (h *Hub) Send(m *message.Message) error {
	h.route(m, false)
	return nil
}

// FromPeer routes a message received on an outbound peer link. The
// daemon wires each messenger's inbound traffic here.
func (h *Hub) FromPeer(peer string, m *message.Message) {
	h.metrics.Routed.WithLabelValues("ingress").Inc()
	h.log.Trace("hub.peer.recv", "peer", peer, "command", m.Command())
	h.route(m, true)
}

// BindPeer installs an outbound route to the named peer, replacing
// any previous one. The inbound link, when present, stays as
// fallback.
func (h *Hub) BindPeer(name string, out PeerSender) {
	if name == "" || name == h.cfg.ServerName || out == nil {
		h.log.Warn("hub.peer.bind.refused", "peer", name)
		return
	}
	pl := h.peers[name]
	if pl == nil {
		pl = &peerLink{}
		h.peers[name] = pl
	}
	pl.out = out
	h.metrics.Peers.Set(float64(len(h.peers)))
	h.log.Info("hub.peer.up", "peer", name, "route", "outbound")
	if h.cfg.OnPeerUp != nil {
		h.cfg.OnPeerUp(name)
	}
}

// UnbindPeer removes the outbound route. When no inbound link
// remains, the peer is gone and DISCONNECTED is synthesized.
func (h *Hub) UnbindPeer(name string) {
	pl := h.peers[name]
	if pl == nil || pl.out == nil {
		return
	}
	pl.out = nil
	if pl.in != nil {
		h.log.Info("hub.peer.route.lost", "peer", name, "route", "outbound")
		return
	}
	delete(h.peers, name)
	h.peerDown(name, message.CmdDisconnected)
}

// Peers returns the sorted names of peers with a live route.
func (h *Hub) Peers() []string {
	return sortedNames(h.peers)
}

// Services returns the sorted names of registered local services.
func (h *Hub) Services() []string {
	return sortedNames(h.services)
}

// Shutdown tells every established link QUITTING and drains it shut.
// Half-open handshakes are dropped, the listener closed, and no
// DISCONNECTED/HANGUP is synthesized for the teardown.
func (h *Hub) Shutdown() {
	if h.closing {
		return
	}
	h.closing = true
	h.log.Info("hub.shutdown", "connections", len(h.conns))
	bye := message.New(message.CmdQuitting)
	bye.SetFrom(h.cfg.ServerName, ServiceName)
	for c := range h.conns {
		switch c.state {
		case connPeer, connService:
			if err := c.Send(bye); err == nil {
				c.CloseAfterDrain()
			} else {
				h.dropConn(c)
			}
		default:
			h.dropConn(c)
		}
	}
	if h.sweep != nil {
		h.sweep.Disarm()
	}
	if h.acceptor != nil {
		h.comm.Remove(h.acceptor)
		h.acceptor = nil
	}
}

// DumpState logs every connection, for SIGUSR1 and DEBUG.
func (h *Hub) DumpState() {
	h.log.Info("hub.dump",
		"connections", len(h.conns),
		"services", strings.Join(h.Services(), ","),
		"peers", strings.Join(h.Peers(), ","))
	for c := range h.conns {
		h.log.Info("hub.dump.conn",
			"serial", c.serial,
			"remote", c.remote,
			"state", c.state.String(),
			"peer", c.peerName,
			"service", c.service)
	}
}

// accepted runs for every socket the listener hands over.
func (h *Hub) accepted(nc net.Conn) {
	remote := ""
	if addr := nc.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if h.closing {
		nc.Close()
		return
	}
	if h.cfg.Guard.Blocked(remote) {
		h.metrics.Dropped.WithLabelValues("blocked").Inc()
		nc.Close()
		return
	}
	c := newConn(h, nc, xid.New().String(), remote, h.clk.Now().Add(h.cfg.HandshakeTimeout))
	if h.cfg.EventBudget > 0 {
		c.SetEventBudget(h.cfg.EventBudget)
	}
	if err := h.comm.Add(c); err != nil {
		nc.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.metrics.Connections.Set(float64(len(h.conns)))
	h.log.Debug("hub.accept", "serial", c.serial, "remote", remote)
}

// fromConn is the single entry point for every line a socket link
// parsed.
func (h *Hub) fromConn(c *conn, m *message.Message) {
	switch c.state {
	case connPending:
		h.handshake(c, m)
	case connVocab:
		if m.Command() == message.CmdCommands {
			h.vocabReceived(c, m)
			return
		}
		h.fromServiceConn(c, m)
	case connService:
		h.fromServiceConn(c, m)
	case connPeer:
		h.metrics.Routed.WithLabelValues("ingress").Inc()
		h.route(m, true)
	}
}

// handshake consumes the first line of a pending connection.
func (h *Hub) handshake(c *conn, m *message.Message) {
	switch m.Command() {
	case message.CmdConnect:
		h.peerConnect(c, m)
	case message.CmdRegister:
		h.register(c, m)
	case message.CmdQuitting:
		// A daemon giving up mid-dial; nothing was established.
		h.dropConn(c)
	default:
		h.refuse(c, "handshake required, got "+m.Command())
	}
}

// peerConnect establishes an inbound peer link. A second CONNECT for
// the same server name replaces the first: the newer link is the one
// the remote daemon can still write to.
func (h *Hub) peerConnect(c *conn, m *message.Message) {
	name, _ := m.Get(message.ParamServerName)
	ver, _ := m.Get(message.ParamVersion)
	switch {
	case name == "":
		h.refuse(c, "server_name required")
		return
	case name == h.cfg.ServerName:
		h.refuse(c, "server name conflict: "+name)
		return
	case ver != message.ProtocolVersion:
		h.refuse(c, "protocol version mismatch: "+ver)
		return
	}
	pl := h.peers[name]
	if pl == nil {
		pl = &peerLink{}
		h.peers[name] = pl
	}
	if old := pl.in; old != nil && old != c {
		h.log.Info("hub.peer.replaced", "peer", name, "serial", old.serial)
		old.peerName = ""
		h.unlink(old)
		old.CloseAfterDrain()
	}
	pl.in = c
	c.state = connPeer
	c.peerName = name
	c.deadline = time.Time{}

	accept := message.New(message.CmdAccept)
	accept.Set(message.ParamServerName, h.cfg.ServerName)
	accept.Set(message.ParamVersion, message.ProtocolVersion)
	if err := c.Send(accept); err != nil {
		h.dropConn(c)
		return
	}
	h.cfg.Guard.Forgive(c.remote)
	h.metrics.Peers.Set(float64(len(h.peers)))
	h.log.Info("hub.peer.up", "peer", name, "route", "inbound", "serial", c.serial)
	if h.cfg.OnPeerUp != nil {
		h.cfg.OnPeerUp(name)
	}
}

// register claims the service name and asks for the vocabulary. The
// link may carry traffic already; READY follows the COMMANDS answer.
func (h *Hub) register(c *conn, m *message.Message) {
	svc, _ := m.Get(message.ParamService)
	ver, _ := m.Get(message.ParamVersion)
	switch {
	case svc == "" || svc == ServiceName:
		h.refuse(c, "unusable service name")
		return
	case ver != message.ProtocolVersion:
		h.refuse(c, "protocol version mismatch: "+ver)
		return
	case h.services[svc] != nil:
		h.refuse(c, "service already registered: "+svc)
		return
	}
	c.state = connVocab
	c.service = svc
	h.services[svc] = &localService{name: svc, conn: c}
	h.metrics.Services.Set(float64(len(h.services)))
	if err := c.Send(message.New(message.CmdHelp)); err != nil {
		h.dropConn(c)
		return
	}
	h.log.Debug("hub.register", "service", svc, "serial", c.serial)
}

// vocabReceived completes a service registration.
func (h *Hub) vocabReceived(c *conn, m *message.Message) {
	list, _ := m.Get(message.ParamCommands)
	c.vocab = make(map[string]struct{})
	for _, cmd := range strings.Split(list, ",") {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			c.vocab[cmd] = struct{}{}
		}
	}
	if svc := h.services[c.service]; svc != nil && svc.conn == c {
		svc.vocab = c.vocab
	}
	c.state = connService
	c.deadline = time.Time{}

	ready := message.New(message.CmdReady)
	ready.Set(message.ParamServerName, h.cfg.ServerName)
	if err := c.Send(ready); err != nil {
		h.dropConn(c)
		return
	}
	h.cfg.Guard.Forgive(c.remote)
	h.log.Info("hub.service.up", "service", c.service, "transport", "socket",
		"serial", c.serial, "commands", len(c.vocab))
}

// fromServiceConn stamps the true source address on everything a
// service link sends, then routes it. A message without a destination
// is for the hub itself.
func (h *Hub) fromServiceConn(c *conn, m *message.Message) {
	m.SetFrom(h.cfg.ServerName, c.service)
	toServer, toService := m.To()
	if toServer == "" && toService == "" {
		h.hubCommand(c, m)
		return
	}
	h.metrics.Routed.WithLabelValues("ingress").Inc()
	h.route(m, false)
}

// route delivers one addressed message. fromPeer marks traffic that
// already crossed a daemon boundary: it is never forwarded again.
func (h *Hub) route(m *message.Message, fromPeer bool) {
	toServer, toService := m.To()
	switch {
	case toServer == message.Broadcast:
		if !fromPeer {
			h.fanout(m)
		}
		h.deliverLocal(m, toService)
	case toServer == h.cfg.ServerName || toServer == "":
		h.deliverLocal(m, toService)
	case fromPeer:
		h.metrics.Dropped.WithLabelValues("relay").Inc()
		h.log.Debug("hub.route.relay.refused",
			"to", toServer+":"+toService, "command", m.Command())
	default:
		pl := h.peers[toServer]
		if pl == nil {
			h.metrics.Dropped.WithLabelValues("no_route").Inc()
			h.log.Debug("hub.route.miss",
				"to", toServer+":"+toService, "command", m.Command())
			return
		}
		h.metrics.Routed.WithLabelValues("peer").Inc()
		h.sendPeer(toServer, pl, m)
	}
}

// fanout clones a broadcast to every peer. The destination stays the
// wildcard so receivers can tell replicated traffic from directed.
func (h *Hub) fanout(m *message.Message) {
	for _, name := range sortedNames(h.peers) {
		h.metrics.Routed.WithLabelValues("peer").Inc()
		h.sendPeer(name, h.peers[name], m.Clone())
	}
}

func (h *Hub) sendPeer(name string, pl *peerLink, m *message.Message) {
	var err error
	switch {
	case pl.out != nil:
		err = pl.out.Send(m)
	case pl.in != nil:
		err = pl.in.Send(m)
	}
	if err != nil {
		h.metrics.Dropped.WithLabelValues("send_fail").Inc()
		h.log.Warn("hub.peer.send.fail", "peer", name, "command", m.Command(), "error", err)
	}
}

// deliverLocal hands a message to the named local service. An empty
// or hub service name is the hub's own vocabulary.
func (h *Hub) deliverLocal(m *message.Message, service string) {
	if service == "" || service == ServiceName {
		h.hubCommand(nil, m)
		return
	}
	svc := h.services[service]
	if svc == nil {
		h.metrics.Dropped.WithLabelValues("no_service").Inc()
		h.log.Debug("hub.deliver.miss", "service", service, "command", m.Command())
		return
	}
	h.metrics.Routed.WithLabelValues("local").Inc()
	if svc.handler != nil {
		svc.handler.ProcessMessage(m)
		return
	}
	if err := svc.conn.Send(m); err != nil {
		h.metrics.Dropped.WithLabelValues("send_fail").Inc()
		h.log.Warn("hub.deliver.fail", "service", service, "command", m.Command(), "error", err)
	}
}

// hubCommand answers the hub's own vocabulary. c is the originating
// socket when there is one; replies without a routable destination go
// straight back over it.
func (h *Hub) hubCommand(c *conn, m *message.Message) {
	switch m.Command() {
	case message.CmdStatus:
		h.statusRequest(c, m)
	case message.CmdPing:
		h.answer(c, m.Reply(message.CmdPong))
	case message.CmdHelp:
		reply := m.Reply(message.CmdCommands)
		reply.Set(message.ParamCommands, hubVocabulary)
		h.answer(c, reply)
	case message.CmdStop:
		fromServer, fromService := m.From()
		h.log.Info("hub.stop", "from", fromServer+":"+fromService)
		if h.cfg.OnStop != nil {
			h.cfg.OnStop()
		}
	case message.CmdDebug:
		h.DumpState()
		if h.cfg.OnDebug != nil {
			h.cfg.OnDebug()
		}
	case message.CmdUnregister:
		h.unregister(c, m)
	case message.CmdQuitting:
		if c != nil && c.state == connPeer {
			// The peer will close; the hangup does the bookkeeping.
			h.log.Info("hub.peer.quitting", "peer", c.peerName)
		}
	case message.CmdUnknown, message.CmdInvalid:
		// Never answer a refusal with a refusal.
		h.log.Debug("hub.msg.refused.echo", "command", m.Command())
	default:
		h.log.Debug("hub.msg.refused", "command", m.Command())
		h.answer(c, dispatch.Unknown(m))
	}
}

func (h *Hub) statusRequest(c *conn, m *message.Message) {
	reply := m.Reply(message.CmdStatusReply)
	reply.Set(message.ParamServerName, h.cfg.ServerName)
	reply.Set(message.ParamVersion, version.Current())
	reply.SetInt64(message.ParamUptime, int64(h.clk.Now().Sub(h.started)/time.Second))
	reply.SetInt64(message.ParamConnections, int64(len(h.conns)))
	reply.Set(message.ParamServices, strings.Join(h.Services(), ","))
	reply.Set(message.ParamPeers, strings.Join(h.Peers(), ","))
	if h.cfg.Status != nil {
		h.cfg.Status(reply)
	}
	h.answer(c, reply)
}

// unregister releases a service link on its own request. No HANGUP is
// synthesized; only peers get loss notices.
func (h *Hub) unregister(c *conn, m *message.Message) {
	if c == nil || (c.state != connService && c.state != connVocab) {
		return
	}
	if svc, ok := m.Get(message.ParamService); ok && svc != c.service {
		h.log.Debug("hub.unregister.mismatch", "service", svc, "registered", c.service)
		return
	}
	h.log.Info("hub.service.unregister", "service", c.service, "serial", c.serial)
	h.unlink(c)
	c.CloseAfterDrain()
}

// answer routes a reply when it carries a destination and otherwise
// falls back to the originating socket.
func (h *Hub) answer(c *conn, reply *message.Message) {
	reply.SetFrom(h.cfg.ServerName, ServiceName)
	if toServer, toService := reply.To(); toServer != "" || toService != "" {
		h.route(reply, false)
		return
	}
	if c == nil {
		h.metrics.Dropped.WithLabelValues("no_return").Inc()
		h.log.Debug("hub.answer.dropped", "command", reply.Command())
		return
	}
	if err := c.Send(reply); err != nil {
		h.log.Warn("hub.answer.fail", "serial", c.serial, "command", reply.Command(), "error", err)
	}
}

// invalidLine reacts to a parse failure. Before the handshake it is
// treated as abuse: the guard hears about it and the socket closes.
func (h *Hub) invalidLine(c *conn, err error) {
	h.metrics.Invalid.Inc()
	h.log.Warn("hub.msg.invalid", "serial", c.serial, "remote", c.remote, "error", err)
	pre := c.state == connPending || c.state == connVocab
	if pre {
		h.guardFailure(c, "invalid line before handshake")
	}
	reply := message.New(message.CmdInvalid)
	reply.SetFrom(h.cfg.ServerName, ServiceName)
	reply.Set(message.ParamError, err.Error())
	if serr := c.Send(reply); serr != nil {
		return
	}
	if pre {
		h.unlink(c)
		c.CloseAfterDrain()
	}
}

// refuse answers REFUSE, charges the guard, and drains the socket
// shut.
func (h *Hub) refuse(c *conn, reason string) {
	h.metrics.Refused.Inc()
	h.log.Info("hub.refuse", "serial", c.serial, "remote", c.remote, "reason", reason)
	reply := message.New(message.CmdRefuse)
	reply.Set(message.ParamError, reason)
	h.guardFailure(c, reason)
	h.unlink(c)
	if err := c.Send(reply); err != nil {
		h.comm.Remove(c)
		return
	}
	c.CloseAfterDrain()
}

func (h *Hub) guardFailure(c *conn, reason string) {
	h.cfg.Guard.Failure(c.remote, reason)
}

// sweepHandshakes cuts connections that never completed their
// handshake inside the allowed window.
func (h *Hub) sweepHandshakes(now time.Time) {
	for c := range h.conns {
		if c.deadline.IsZero() || c.deadline.After(now) {
			continue
		}
		h.log.Info("hub.handshake.timeout", "serial", c.serial, "remote", c.remote,
			"state", c.state.String())
		h.guardFailure(c, "handshake timeout")
		h.dropConn(c)
	}
}

// connGone is the hangup path for every socket. Connections already
// unlinked (refused, replaced, unregistered) only need the reactor
// removal.
func (h *Hub) connGone(c *conn) {
	if _, tracked := h.conns[c]; !tracked {
		h.comm.Remove(c)
		return
	}
	h.log.Debug("hub.conn.gone", "serial", c.serial, "remote", c.remote, "state", c.state.String())
	h.dropConn(c)
}

// dropConn unlinks and removes a socket immediately.
func (h *Hub) dropConn(c *conn) {
	h.unlink(c)
	h.comm.Remove(c)
}

// unlink takes a socket out of the routing tables, releasing its
// service name or peer route and synthesizing the loss where one
// matters. The reactor registration is left to the caller.
func (h *Hub) unlink(c *conn) {
	if _, tracked := h.conns[c]; !tracked {
		return
	}
	delete(h.conns, c)
	h.metrics.Connections.Set(float64(len(h.conns)))
	if c.service != "" {
		if svc := h.services[c.service]; svc != nil && svc.conn == c {
			delete(h.services, c.service)
			h.metrics.Services.Set(float64(len(h.services)))
			h.log.Info("hub.service.down", "service", c.service, "serial", c.serial)
		}
	}
	if c.peerName != "" {
		if pl := h.peers[c.peerName]; pl != nil && pl.in == c {
			pl.in = nil
			if pl.out == nil {
				delete(h.peers, c.peerName)
				h.peerDown(c.peerName, message.CmdHangup)
			} else {
				h.log.Info("hub.peer.route.lost", "peer", c.peerName, "route", "inbound")
			}
		}
	}
}

// peerDown records the loss of the last route to a peer and tells
// every local service that understands the notice.
func (h *Hub) peerDown(name, cmd string) {
	h.metrics.Peers.Set(float64(len(h.peers)))
	if h.closing {
		return
	}
	h.log.Info("hub.peer.down", "peer", name, "notice", cmd)
	h.synthesize(cmd, name)
}

// synthesize delivers a hub-made notice to every local service whose
// vocabulary includes the command.
func (h *Hub) synthesize(cmd, serverName string) {
	for _, name := range sortedNames(h.services) {
		svc := h.services[name]
		if !svc.understands(cmd) {
			continue
		}
		m := message.New(cmd)
		m.SetFrom(h.cfg.ServerName, ServiceName)
		m.SetTo(h.cfg.ServerName, svc.name)
		m.Set(message.ParamServerName, serverName)
		h.metrics.Routed.WithLabelValues("local").Inc()
		if svc.handler != nil {
			svc.handler.ProcessMessage(m)
			continue
		}
		if err := svc.conn.Send(m); err != nil {
			h.log.Warn("hub.deliver.fail", "service", svc.name, "command", cmd, "error", err)
		}
	}
}

// acceptor feeds the listener's sockets into the hub.
type acceptor struct {
	*reactor.ListenerConn
	hub *Hub
}

func (a *acceptor) ProcessAccept(nc net.Conn) { a.hub.accepted(nc) }

func (a *acceptor) ProcessError(err error) {
	a.hub.log.Warn("hub.listen.error", "error", err)
}

func (a *acceptor) ProcessHangup() {
	a.hub.log.Error("hub.listen.lost")
	a.hub.comm.Remove(a)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
