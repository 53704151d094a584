package bakerd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"bakerd/internal/bakery"
	"bakerd/internal/clock"
	"bakerd/internal/connguard"
	"bakerd/internal/hub"
	"bakerd/internal/logfields"
	"bakerd/internal/message"
	"bakerd/internal/messenger"
	"bakerd/internal/reactor"
	"bakerd/internal/tlsutil"
	"bakerd/internal/version"
)

// Server is one bakerd daemon: a reactor loop carrying the hub, the
// lock coordinator, the outbound peer links and the optional control
// sockets.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	log      pslog.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	bundle   *tlsutil.Bundle

	comm        *reactor.Communicator
	hub         *hub.Hub
	coordinator *bakery.Coordinator
	peers       []*messenger.Messenger
	signals     *reactor.SignalConn
	control     *reactor.UDPMessage

	mu        sync.Mutex
	started   bool
	shutdown  bool
	listener  net.Listener
	telemetry *telemetryBundle
	runErr    error

	done      chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a bakerd server according to cfg.
// Example:
//
//	cfg := bakerd.Config{ServerName: "alpha", Listen: ":4411"}
//	srv, err := bakerd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		logger = logger.LogLevel(level)
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	var bundle *tlsutil.Bundle
	if cfg.BundlePath != "" {
		var err error
		bundle, err = tlsutil.LoadBundle(cfg.BundlePath)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		log:      logfields.WithServer(logfields.WithSubsystem(logger, "server"), cfg.ServerName),
		clock:    clk,
		registry: prometheus.NewRegistry(),
		bundle:   bundle,
		done:     make(chan struct{}),
		readyCh:  make(chan struct{}),
	}

	s.comm = reactor.New(
		reactor.WithLogger(logger),
		reactor.WithClock(clk),
		reactor.WithDefaultWait(cfg.RunTimeout),
		reactor.WithMetrics(reactor.NewMetrics(s.registry)),
	)

	guard := connguard.New(connguard.Config{
		Enabled:          cfg.GuardEnabled,
		FailureThreshold: cfg.GuardFailureThreshold,
		FailureWindow:    cfg.GuardFailureWindow,
		BlockDuration:    cfg.GuardBlockDuration,
	}, logger, clk)

	s.hub = hub.New(hub.Config{
		ServerName:  cfg.ServerName,
		Logger:      logger,
		Metrics:     hub.NewMetrics(s.registry),
		Guard:       guard,
		EventBudget: cfg.EventLimit,
		OnPeerUp:    func(string) { s.coordinator.Announce() },
		OnStop:      s.requestStop,
		Status:      s.decorateStatus,
	})

	s.coordinator = bakery.New(bakery.Config{
		ServerName:      cfg.ServerName,
		Sender:          s.hub,
		Logger:          logger,
		Clock:           clk,
		Metrics:         bakery.NewMetrics(s.registry),
		DefaultTimeout:  cfg.DefaultTimeout,
		MinimumTimeout:  cfg.MinimumTimeout,
		MaximumTimeout:  cfg.MaximumTimeout,
		DefaultDuration: cfg.DefaultDuration,
		MaximumDuration: cfg.MaximumDuration,
		CleanupInterval: cfg.CleanupInterval,
		OnStop:          s.requestStop,
	})
	if err := s.hub.RegisterLocal(bakery.ServiceName, s.coordinator.Table().Commands(), s.coordinator); err != nil {
		return nil, fmt.Errorf("register coordinator: %w", err)
	}

	var clientTLS *tls.Config
	if bundle != nil {
		clientTLS = bundle.ClientConfig()
	}
	for _, endpoint := range cfg.Peers {
		var m *messenger.Messenger
		// The peer's name is only known once its ACCEPT arrives; track
		// it per link so routes bind and unbind against the right one.
		var remote string
		m = messenger.New(messenger.Config{
			Name:       "peer/" + endpoint,
			Address:    endpoint,
			ServerName: cfg.ServerName,
			Pause:      cfg.ReconnectPause,
			TLS:        clientTLS,
			OnAccepted: func(remoteServer string) {
				remote = remoteServer
				s.hub.BindPeer(remoteServer, m)
			},
			OnDisconnected: func() {
				if remote != "" {
					s.hub.UnbindPeer(remote)
					remote = ""
				}
			},
			OnMessage: func(msg *message.Message) {
				s.hub.FromPeer(remote, msg)
			},
		}, nil)
		s.peers = append(s.peers, m)
	}

	s.signals = reactor.NewSignal("server.signals", s.handleSignal, syscall.SIGUSR1)

	return s, nil
}

// Start binds the listeners, attaches every component to the reactor
// and runs the loop. It blocks until Shutdown or a fatal error.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server: already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	finish := func(err error) error {
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return finish(fmt.Errorf("listen (%s): %w", s.cfg.Listen, err))
	}
	if s.bundle != nil {
		ln = tls.NewListener(ln, s.bundle.ServerConfig())
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if err := s.hub.Start(s.comm, ln); err != nil {
		ln.Close()
		return finish(err)
	}
	if err := s.coordinator.Start(s.comm); err != nil {
		ln.Close()
		return finish(err)
	}
	for _, p := range s.peers {
		if err := p.Start(s.comm); err != nil {
			ln.Close()
			return finish(err)
		}
	}
	if err := s.comm.Add(s.signals); err != nil {
		ln.Close()
		return finish(err)
	}
	if s.cfg.ControlListen != "" {
		pc, err := net.ListenPacket("udp", s.cfg.ControlListen)
		if err != nil {
			ln.Close()
			return finish(fmt.Errorf("control listen (%s): %w", s.cfg.ControlListen, err))
		}
		s.control = reactor.NewUDPMessage("server.control", pc, control{s})
		if err := s.comm.Add(s.control); err != nil {
			pc.Close()
			ln.Close()
			return finish(err)
		}
		s.log.Info("server.control.listen", "address", pc.LocalAddr().String())
	}

	telemetry, err := setupTelemetry(s.cfg.MetricsListen, s.cfg.PprofListen, s.registry, s.log)
	if err != nil {
		ln.Close()
		return finish(err)
	}
	s.mu.Lock()
	s.telemetry = telemetry
	s.mu.Unlock()

	s.signalReady()
	s.log.Info("server.listening",
		"address", ln.Addr().String(),
		"mtls", s.bundle != nil,
		"peers", len(s.peers),
		"version", version.Current())
	return finish(s.comm.Run(context.Background()))
}

// Shutdown gracefully stops the server: the coordinator fails its
// pending origin tickets, every link says QUITTING and drains, then
// the loop stops. Idempotent; nil on clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.comm.Post(func() {
			s.coordinator.Shutdown()
			for _, p := range s.peers {
				p.Shutdown()
			}
			s.hub.Shutdown()
			s.comm.Remove(s.signals)
			if s.control != nil {
				s.comm.Remove(s.control)
			}
			s.comm.Stop()
		})
		select {
		case <-s.done:
		case <-ctx.Done():
			s.comm.Stop()
			return fmt.Errorf("server: shutdown: %w", ctx.Err())
		}
	}

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	telemetry := s.telemetry
	s.telemetry = nil
	runErr := s.runErr
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
	}
	return runErr
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listeners are bound or the context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ControlAddr returns the bound UDP control address, nil when the
// control socket is off.
func (s *Server) ControlAddr() net.Addr {
	if s.control == nil {
		return nil
	}
	return s.control.LocalAddr()
}

// StartServer launches a server in a goroutine, waits for readiness
// and returns a stop function. When ctx is non-nil its cancellation
// also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		// Start failed before the listeners came up.
		if err == nil {
			err = fmt.Errorf("server: stopped before ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	case <-srv.readyCh:
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// requestStop runs on the loop when STOP arrives over a link, the
// control socket or the coordinator. The teardown posts back into the
// loop and waits, so it hops to a fresh goroutine.
func (s *Server) requestStop() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()
}

// decorateStatus extends the hub's STATUSREPLY with coordinator state.
func (s *Server) decorateStatus(reply *message.Message) {
	roster := s.coordinator.Roster()
	reply.Set(message.ParamRoster, strings.Join(roster, ","))
	reply.SetInt64(message.ParamQuorum, int64(bakery.Quorum(len(roster))))
	total := 0
	for _, n := range s.coordinator.TicketCounts() {
		total += n
	}
	reply.SetInt64(message.ParamTickets, int64(total))
	reply.SetInt64(message.ParamPID, int64(os.Getpid()))
}

func (s *Server) handleSignal(sig os.Signal) {
	s.log.Info("server.signal", "signal", sig.String())
	s.hub.DumpState()
	s.coordinator.DumpState()
}

// control adapts UDP datagrams onto the server. The socket answers
// PING and accepts STOP and DEBUG; anything else is dropped.
type control struct {
	s *Server
}

func (c control) ProcessDatagram(m *message.Message, from net.Addr) {
	c.s.controlDatagram(m, from)
}

func (s *Server) controlDatagram(m *message.Message, from net.Addr) {
	switch m.Command() {
	case message.CmdStop:
		s.log.Info("server.control.stop", "from", from.String())
		s.requestStop()
	case message.CmdPing:
		pong := message.New(message.CmdPong)
		pong.SetFrom(s.cfg.ServerName, hub.ServiceName)
		if err := s.control.SendTo(pong, from); err != nil {
			s.log.Warn("server.control.pong.fail", "error", err)
		}
	case message.CmdDebug:
		s.log.Info("server.control.debug", "from", from.String())
		s.hub.DumpState()
		s.coordinator.DumpState()
	default:
		s.log.Warn("server.control.unknown", "command", m.Command(), "from", from.String())
	}
}
