package bakerd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// TestServer runs one daemon on an ephemeral port for tests. Construct
// it with StartTestServer, which also registers cleanup, or with
// NewTestServer when the caller wants to control shutdown itself.
type TestServer struct {
	Server   *Server
	Listener net.Addr
	Config   Config

	stop func(context.Context) error
}

// Stop shuts the daemon down using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Addr returns the TCP address the daemon accepted its listener on.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// ControlAddr returns the UDP control address, nil when the control
// socket is off.
func (ts *TestServer) ControlAddr() net.Addr {
	if ts == nil || ts.Server == nil {
		return nil
	}
	return ts.Server.ControlAddr()
}

// tbLogWriter feeds structured log lines into testing.TB so daemon
// logs interleave with test output. Writes after the test finished are
// swallowed: reactor goroutines may still be draining while the
// framework tears the test down.
type tbLogWriter struct {
	tb     testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *tbLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.logLine(string(line))
		}
	}
	return len(p), nil
}

// logLine absorbs the testing package's late-log panics, which race
// the daemon's shutdown drain by construction.
func (w *tbLogWriter) logLine(line string) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		msg := fmt.Sprint(r)
		if strings.Contains(msg, "Log in goroutine after") ||
			strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
			return
		}
		panic(r)
	}()
	w.tb.Helper()
	w.tb.Log(line)
}

func (w *tbLogWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a pslog logger that writes through the
// test's own log, silenced once the test completes.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &tbLogWriter{tb: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

type testServerOptions struct {
	cfg          Config
	cfgExplicit  bool
	mutate       []func(*Config)
	logger       pslog.Logger
	startTimeout time.Duration
	tb           testing.TB
	tbLevel      pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the whole config. Empty fields still fall
// back to test defaults and then to Validate's.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
		o.cfgExplicit = true
	}
}

// WithTestConfigFunc mutates the config before the daemon starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutate = append(o.mutate, fn)
		}
	}
}

// WithTestServerName overrides the cluster-visible server name.
func WithTestServerName(name string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ServerName = name
	})
}

// WithTestListen overrides the listen address.
func WithTestListen(address string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Listen = address
	})
}

// WithTestPeers dials out to the given peer endpoints.
func WithTestPeers(endpoints ...string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Peers = append(cfg.Peers, endpoints...)
	})
}

// WithTestControl enables the UDP control socket on an ephemeral port.
func WithTestControl() TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ControlListen = "127.0.0.1:0"
	})
}

// WithTestBundle points the daemon at a TLS bundle so it serves mTLS.
func WithTestBundle(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.BundlePath = path
	})
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestStartTimeout bounds the wait for the daemon to become ready.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestLoggerFromTB routes daemon logs into the test at the given
// level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.tb = t
		o.tbLevel = level
	}
}

// WithTestLoggerTB routes daemon logs into the test at Debug.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestServer starts a daemon and waits for it to accept connections.
// The caller owns shutdown via Stop.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		startTimeout: 5 * time.Second,
		tbLevel:      pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	if !options.cfgExplicit {
		cfg = Config{}
	}
	for _, fn := range options.mutate {
		fn(&cfg)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "test"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.ReconnectPause <= 0 {
		// Tests that kill one daemon of a pair want the redial quickly.
		cfg.ReconnectPause = 500 * time.Millisecond
	}

	logger := options.logger
	if logger == nil {
		if options.tb != nil {
			logger = NewTestingLogger(options.tb, options.tbLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	results := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(serverCtx, cfg, WithLogger(logger))
		results <- startResult{srv: srv, stop: stop, err: err}
	}()

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if options.startTimeout > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(waitCtx, options.startTimeout)
		defer cancelWait()
	}

	var res startResult
	select {
	case res = <-results:
	case <-waitCtx.Done():
		cancel()
		res = <-results
		if res.err == nil {
			res.err = fmt.Errorf("test server start: %w", waitCtx.Err())
		}
	}
	if res.err != nil {
		cancel()
		return nil, res.err
	}

	stop := func(stopCtx context.Context) error {
		cancel()
		return res.stop(stopCtx)
	}
	addr := res.srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}

	return &TestServer{
		Server:   res.srv,
		Listener: addr,
		Config:   cfg,
		stop:     stop,
	}, nil
}

// StartTestServer starts a daemon, fails the test when it cannot, and
// stops it again in cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}
