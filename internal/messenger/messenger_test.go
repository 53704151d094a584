package messenger

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"bakerd/internal/clock"
	"bakerd/internal/dispatch"
	"bakerd/internal/message"
	"bakerd/internal/reactor"
)

// scriptDialer fails a configured number of attempts, then hands out
// pipe transports; the hub ends arrive on Conns for the test to drive.
type scriptDialer struct {
	mu    sync.Mutex
	fails int
	Conns chan net.Conn
}

func newScriptDialer(fails int) *scriptDialer {
	return &scriptDialer{fails: fails, Conns: make(chan net.Conn, 4)}
}

func (d *scriptDialer) dial(string, time.Duration, *tls.Config) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	local, hub := net.Pipe()
	d.Conns <- hub
	return local, nil
}

type harness struct {
	t    *testing.T
	mc   *clock.Manual
	comm *reactor.Communicator
	m    *Messenger
	d    *scriptDialer
	done chan error

	connected    int
	failed       int
	ready        int
	disconnected int
}

func newHarness(t *testing.T, fails int, table *dispatch.Table) *harness {
	t.Helper()
	return newHarnessCfg(t, fails, table, nil)
}

func newHarnessCfg(t *testing.T, fails int, table *dispatch.Table, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		mc:   clock.NewManual(time.Unix(5000, 0)),
		d:    newScriptDialer(fails),
		done: make(chan error, 1),
	}
	h.comm = reactor.New(reactor.WithClock(h.mc))
	// Keep the loop alive across link teardown, like the daemon's
	// always-present listener does.
	if err := h.comm.Add(reactor.NewInbox("keepalive", nil)); err != nil {
		t.Fatalf("expected keepalive add to succeed, got %v", err)
	}
	if table == nil {
		table = dispatch.NewTable()
	}
	cfg := Config{
		Name:               "hub",
		Address:            "hub.test:4411",
		Service:            "tester",
		Pause:              5 * time.Second,
		Dialer:             h.d.dial,
		OnConnected:        func() { h.connected++ },
		OnConnectionFailed: func(error) { h.failed++ },
		OnReady:            func() { h.ready++ },
		OnDisconnected:     func() { h.disconnected++ },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = New(cfg, table)
	if err := h.m.Start(h.comm); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	go func() { h.done <- h.comm.Run(context.Background()) }()
	return h
}

func (h *harness) stop() {
	h.comm.Stop()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("expected loop to stop")
	}
}

// barrier runs fn on the loop goroutine and waits for it.
func (h *harness) barrier(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.comm.Post(func() {
		if fn != nil {
			fn()
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("expected posted function to run")
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok := false
		h.barrier(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("expected %s", what)
}

// advance steps the manual clock until cond holds on the loop.
func (h *harness) advanceUntil(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mc.Advance(time.Second)
		ok := false
		h.barrier(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("expected %s", what)
}

func (h *harness) hubConn() (net.Conn, *bufio.Reader) {
	h.t.Helper()
	select {
	case c := <-h.d.Conns:
		return c, bufio.NewReader(c)
	case <-time.After(2 * time.Second):
		h.t.Fatalf("expected a dial to reach the hub")
		return nil, nil
	}
}

func readMsg(t *testing.T, c net.Conn, r *bufio.Reader) *message.Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("expected a line from the messenger, got %v", err)
	}
	m, err := message.Parse(line)
	if err != nil {
		t.Fatalf("expected parseable line %q, got %v", line, err)
	}
	return m
}

func writeLine(t *testing.T, c net.Conn, line string) {
	t.Helper()
	c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("expected write to reach the messenger, got %v", err)
	}
}

func TestRegistersOnConnect(t *testing.T) {
	h := newHarness(t, 0, nil)
	defer h.stop()

	hub, r := h.hubConn()
	defer hub.Close()
	reg := readMsg(t, hub, r)
	if reg.Command() != message.CmdRegister {
		t.Fatalf("expected REGISTER first, got %q", reg.Command())
	}
	if v, _ := reg.Get(message.ParamService); v != "tester" {
		t.Fatalf("expected service tester, got %q", v)
	}
	if v, _ := reg.Get(message.ParamVersion); v != message.ProtocolVersion {
		t.Fatalf("expected protocol version %s, got %q", message.ProtocolVersion, v)
	}
	h.waitFor("connected hook", func() bool { return h.connected == 1 })
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, 1, nil)
	defer h.stop()

	h.waitFor("failure hook after refused dial", func() bool { return h.failed == 1 })
	h.barrier(func() {
		if h.m.Connected() {
			t.Errorf("expected messenger to stay disconnected")
		}
	})
	h.advanceUntil("reconnect after the pause", func() bool { return h.m.Connected() })
	hub, r := h.hubConn()
	defer hub.Close()
	if got := readMsg(t, hub, r); got.Command() != message.CmdRegister {
		t.Fatalf("expected REGISTER after retry, got %q", got.Command())
	}
}

func TestHelpAnswersWithVocabulary(t *testing.T) {
	table := dispatch.NewTable()
	table.Register(message.CmdLocked, func(*message.Message) {})
	table.Register(message.CmdUnlocked, func(*message.Message) {})
	h := newHarness(t, 0, table)
	defer h.stop()

	hub, r := h.hubConn()
	defer hub.Close()
	readMsg(t, hub, r) // REGISTER
	writeLine(t, hub, message.CmdHelp)
	reply := readMsg(t, hub, r)
	if reply.Command() != message.CmdCommands {
		t.Fatalf("expected COMMANDS, got %q", reply.Command())
	}
	list, _ := reply.Get(message.ParamCommands)
	if !strings.Contains(list, message.CmdLocked) || !strings.Contains(list, message.CmdUnlocked) {
		t.Fatalf("expected vocabulary to carry LOCKED and UNLOCKED, got %q", list)
	}

	writeLine(t, hub, message.CmdReady)
	h.waitFor("ready state", func() bool { return h.m.Ready() && h.ready == 1 })
}

func TestSendCachedFlushesInOrderAfterConnect(t *testing.T) {
	h := newHarness(t, 1, nil)
	defer h.stop()
	h.waitFor("initial dial failure", func() bool { return h.failed == 1 })

	h.barrier(func() {
		if err := h.m.Send(message.New(message.CmdPing)); err != ErrNotConnected {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
		first := message.New(message.CmdLock)
		first.Set(message.ParamObjectName, "cargo")
		second := message.New(message.CmdUnlock)
		second.Set(message.ParamObjectName, "cargo")
		if err := h.m.SendCached(first); err != nil {
			t.Errorf("expected cached send to succeed, got %v", err)
		}
		if err := h.m.SendCached(second); err != nil {
			t.Errorf("expected cached send to succeed, got %v", err)
		}
	})

	h.advanceUntil("reconnect", func() bool { return h.m.Connected() })
	hub, r := h.hubConn()
	defer hub.Close()
	if got := readMsg(t, hub, r); got.Command() != message.CmdRegister {
		t.Fatalf("expected REGISTER, got %q", got.Command())
	}
	if got := readMsg(t, hub, r); got.Command() != message.CmdLock {
		t.Fatalf("expected cached LOCK flushed first, got %q", got.Command())
	}
	if got := readMsg(t, hub, r); got.Command() != message.CmdUnlock {
		t.Fatalf("expected cached UNLOCK flushed second, got %q", got.Command())
	}
}

func TestRefusedCommandGetsUnknown(t *testing.T) {
	h := newHarness(t, 0, nil)
	defer h.stop()
	hub, r := h.hubConn()
	defer hub.Close()
	readMsg(t, hub, r) // REGISTER

	writeLine(t, hub, "FROBNICATE x=1")
	reply := readMsg(t, hub, r)
	if reply.Command() != message.CmdUnknown {
		t.Fatalf("expected UNKNOWN, got %q", reply.Command())
	}
	if v, _ := reply.Get(message.ParamCommand); v != "FROBNICATE" {
		t.Fatalf("expected refused command echoed, got %q", v)
	}
}

func TestLinkDropReconnectsAfterPause(t *testing.T) {
	h := newHarness(t, 0, nil)
	defer h.stop()
	hub, r := h.hubConn()
	readMsg(t, hub, r) // REGISTER
	h.waitFor("connected", func() bool { return h.m.Connected() })

	hub.Close()
	h.waitFor("disconnect hook", func() bool { return h.disconnected == 1 })
	h.advanceUntil("reconnect after pause", func() bool { return h.m.Connected() })
	hub2, r2 := h.hubConn()
	defer hub2.Close()
	if got := readMsg(t, hub2, r2); got.Command() != message.CmdRegister {
		t.Fatalf("expected REGISTER on the new link, got %q", got.Command())
	}
	if h.connected != 2 {
		t.Fatalf("expected two connected hooks, got %d", h.connected)
	}
}

func TestPeerModeConnectsAndReportsAccept(t *testing.T) {
	var accepted []string
	h := newHarnessCfg(t, 0, nil, func(cfg *Config) {
		cfg.Service = ""
		cfg.ServerName = "alpha"
		cfg.OnAccepted = func(remote string) { accepted = append(accepted, remote) }
	})
	defer h.stop()

	hub, r := h.hubConn()
	defer hub.Close()
	hello := readMsg(t, hub, r)
	if hello.Command() != message.CmdConnect {
		t.Fatalf("expected CONNECT first in peer mode, got %q", hello.Command())
	}
	if v, _ := hello.Get(message.ParamServerName); v != "alpha" {
		t.Fatalf("expected server_name alpha, got %q", v)
	}
	if v, _ := hello.Get(message.ParamVersion); v != message.ProtocolVersion {
		t.Fatalf("expected protocol version %s, got %q", message.ProtocolVersion, v)
	}

	writeLine(t, hub, message.CmdAccept+" server_name=beta;version="+message.ProtocolVersion)
	h.waitFor("accepted peer link", func() bool { return h.m.Ready() })
	h.barrier(func() {
		if got := h.m.RemoteServer(); got != "beta" {
			t.Errorf("expected remote server beta, got %q", got)
		}
		if len(accepted) != 1 || accepted[0] != "beta" {
			t.Errorf("expected one OnAccepted(beta), got %v", accepted)
		}
	})
}

func TestPeerModeRoutesInboundThroughOnMessage(t *testing.T) {
	var got []*message.Message
	h := newHarnessCfg(t, 0, nil, func(cfg *Config) {
		cfg.Service = ""
		cfg.ServerName = "alpha"
		cfg.OnMessage = func(m *message.Message) { got = append(got, m) }
	})
	defer h.stop()

	hub, r := h.hubConn()
	defer hub.Close()
	readMsg(t, hub, r) // CONNECT
	writeLine(t, hub, message.CmdAccept+" server_name=beta;version="+message.ProtocolVersion)
	writeLine(t, hub, "beta:bakery>*:bakery LOCKENTERING object_name=cargo;key=00/beta/7")

	h.waitFor("inbound message through the hook", func() bool { return len(got) == 1 })
	h.barrier(func() {
		if got[0].Command() != message.CmdLockEntering {
			t.Errorf("expected LOCKENTERING, got %q", got[0].Command())
		}
		if server, service := got[0].From(); server != "beta" || service != "bakery" {
			t.Errorf("expected from beta:bakery, got %s:%s", server, service)
		}
	})

	// Nothing may be echoed back for hook-consumed traffic.
	hub.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if line, err := r.ReadString('\n'); err == nil {
		t.Fatalf("expected no reply for routed traffic, got %q", line)
	}
}

func TestPeerModeRefuseRetriesAfterPause(t *testing.T) {
	h := newHarnessCfg(t, 0, nil, func(cfg *Config) {
		cfg.Service = ""
		cfg.ServerName = "alpha"
	})
	defer h.stop()

	hub, r := h.hubConn()
	readMsg(t, hub, r) // CONNECT
	writeLine(t, hub, message.CmdRefuse+" error=protocol version mismatch")
	hub.Close()

	h.waitFor("disconnect after refusal", func() bool { return h.disconnected == 1 })
	h.barrier(func() {
		if h.m.Ready() {
			t.Errorf("expected refused link not to become ready")
		}
	})
	h.advanceUntil("redial after the pause", func() bool { return h.m.Connected() })
	hub2, r2 := h.hubConn()
	defer hub2.Close()
	if got := readMsg(t, hub2, r2); got.Command() != message.CmdConnect {
		t.Fatalf("expected CONNECT on the retry, got %q", got.Command())
	}
}

func TestPeerModeShutdownSendsQuitting(t *testing.T) {
	h := newHarnessCfg(t, 0, nil, func(cfg *Config) {
		cfg.Service = ""
		cfg.ServerName = "alpha"
	})
	defer h.stop()

	hub, r := h.hubConn()
	defer hub.Close()
	readMsg(t, hub, r) // CONNECT
	writeLine(t, hub, message.CmdAccept+" server_name=beta;version="+message.ProtocolVersion)
	h.waitFor("accepted", func() bool { return h.m.Ready() })

	h.barrier(func() { h.m.Shutdown() })
	bye := readMsg(t, hub, r)
	if bye.Command() != message.CmdQuitting {
		t.Fatalf("expected QUITTING on peer shutdown, got %q", bye.Command())
	}
	hub.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatalf("expected the link to close after QUITTING")
	}
}

func TestShutdownUnregistersAndStopsRetrying(t *testing.T) {
	h := newHarness(t, 0, nil)
	defer h.stop()
	hub, r := h.hubConn()
	defer hub.Close()
	readMsg(t, hub, r) // REGISTER

	h.barrier(func() { h.m.Shutdown() })
	bye := readMsg(t, hub, r)
	if bye.Command() != message.CmdUnregister {
		t.Fatalf("expected UNREGISTER, got %q", bye.Command())
	}
	hub.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatalf("expected the link to close after UNREGISTER")
	}
	h.barrier(func() {
		if err := h.m.Send(message.New(message.CmdPing)); err != ErrShutDown {
			t.Errorf("expected ErrShutDown, got %v", err)
		}
	})
	for i := 0; i < 10; i++ {
		h.mc.Advance(time.Second)
	}
	select {
	case <-h.d.Conns:
		t.Fatalf("expected no redial after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}
