// Package connguard tracks protocol abuse per remote address. The hub
// reports failures from connections that never complete a handshake
// (malformed lines, refused CONNECT/REGISTER, handshake timeouts); an
// address crossing the failure threshold inside the window is blocked
// for a fixed duration and further accepts from it are dropped.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"bakerd/internal/clock"
	"bakerd/internal/logfields"
)

// Defaults applied by New for unset config fields.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = time.Minute
	DefaultBlockDuration    = 5 * time.Minute
)

// Config controls guard enforcement.
type Config struct {
	// Enabled toggles enforcement; a disabled guard blocks nothing and
	// records nothing.
	Enabled bool
	// FailureThreshold is the number of failures inside the window
	// before an address is blocked.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked address stays blocked.
	BlockDuration time.Duration
}

type record struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard keeps per-address failure state. Safe for concurrent use.
type Guard struct {
	cfg Config
	log pslog.Logger
	clk clock.Clock

	mu      sync.Mutex
	records map[string]*record
}

// New constructs a guard. A nil logger is replaced with a no-op
// logger, a nil clock with the wall clock.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:     cfg,
		log:     logfields.WithSubsystem(logger, "hub.connguard"),
		clk:     clk,
		records: make(map[string]*record),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool { return g != nil && g.cfg.Enabled }

// Blocked reports whether the remote address is currently blocked.
// An expired block is cleared on the way through.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := normalizeRemote(remote)
	if host == "" {
		return false
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.records[host]
	if r == nil || r.blockedUntil.IsZero() {
		return false
	}
	if r.blockedUntil.After(now) {
		return true
	}
	r.blockedUntil = time.Time{}
	g.log.Info("connguard.disengaged", "remote", host)
	if len(r.failures) == 0 {
		delete(g.records, host)
	}
	return false
}

// Failure records a suspicious event for the remote address and
// reports whether the address is now (or already was) blocked.
func (g *Guard) Failure(remote, reason string) bool {
	if !g.Enabled() {
		return false
	}
	host := normalizeRemote(remote)
	if host == "" {
		return false
	}
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.records[host]
	if r == nil {
		r = &record{}
		g.records[host] = r
	}
	if !r.blockedUntil.IsZero() && r.blockedUntil.After(now) {
		return true
	}
	r.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(r.failures) > 0 && r.failures[0].Before(cutoff) {
		r.failures = r.failures[1:]
	}
	r.failures = append(r.failures, now)
	if len(r.failures) < g.cfg.FailureThreshold {
		g.log.Warn("connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(r.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	r.failures = nil
	r.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.log.Warn("connguard.engaged",
		"remote", host,
		"reason", reason,
		"window", g.cfg.FailureWindow.String(),
		"duration", g.cfg.BlockDuration.String())
	return true
}

// Forgive clears the failure history for an address that completed a
// handshake, so a legitimate peer with a flaky start does not creep
// toward a block.
func (g *Guard) Forgive(remote string) {
	if !g.Enabled() {
		return
	}
	host := normalizeRemote(remote)
	if host == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.records[host]
	if r == nil {
		return
	}
	if r.blockedUntil.IsZero() {
		delete(g.records, host)
		return
	}
	r.failures = nil
}

// normalizeRemote reduces "host:port" to the host component.
func normalizeRemote(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
