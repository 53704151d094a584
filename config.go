package bakerd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bakerd/internal/bakery"
	"bakerd/internal/connguard"
	"bakerd/internal/message"
	"bakerd/internal/reactor"
)

const (
	// DefaultListen is the TCP endpoint the daemon binds to. One
	// listener carries peers, services and clients alike.
	DefaultListen = ":4411"
	// DefaultControlListen is empty: the UDP control socket stays off
	// unless explicitly configured.
	DefaultControlListen = ""
	// DefaultReconnectPause is the wait between redial attempts on a
	// lost peer link.
	DefaultReconnectPause = 60 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty
	// disables).
	DefaultPprofListen = ""
	// DefaultLogLevel is the level the daemon logs at when none is
	// configured.
	DefaultLogLevel = "info"
)

const (
	// DefaultDefaultTimeout is the baseline lock-acquisition timeout
	// applied to LOCK requests that carry none.
	DefaultDefaultTimeout = bakery.DefaultTimeout
	// DefaultMinimumTimeout is the floor enforced on client-supplied
	// acquisition timeouts.
	DefaultMinimumTimeout = bakery.MinimumTimeout
	// DefaultMaximumTimeout is the ceiling enforced on client-supplied
	// acquisition timeouts.
	DefaultMaximumTimeout = bakery.MaximumTimeout
	// DefaultDefaultDuration is the baseline lease granted to LOCK
	// requests that carry no duration.
	DefaultDefaultDuration = bakery.DefaultDuration
	// DefaultMaximumDuration is the hard ceiling on lock leases.
	DefaultMaximumDuration = bakery.MaximumDuration
	// DefaultCleanupInterval sets the tick frequency for the expired
	// ticket sweep.
	DefaultCleanupInterval = bakery.CleanupInterval
)

const (
	// DefaultRunTimeout bounds the reactor's sleep when no event or
	// timer is due.
	DefaultRunTimeout = reactor.DefaultWait
	// DefaultEventLimit caps how many queued events one connection may
	// consume per reactor pass.
	DefaultEventLimit = reactor.DefaultEventBudget
)

// Guard defaults mirror the connguard package's own.
const (
	DefaultGuardFailureThreshold = connguard.DefaultFailureThreshold
	DefaultGuardFailureWindow    = connguard.DefaultFailureWindow
	DefaultGuardBlockDuration    = connguard.DefaultBlockDuration
)

// Config describes one bakerd daemon. The zero value plus Validate
// yields a working single-node server listening on DefaultListen.
type Config struct {
	// ServerName identifies this daemon on the wire. It must be unique
	// across the cluster and free of message syntax characters.
	// Defaults to the hostname.
	ServerName string
	// Listen is the TCP endpoint for peer, service and client links.
	Listen string
	// ControlListen is the UDP control socket endpoint answering STOP,
	// PING and DEBUG datagrams. Empty disables it.
	ControlListen string
	// Peers lists the other daemons' endpoints as host:port. Each is
	// dialed and redialed forever; the peer's name is learned from its
	// ACCEPT during the handshake.
	Peers []string
	// ReconnectPause is the wait before redialing a lost peer link.
	ReconnectPause time.Duration
	// DefaultTimeout is applied to LOCK requests that carry no timeout.
	DefaultTimeout time.Duration
	// MinimumTimeout is the floor enforced on client timeouts.
	MinimumTimeout time.Duration
	// MaximumTimeout is the ceiling enforced on client timeouts.
	MaximumTimeout time.Duration
	// DefaultDuration is the lease granted to LOCK requests that carry
	// no duration.
	DefaultDuration time.Duration
	// MaximumDuration is the hard ceiling on lock leases.
	MaximumDuration time.Duration
	// CleanupInterval sets how often expired tickets and stale locks
	// are swept.
	CleanupInterval time.Duration
	// RunTimeout bounds how long the reactor sleeps when no event or
	// timer is due.
	RunTimeout time.Duration
	// EventLimit caps how many queued events one connection may consume
	// per reactor pass, so a chatty link cannot starve the rest.
	EventLimit int
	// MetricsListen is the Prometheus scrape endpoint. Empty disables
	// metrics.
	MetricsListen string
	// PprofListen is the pprof debug listener. Empty disables it.
	PprofListen string
	// BundlePath points at the PEM bundle (CA plus node certificate and
	// key) that enables mutual TLS on the listener and on every peer
	// dial. Empty runs plaintext.
	BundlePath string
	// GuardEnabled turns on per-address failure tracking for accepted
	// connections that never complete a handshake.
	GuardEnabled bool
	// GuardFailureThreshold is the number of failures inside the window
	// before an address is blocked.
	GuardFailureThreshold int
	// GuardFailureWindow is the rolling window failures are counted
	// over.
	GuardFailureWindow time.Duration
	// GuardBlockDuration is how long a blocked address stays blocked.
	GuardBlockDuration time.Duration
	// LogLevel selects the minimum log level: trace, debug, info, warn
	// or error.
	LogLevel string
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.ServerName = strings.TrimSpace(c.ServerName)
	if c.ServerName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("config: server name required and hostname lookup failed: %w", err)
		}
		c.ServerName = host
	}
	if c.ServerName == message.Broadcast || strings.ContainsAny(c.ServerName, ":>\\;= \n\r") {
		return fmt.Errorf("config: unusable server name %q", c.ServerName)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	for i, peer := range c.Peers {
		peer = strings.TrimSpace(peer)
		if peer == "" {
			return fmt.Errorf("config: empty peer endpoint")
		}
		c.Peers[i] = peer
	}
	if c.ReconnectPause <= 0 {
		c.ReconnectPause = DefaultReconnectPause
	}
	if c.MinimumTimeout <= 0 {
		c.MinimumTimeout = DefaultMinimumTimeout
	}
	if c.MaximumTimeout <= 0 {
		c.MaximumTimeout = DefaultMaximumTimeout
	}
	if c.MaximumTimeout < c.MinimumTimeout {
		return fmt.Errorf("config: maximum timeout must be >= minimum timeout")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultDefaultTimeout
	}
	if c.DefaultTimeout < c.MinimumTimeout || c.DefaultTimeout > c.MaximumTimeout {
		return fmt.Errorf("config: default timeout must lie between minimum and maximum timeout")
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = DefaultDefaultDuration
	}
	if c.MaximumDuration <= 0 {
		c.MaximumDuration = DefaultMaximumDuration
	}
	if c.MaximumDuration < c.DefaultDuration {
		return fmt.Errorf("config: maximum duration must be >= default duration")
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.EventLimit <= 0 {
		c.EventLimit = DefaultEventLimit
	}
	if c.GuardFailureThreshold <= 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// DefaultConfigFileName is the file the CLI loads from DefaultConfigDir
// when no --config flag is given.
const DefaultConfigFileName = "config.yaml"

// DefaultBundleFileName is the TLS bundle file the CLI looks for in
// DefaultConfigDir.
const DefaultBundleFileName = "bundle.pem"

// DefaultConfigDir returns the default configuration directory
// ($HOME/.bakerd, overridable via BAKERD_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BAKERD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bakerd"), nil
}

// DefaultBundlePath returns the default TLS bundle location.
func DefaultBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultBundleFileName), nil
}
