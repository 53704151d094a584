// Package logfields centralizes the structured-log field conventions
// shared by the reactor, hub, messengers, and the lock coordinator.
package logfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// ServerKey tags entries with the local server name so interleaved
// multi-daemon logs (tests, shared collectors) stay attributable.
const ServerKey = pslog.TrustedString("server")

// Dotted joins non-empty parts into a dot-delimited path. It is used
// both for subsystem tags and for event names.
func Dotted(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns logger tagged with the given subsystem path.
// A nil logger is promoted to the no-op logger so call sites never
// need a nil check.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithServer returns logger tagged with the local server name.
func WithServer(logger pslog.Logger, server string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	server = strings.TrimSpace(server)
	if server == "" {
		return logger
	}
	return logger.With(ServerKey, server)
}
