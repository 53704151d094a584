// Package message implements the line-oriented command protocol spoken
// between hubs, peer daemons, services, and client tools.
//
// One message per line:
//
//	[from_server:from_service>to_server:to_service ]COMMAND[ name=value;name=value...]
//
// The address block is optional as a pair. A to_server of "*" addresses
// every peer daemon in addition to local delivery. Parameter values use
// backslash escaping for the separator characters so any value
// round-trips exactly.
package message

import (
	"fmt"
	"sort"
	"strconv"
)

// Broadcast is the destination server addressing every peer plus local delivery.
const Broadcast = "*"

// Message is a single protocol line: optional source/destination
// addresses, a command token, and named string parameters. The
// serialized form is cached and invalidated on any mutation.
type Message struct {
	fromServer  string
	fromService string
	toServer    string
	toService   string
	command     string
	params      map[string]string
	cached      string
}

// New returns a Message carrying the given command and no parameters.
func New(command string) *Message {
	return &Message{command: command}
}

// Command returns the command token.
func (m *Message) Command() string { return m.command }

// SetCommand replaces the command token.
func (m *Message) SetCommand(command string) {
	m.command = command
	m.cached = ""
}

// From returns the source server and service.
func (m *Message) From() (server, service string) {
	return m.fromServer, m.fromService
}

// SetFrom sets the source address.
func (m *Message) SetFrom(server, service string) {
	m.fromServer = server
	m.fromService = service
	m.cached = ""
}

// To returns the destination server and service.
func (m *Message) To() (server, service string) {
	return m.toServer, m.toService
}

// SetTo sets the destination address.
func (m *Message) SetTo(server, service string) {
	m.toServer = server
	m.toService = service
	m.cached = ""
}

// Addressed reports whether the message carries an address block.
func (m *Message) Addressed() bool {
	return m.fromServer != "" || m.fromService != "" || m.toServer != "" || m.toService != ""
}

// Set stores a parameter, replacing any previous value for name.
func (m *Message) Set(name, value string) {
	if m.params == nil {
		m.params = make(map[string]string)
	}
	m.params[name] = value
	m.cached = ""
}

// SetInt64 stores an integer parameter in decimal form.
func (m *Message) SetInt64(name string, value int64) {
	m.Set(name, strconv.FormatInt(value, 10))
}

// Get returns a parameter value and whether it is present.
func (m *Message) Get(name string) (string, bool) {
	v, ok := m.params[name]
	return v, ok
}

// Has reports whether the parameter is present.
func (m *Message) Has(name string) bool {
	_, ok := m.params[name]
	return ok
}

// Int64 returns a parameter parsed as a decimal integer.
func (m *Message) Int64(name string) (int64, error) {
	v, ok := m.params[name]
	if !ok {
		return 0, fmt.Errorf("message %s: missing parameter %q", m.command, name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message %s: parameter %q is not an integer: %q", m.command, name, v)
	}
	return n, nil
}

// ParamNames returns the parameter names in sorted order.
func (m *Message) ParamNames() []string {
	names := make([]string, 0, len(m.params))
	for name := range m.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. Fan-out paths clone before rewriting the
// destination so the original stays untouched.
func (m *Message) Clone() *Message {
	dup := &Message{
		fromServer:  m.fromServer,
		fromService: m.fromService,
		toServer:    m.toServer,
		toService:   m.toService,
		command:     m.command,
		cached:      m.cached,
	}
	if len(m.params) > 0 {
		dup.params = make(map[string]string, len(m.params))
		for k, v := range m.params {
			dup.params[k] = v
		}
	}
	return dup
}

// Reply returns a new message with the given command addressed back to
// this message's source, with the local address left for the caller.
func (m *Message) Reply(command string) *Message {
	reply := New(command)
	reply.SetTo(m.fromServer, m.fromService)
	return reply
}

// Equal reports whether two messages carry the same addresses, command,
// and parameters.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.command != other.command ||
		m.fromServer != other.fromServer || m.fromService != other.fromService ||
		m.toServer != other.toServer || m.toService != other.toService ||
		len(m.params) != len(other.params) {
		return false
	}
	for k, v := range m.params {
		if ov, ok := other.params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the serialized line for logging. Invalid messages
// render a diagnostic form instead of failing.
func (m *Message) String() string {
	line, err := m.Marshal()
	if err != nil {
		return fmt.Sprintf("!invalid(%s: %v)", m.command, err)
	}
	return line
}
