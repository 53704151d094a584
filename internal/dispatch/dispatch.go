// Package dispatch routes parsed messages to handler functions by
// command token. Every protocol endpoint (hub connections, the lock
// coordinator, client sessions) owns a Table describing its
// vocabulary; the same table answers HELP and decides when to fall
// back to UNKNOWN.
package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"bakerd/internal/message"
)

// Handler processes one message. Handlers run on the reactor loop and
// must not block.
type Handler func(*message.Message)

// Table maps command tokens to handlers.
type Table struct {
	handlers map[string]Handler
}

// NewTable returns an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register binds a handler to a command token. Registering the same
// command twice is a programming error and panics.
func (t *Table) Register(command string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for %s", command))
	}
	if _, dup := t.handlers[command]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %s", command))
	}
	t.handlers[command] = h
}

// Commands returns the registered command tokens in sorted order.
func (t *Table) Commands() []string {
	commands := make([]string, 0, len(t.handlers))
	for command := range t.handlers {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}

// Understands reports whether the table has a handler for command.
func (t *Table) Understands(command string) bool {
	_, ok := t.handlers[command]
	return ok
}

// Dispatch invokes the handler for the message's command and reports
// whether one was registered. Callers that receive false typically
// reply with UNKNOWN carrying the refused command token.
func (t *Table) Dispatch(m *message.Message) bool {
	h, ok := t.handlers[m.Command()]
	if !ok {
		return false
	}
	h(m)
	return true
}

// Unknown builds the standard refusal reply for a message whose
// command no handler accepted.
func Unknown(m *message.Message) *message.Message {
	reply := m.Reply(message.CmdUnknown)
	reply.Set(message.ParamCommand, m.Command())
	return reply
}

// CommandsReply builds the COMMANDS answer to a HELP request from the
// table's vocabulary.
func (t *Table) CommandsReply(help *message.Message) *message.Message {
	reply := help.Reply(message.CmdCommands)
	reply.Set(message.ParamCommands, strings.Join(t.Commands(), ","))
	return reply
}
