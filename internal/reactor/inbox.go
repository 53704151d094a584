package reactor

import (
	"sync/atomic"

	"bakerd/internal/message"
)

// Inbox is the hand-off point between auxiliary goroutines and the
// loop: anything may Send a message into it, and the handler runs on
// the loop goroutine subject to the inbox's priority and budget like
// any other connection.
type Inbox struct {
	Base
	handler MessageHandler
	ref     atomic.Pointer[inboxRef]
}

type inboxRef struct {
	comm *Communicator
	self Connection
}

// NewInbox returns an inbox delivering messages to h.
func NewInbox(name string, h MessageHandler) *Inbox {
	return &Inbox{Base: newBase(name), handler: h}
}

func (i *Inbox) start() {
	i.ref.Store(&inboxRef{comm: i.comm, self: i.self})
}

func (i *Inbox) stop() {
	i.ref.Store(nil)
}

// Send queues a message for delivery on the loop goroutine. Safe from
// any goroutine. Returns ErrNotRegistered when the inbox is not
// attached to a running Communicator.
func (i *Inbox) Send(m *message.Message) error {
	r := i.ref.Load()
	if r == nil {
		return ErrNotRegistered
	}
	r.comm.post(event{conn: r.self, kind: evMessage, msg: m})
	return nil
}

// ProcessMessage forwards to the inbox handler.
func (i *Inbox) ProcessMessage(m *message.Message) {
	if i.handler != nil {
		i.handler.ProcessMessage(m)
	}
}
