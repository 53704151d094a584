package hub

import (
	"net"
	"time"

	"bakerd/internal/message"
	"bakerd/internal/reactor"
)

type connState uint8

const (
	// connPending awaits the first line: CONNECT or REGISTER.
	connPending connState = iota
	// connVocab is a registered service whose HELP is still unanswered.
	connVocab
	// connPeer is an established inbound peer link.
	connPeer
	// connService is a fully registered service link.
	connService
)

func (s connState) String() string {
	switch s {
	case connPending:
		return "pending"
	case connVocab:
		return "vocab"
	case connPeer:
		return "peer"
	case connService:
		return "service"
	}
	return "unknown"
}

// conn is one accepted socket. Everything interesting happens in the
// hub; the conn only carries identity and handshake state.
type conn struct {
	*reactor.MessageStream
	hub    *Hub
	serial string
	remote string
	state  connState

	// deadline bounds the handshake; zero once established.
	deadline time.Time

	peerName string // connPeer
	service  string // connVocab, connService
	vocab    map[string]struct{}
}

func newConn(h *Hub, nc net.Conn, serial, remote string, deadline time.Time) *conn {
	c := &conn{hub: h, serial: serial, remote: remote, deadline: deadline}
	c.MessageStream = reactor.NewMessageStream("hub.conn/"+serial, nc)
	return c
}

func (c *conn) understands(command string) bool {
	_, ok := c.vocab[command]
	return ok
}

func (c *conn) ProcessMessage(m *message.Message) { c.hub.fromConn(c, m) }

func (c *conn) ProcessInvalid(line string, err error) { c.hub.invalidLine(c, err) }

func (c *conn) ProcessHangup() { c.hub.connGone(c) }

func (c *conn) ProcessError(err error) {
	c.hub.log.Warn("hub.conn.error", "serial", c.serial, "remote", c.remote, "error", err)
}
