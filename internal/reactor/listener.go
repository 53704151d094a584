package reactor

import (
	"errors"
	"net"
)

// ListenerConn accepts sockets and delivers them to the connection's
// AcceptHandler. The owner wraps each accepted net.Conn in a
// MessageStream (or Stream) and registers it.
type ListenerConn struct {
	Base
	ln net.Listener
}

// NewListener wraps an already-listening socket; TLS is the caller's
// concern (pass a tls.Listener).
func NewListener(name string, ln net.Listener) *ListenerConn {
	return &ListenerConn{Base: newBase(name), ln: ln}
}

// Addr returns the listening address.
func (l *ListenerConn) Addr() net.Addr { return l.ln.Addr() }

func (l *ListenerConn) start() {
	comm, self := l.comm, l.self
	go func() {
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				comm.post(event{conn: self, kind: evError, err: err})
				comm.post(event{conn: self, kind: evHangup})
				return
			}
			comm.post(event{conn: self, kind: evAccept, netc: conn})
		}
	}()
}

func (l *ListenerConn) stop() {
	l.ln.Close()
}
