package reactor

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"bakerd/internal/message"
)

const (
	readChunk = 4096
	// MaxLineLength bounds a single protocol line; longer input is
	// reported as invalid and discarded through the next newline.
	MaxLineLength = 64 * 1024
)

var errLineTooLong = errors.New("reactor: line exceeds maximum length")

// Stream pumps an arbitrary byte transport (TCP or TLS socket, pipe,
// wrapped file descriptor) into the loop. Incoming chunks arrive via
// ProcessRead on the registered connection; outgoing data is queued
// and written by a dedicated pump so loop callbacks never block on a
// slow peer.
type Stream struct {
	Base
	rwc io.ReadWriteCloser

	outMu           sync.Mutex
	outCond         *sync.Cond
	out             [][]byte
	closed          bool
	closeAfterDrain bool
	wantDrain       bool
}

// NewStream wraps rwc. The pumps start when the connection is added
// to a Communicator.
func NewStream(name string, rwc io.ReadWriteCloser) *Stream {
	s := &Stream{}
	s.init(name, rwc)
	return s
}

func (s *Stream) init(name string, rwc io.ReadWriteCloser) {
	s.Base = newBase(name)
	s.rwc = rwc
	s.outCond = sync.NewCond(&s.outMu)
}

func (s *Stream) start() {
	if _, ok := s.self.(DrainHandler); ok {
		s.wantDrain = true
	}
	comm, self := s.comm, s.self
	go s.readPump(comm, self)
	go s.writePump(comm, self)
}

func (s *Stream) stop() {
	s.outMu.Lock()
	if s.closed {
		s.outMu.Unlock()
		return
	}
	s.closed = true
	s.outMu.Unlock()
	s.outCond.Broadcast()
	s.rwc.Close()
}

// SendBytes queues raw data for writing. Returns ErrClosed once the
// stream is closed or draining towards close.
func (s *Stream) SendBytes(data []byte) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed || s.closeAfterDrain {
		return ErrClosed
	}
	s.out = append(s.out, data)
	s.outCond.Signal()
	return nil
}

// CloseAfterDrain flushes the queued output, then closes the
// transport and reports a hangup. Further sends are refused.
func (s *Stream) CloseAfterDrain() {
	s.outMu.Lock()
	s.closeAfterDrain = true
	s.outMu.Unlock()
	s.outCond.Broadcast()
}

// RemoteAddr returns the peer address for socket transports, nil
// otherwise.
func (s *Stream) RemoteAddr() net.Addr {
	if nc, ok := s.rwc.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}

func (s *Stream) isClosed() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.closed
}

func (s *Stream) readPump(comm *Communicator, self Connection) {
	buf := make([]byte, readChunk)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			comm.post(event{conn: self, kind: evRead, data: data})
		}
		if err != nil {
			switch {
			case isUseOfClosed(err):
				// Closed on our side; the closer reports.
			case errors.Is(err, io.EOF):
				comm.post(event{conn: self, kind: evHangup})
			default:
				comm.post(event{conn: self, kind: evError, err: err})
				comm.post(event{conn: self, kind: evHangup})
			}
			return
		}
	}
}

func (s *Stream) writePump(comm *Communicator, self Connection) {
	for {
		s.outMu.Lock()
		for len(s.out) == 0 && !s.closed && !s.closeAfterDrain {
			s.outCond.Wait()
		}
		if s.closed && len(s.out) == 0 {
			s.outMu.Unlock()
			return
		}
		batch := s.out
		s.out = nil
		closing := s.closeAfterDrain
		s.outMu.Unlock()

		for _, chunk := range batch {
			if _, err := s.rwc.Write(chunk); err != nil {
				s.outMu.Lock()
				alreadyClosed := s.closed
				s.closed = true
				s.outMu.Unlock()
				if !alreadyClosed && !isUseOfClosed(err) {
					comm.post(event{conn: self, kind: evError, err: err})
					comm.post(event{conn: self, kind: evHangup})
				}
				return
			}
		}

		s.outMu.Lock()
		empty := len(s.out) == 0
		s.outMu.Unlock()
		if !empty {
			continue
		}
		if s.wantDrain {
			comm.post(event{conn: self, kind: evDrained})
		}
		if closing {
			s.outMu.Lock()
			s.closed = true
			s.outMu.Unlock()
			s.rwc.Close()
			comm.post(event{conn: self, kind: evHangup})
			return
		}
	}
}

func isUseOfClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// MessageStream layers the line protocol over a Stream: partial reads
// are reassembled, each complete line is parsed, and well-formed
// messages are handed to the connection's MessageHandler. Lines that
// fail to parse go to the connection's InvalidHandler when it has
// one, and are otherwise logged and dropped; a parse failure never
// disturbs the loop.
type MessageStream struct {
	Stream
	handler MessageHandler
	inbuf   []byte
	discard bool
}

// NewMessageStream wraps rwc with line framing. The handler defaults
// to the registered connection itself when it implements
// MessageHandler.
func NewMessageStream(name string, rwc io.ReadWriteCloser) *MessageStream {
	ms := &MessageStream{}
	ms.Stream.init(name, rwc)
	return ms
}

// SetHandler overrides the message destination.
func (ms *MessageStream) SetHandler(h MessageHandler) { ms.handler = h }

// Send serializes the message and queues it for writing.
func (ms *MessageStream) Send(m *message.Message) error {
	line, err := m.Marshal()
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(line)+1)
	data = append(data, line...)
	data = append(data, '\n')
	return ms.SendBytes(data)
}

// ProcessRead reassembles lines and dispatches parsed messages.
func (ms *MessageStream) ProcessRead(data []byte) {
	ms.inbuf = append(ms.inbuf, data...)
	for {
		nl := bytes.IndexByte(ms.inbuf, '\n')
		if nl < 0 {
			if len(ms.inbuf) > MaxLineLength {
				ms.invalid(string(ms.inbuf[:64]), errLineTooLong)
				ms.inbuf = nil
				ms.discard = true
			}
			return
		}
		line := string(ms.inbuf[:nl])
		ms.inbuf = ms.inbuf[nl+1:]
		if len(ms.inbuf) == 0 {
			ms.inbuf = nil
		}
		if ms.discard {
			// Tail of an overlong line.
			ms.discard = false
			continue
		}
		if strings.TrimSpace(strings.TrimRight(line, "\r")) == "" {
			continue
		}
		m, err := message.Parse(line)
		if err != nil {
			ms.invalid(line, err)
			continue
		}
		ms.deliver(m)
	}
}

func (ms *MessageStream) deliver(m *message.Message) {
	h := ms.handler
	if h == nil {
		h, _ = ms.self.(MessageHandler)
	}
	if h == nil {
		ms.logger().Warn("reactor.msg.unrouted",
			"conn", ms.Name(), "command", m.Command())
		return
	}
	h.ProcessMessage(m)
}

func (ms *MessageStream) invalid(line string, err error) {
	if h, ok := ms.self.(InvalidHandler); ok {
		h.ProcessInvalid(line, err)
		return
	}
	ms.logger().Warn("reactor.msg.invalid", "conn", ms.Name(), "error", err)
}
