package reactor

import (
	"errors"
	"net"

	"bakerd/internal/message"
)

// DatagramHandler receives messages parsed from UDP datagrams.
type DatagramHandler interface {
	ProcessDatagram(m *message.Message, from net.Addr)
}

// UDPMessage reads datagrams, parses each as one protocol line, and
// delivers it with the sender address. Used for the fire-and-forget
// control socket (STOP, PING, DEBUG); malformed datagrams are logged
// and dropped since there is nobody to answer.
type UDPMessage struct {
	Base
	pc      net.PacketConn
	handler DatagramHandler
}

// NewUDPMessage wraps a bound packet socket.
func NewUDPMessage(name string, pc net.PacketConn, h DatagramHandler) *UDPMessage {
	return &UDPMessage{Base: newBase(name), pc: pc, handler: h}
}

// LocalAddr returns the bound address.
func (u *UDPMessage) LocalAddr() net.Addr { return u.pc.LocalAddr() }

// SendTo serializes the message into a single datagram. Loop
// goroutine only.
func (u *UDPMessage) SendTo(m *message.Message, addr net.Addr) error {
	line, err := m.Marshal()
	if err != nil {
		return err
	}
	data := make([]byte, 0, len(line)+1)
	data = append(data, line...)
	data = append(data, '\n')
	_, err = u.pc.WriteTo(data, addr)
	return err
}

func (u *UDPMessage) start() {
	comm, self := u.comm, u.self
	go func() {
		buf := make([]byte, 64*1024)
		faults := 0
		for {
			n, addr, err := u.pc.ReadFrom(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				comm.post(event{conn: self, kind: evDatagram, data: data, addr: addr})
			}
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				faults++
				if faults > 3 {
					comm.post(event{conn: self, kind: evError, err: err})
					comm.post(event{conn: self, kind: evHangup})
					return
				}
				continue
			}
			faults = 0
		}
	}()
}

func (u *UDPMessage) stop() {
	u.pc.Close()
}

func (u *UDPMessage) processDatagram(data []byte, from net.Addr) {
	m, err := message.Parse(string(data))
	if err != nil {
		u.logger().Warn("reactor.udp.invalid", "conn", u.Name(), "from", from.String(), "error", err)
		return
	}
	h := u.handler
	if h == nil {
		h, _ = u.self.(DatagramHandler)
	}
	if h == nil {
		u.logger().Warn("reactor.udp.unrouted", "conn", u.Name(), "command", m.Command())
		return
	}
	h.ProcessDatagram(m, from)
}
