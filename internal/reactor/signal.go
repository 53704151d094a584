package reactor

import (
	"os"
	"os/signal"
)

// SignalConn delivers OS signals as loop events, so signal handling
// runs serialized with every other callback instead of concurrently
// with them. Tests inject synthetic signals through NewSignalChannel
// without touching process signal state.
type SignalConn struct {
	Base
	handler func(sig os.Signal)
	sigs    []os.Signal
	ch      chan os.Signal
	extern  <-chan os.Signal
	quit    chan struct{}
}

// NewSignal subscribes to the given OS signals while registered.
func NewSignal(name string, handler func(os.Signal), sigs ...os.Signal) *SignalConn {
	return &SignalConn{
		Base:    newBase(name),
		handler: handler,
		sigs:    sigs,
	}
}

// NewSignalChannel delivers whatever arrives on ch instead of real
// process signals.
func NewSignalChannel(name string, ch <-chan os.Signal, handler func(os.Signal)) *SignalConn {
	return &SignalConn{
		Base:    newBase(name),
		handler: handler,
		extern:  ch,
	}
}

func (s *SignalConn) start() {
	s.quit = make(chan struct{})
	source := s.extern
	if source == nil {
		s.ch = make(chan os.Signal, 8)
		signal.Notify(s.ch, s.sigs...)
		source = s.ch
	}
	comm, self, quit := s.comm, s.self, s.quit
	go func() {
		for {
			select {
			case sig, ok := <-source:
				if !ok {
					return
				}
				comm.post(event{conn: self, kind: evSignal, sig: sig})
			case <-quit:
				return
			}
		}
	}()
}

func (s *SignalConn) stop() {
	if s.ch != nil {
		signal.Stop(s.ch)
		s.ch = nil
	}
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
}

// ProcessSignal invokes the handler.
func (s *SignalConn) ProcessSignal(sig os.Signal) {
	if s.handler != nil {
		s.handler(sig)
	}
}
