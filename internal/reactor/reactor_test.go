package reactor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"bakerd/internal/clock"
	"bakerd/internal/message"
)

// startLoop runs the communicator until the returned stop function is
// called or the loop exits on its own.
func startLoop(t *testing.T, c *Communicator) (stop func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return func() {
		c.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected Run to return after Stop")
		}
	}
}

// barrier waits until fn has executed on the loop goroutine.
func barrier(t *testing.T, c *Communicator, fn func()) {
	t.Helper()
	done := make(chan struct{})
	c.Post(func() {
		if fn != nil {
			fn()
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected posted function to run")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %s", what)
}

func TestRunExitsWhenLastConnectionRemoved(t *testing.T) {
	c := New(WithClock(clock.NewManual(time.Unix(1000, 0))))
	inbox := NewInbox("only", nil)
	if err := c.Add(inbox); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	c.Post(func() { c.Remove(inbox) })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil from Run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to exit once the last connection was removed")
	}
	if err := inbox.Send(message.New(message.CmdPing)); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered after removal, got %v", err)
	}
}

func TestStopMakesRunReturn(t *testing.T) {
	c := New()
	if err := c.Add(NewInbox("keepalive", nil)); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	c.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil from Run, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after Stop")
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	c := New()
	if err := c.Add(NewInbox("keepalive", nil)); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	// The loop notices cancellation on its next wakeup.
	c.Post(func() {})
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancellation")
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	c := New()
	inbox := NewInbox("dup", nil)
	if err := c.Add(inbox); err != nil {
		t.Fatalf("expected first add to succeed, got %v", err)
	}
	if err := c.Add(inbox); err != ErrAlreadyAdded {
		t.Fatalf("expected ErrAlreadyAdded, got %v", err)
	}
}

func TestInboxDeliversInOrder(t *testing.T) {
	c := New()
	var got []string
	inbox := NewInbox("orders", MessageHandlerFunc(func(m *message.Message) {
		v, _ := m.Get(message.ParamMessage)
		got = append(got, v)
	}))
	if err := c.Add(inbox); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	for i := 0; i < 5; i++ {
		m := message.New(message.CmdDebug)
		m.Set(message.ParamMessage, fmt.Sprintf("m%d", i))
		if err := inbox.Send(m); err != nil {
			t.Fatalf("expected send to succeed, got %v", err)
		}
	}
	waitFor(t, "all messages delivered", func() bool {
		var n int
		barrier(t, c, func() { n = len(got) })
		return n == 5
	})
	barrier(t, c, nil)
	for i, v := range got {
		if v != fmt.Sprintf("m%d", i) {
			t.Fatalf("expected FIFO delivery, got %v", got)
		}
	}
}

func TestPriorityOrdersDispatchWithinAPass(t *testing.T) {
	c := New()
	var got []string
	record := func(tag string) MessageHandler {
		return MessageHandlerFunc(func(*message.Message) { got = append(got, tag) })
	}
	late := NewInbox("late", record("late"))
	late.SetPriority(200)
	early := NewInbox("early", record("early"))
	early.SetPriority(50)
	if err := c.Add(late); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	if err := c.Add(early); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	// Queue both from inside one callback so they land in one batch,
	// in reverse priority order.
	barrier(t, c, func() {
		late.Send(message.New(message.CmdPing))
		early.Send(message.New(message.CmdPing))
	})
	waitFor(t, "both messages delivered", func() bool {
		var n int
		barrier(t, c, func() { n = len(got) })
		return n == 2
	})
	if got[0] != "early" || got[1] != "late" {
		t.Fatalf("expected priority order [early late], got %v", got)
	}
}

func TestEventBudgetYieldsToOtherConnections(t *testing.T) {
	c := New()
	var got []string
	flooder := NewInbox("flooder", MessageHandlerFunc(func(m *message.Message) {
		v, _ := m.Get(message.ParamMessage)
		got = append(got, v)
	}))
	flooder.SetPriority(10)
	flooder.SetEventBudget(2)
	other := NewInbox("other", MessageHandlerFunc(func(*message.Message) {
		got = append(got, "other")
	}))
	other.SetPriority(90)
	if err := c.Add(flooder); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	if err := c.Add(other); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	barrier(t, c, func() {
		for i := 0; i < 5; i++ {
			m := message.New(message.CmdDebug)
			m.Set(message.ParamMessage, fmt.Sprintf("f%d", i))
			flooder.Send(m)
		}
		other.Send(message.New(message.CmdPing))
	})
	waitFor(t, "all six events delivered", func() bool {
		var n int
		barrier(t, c, func() { n = len(got) })
		return n == 6
	})
	// The flooder had higher urgency but only a budget of two, so the
	// other connection ran before the flood finished.
	want := []string{"f0", "f1", "other", "f2", "f3", "f4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRemoveFromCallbackDropsPendingEvents(t *testing.T) {
	c := New()
	var got []string
	var victim *Inbox
	killer := NewInbox("killer", MessageHandlerFunc(func(*message.Message) {
		got = append(got, "killer")
		c.Remove(victim)
	}))
	killer.SetPriority(10)
	victim = NewInbox("victim", MessageHandlerFunc(func(*message.Message) {
		got = append(got, "victim")
	}))
	victim.SetPriority(90)
	if err := c.Add(killer); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	if err := c.Add(victim); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	barrier(t, c, func() {
		killer.Send(message.New(message.CmdPing))
		victim.Send(message.New(message.CmdPing))
	})
	waitFor(t, "killer callback to run", func() bool {
		var n int
		barrier(t, c, func() { n = len(got) })
		return n >= 1
	})
	barrier(t, c, nil)
	barrier(t, c, nil)
	for _, v := range got {
		if v == "victim" {
			t.Fatalf("expected no delivery to removed connection, got %v", got)
		}
	}
	var remaining int
	barrier(t, c, func() { remaining = len(c.Connections()) })
	if remaining != 1 {
		t.Fatalf("expected one remaining connection, got %d", remaining)
	}
}

func TestDisabledConnectionHoldsEventsUntilEnabled(t *testing.T) {
	c := New()
	var got int
	inbox := NewInbox("pausable", MessageHandlerFunc(func(*message.Message) { got++ }))
	if err := c.Add(inbox); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	barrier(t, c, func() { inbox.SetEnabled(false) })
	if err := inbox.Send(message.New(message.CmdPing)); err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	barrier(t, c, nil)
	barrier(t, c, nil)
	var seen int
	barrier(t, c, func() { seen = got })
	if seen != 0 {
		t.Fatalf("expected no delivery while disabled, got %d", seen)
	}
	barrier(t, c, func() { inbox.SetEnabled(true) })
	waitFor(t, "held event delivered after enable", func() bool {
		var n int
		barrier(t, c, func() { n = got })
		return n == 1
	})
}

func TestTimerFiresAndRearms(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	c := New(WithClock(mc))
	var fired int
	timer := NewTimer("tick", 10*time.Second, true, func(time.Time) { fired++ })
	if err := c.Add(timer); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	for i := 0; i < 25; i++ {
		mc.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "recurring timer fired twice", func() bool {
		var n int
		barrier(t, c, func() { n = fired })
		return n >= 2
	})
}

func TestOneShotTimerFiresOnce(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	c := New(WithClock(mc))
	var fired int
	timer := NewTimer("once", 5*time.Second, false, func(time.Time) { fired++ })
	if err := c.Add(timer); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	for i := 0; i < 20; i++ {
		mc.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	var n int
	barrier(t, c, func() { n = fired })
	if n != 1 {
		t.Fatalf("expected one-shot timer to fire once, got %d", n)
	}
}

func TestSignalChannelInjection(t *testing.T) {
	c := New()
	sigc := make(chan os.Signal, 1)
	var got []os.Signal
	sig := NewSignalChannel("signals", sigc, func(s os.Signal) { got = append(got, s) })
	if err := c.Add(sig); err != nil {
		t.Fatalf("expected add to succeed, got %v", err)
	}
	stop := startLoop(t, c)
	defer stop()

	sigc <- os.Interrupt
	waitFor(t, "signal delivered through the loop", func() bool {
		var n int
		barrier(t, c, func() { n = len(got) })
		return n == 1
	})
	if got[0] != os.Interrupt {
		t.Fatalf("expected os.Interrupt, got %v", got[0])
	}
}
