package reactor

import "time"

// TimerConn fires a callback when its deadline passes, either once or
// on a recurring period. The first deadline is armed when the
// connection is added, against the Communicator's clock.
type TimerConn struct {
	Base
	period    time.Duration
	recurring bool
	next      time.Time
	armed     bool
	cb        func(now time.Time)
}

// NewTimer returns a timer connection. A recurring timer rearms
// itself after each expiration; a one-shot timer stays quiet until
// rescheduled.
func NewTimer(name string, period time.Duration, recurring bool, cb func(now time.Time)) *TimerConn {
	return &TimerConn{
		Base:      newBase(name),
		period:    period,
		recurring: recurring,
		cb:        cb,
	}
}

func (t *TimerConn) start() {
	if t.period > 0 {
		t.next = t.comm.clk.Now().Add(t.period)
		t.armed = true
	}
}

// NextWake returns the pending deadline, if any.
func (t *TimerConn) NextWake() (time.Time, bool) {
	return t.next, t.armed
}

// ProcessTimeout rearms a recurring timer from its scheduled deadline
// (not the observed time, so periods do not drift) and invokes the
// callback.
func (t *TimerConn) ProcessTimeout(now time.Time) {
	if t.recurring {
		t.next = t.next.Add(t.period)
		if !t.next.After(now) {
			// Missed several periods; do not replay them.
			t.next = now.Add(t.period)
		}
	} else {
		t.armed = false
	}
	if t.cb != nil {
		t.cb(now)
	}
}

// RescheduleIn arms the timer to fire after d. Loop goroutine only.
func (t *TimerConn) RescheduleIn(d time.Duration) {
	t.next = t.comm.clk.Now().Add(d)
	t.armed = true
}

// RescheduleAt arms the timer to fire at the given instant. Loop
// goroutine only.
func (t *TimerConn) RescheduleAt(at time.Time) {
	t.next = at
	t.armed = true
}

// Disarm cancels the pending deadline without disabling the
// connection.
func (t *TimerConn) Disarm() {
	t.armed = false
}
