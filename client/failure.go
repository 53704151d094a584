package client

import "fmt"

// Failure is a lock operation the daemon refused. Code is the error
// parameter of the LOCKFAILED or UNLOCKED reply; Reason carries the
// daemon's free-text detail when there is one.
type Failure struct {
	Object string
	Code   string
	Reason string
}

func (f *Failure) Error() string {
	if f.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Object, f.Code, f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Object, f.Code)
}

// Timeout reports whether the failure is one of the two deadline
// outcomes: the wait ran out before the grant, or the hold expired
// before the unlock.
func (f *Failure) Timeout() bool {
	return f.Code == FailureFailed || f.Code == FailureTimedOut
}

// Failure codes as they appear on the wire.
const (
	FailureInvalid   = "invalid"   // malformed request parameters
	FailureDuplicate = "duplicate" // a lock for the same pid is already in flight
	FailureOverflow  = "overflow"  // ticket number space exhausted for the object
	FailureFailed    = "failed"    // wait deadline passed before the lock was granted
	FailureTimedOut  = "timedout"  // granted hold expired before unlock
	FailureNotLocked = "notlocked" // unlock for a lock this client does not hold
	FailureShutdown  = "shutdown"  // daemon is going away
)
