package bakery

import "fmt"

// Failure carries a protocol-level rejection that maps onto the error
// parameter of a LOCKFAILED or UNLOCKED reply.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Error codes surfaced to clients.
const (
	FailInvalid   = "invalid"   // malformed request parameters
	FailDuplicate = "duplicate" // a lock for the same server/pid is already in flight
	FailOverflow  = "overflow"  // ticket id space exhausted for the object
	FailFailed    = "failed"    // obtention deadline passed before the lock was granted
	FailTimedOut  = "timedout"  // granted hold expired before UNLOCK
	FailNotLocked = "notlocked" // UNLOCK for a lock this server does not hold
	FailShutdown  = "shutdown"  // coordinator is going away
)
