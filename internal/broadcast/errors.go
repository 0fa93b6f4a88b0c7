package broadcast

import (
	"fmt"
	"time"
)

// WaitTimeoutError is returned when a wait's timeout elapses before the
// event fires. It is distinct from cancellation and from abort so callers
// can tell "the event never happened" apart from "the wait was torn down".
type WaitTimeoutError struct {
	// Event is the event that was being waited for.
	Event Event

	// Timeout is the duration that elapsed.
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for event %q", e.Timeout, e.Event)
}

// AbortedError is delivered to waiters that were forcibly failed via
// AbortAll. Cause carries the error the aborter supplied.
type AbortedError struct {
	// Event is the event the waiter was registered under.
	Event Event

	// Cause is the error passed to AbortAll.
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("wait for event %q aborted: %v", e.Event, e.Cause)
}

func (e *AbortedError) Unwrap() error {
	return e.Cause
}
