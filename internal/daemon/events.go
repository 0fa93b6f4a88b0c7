package daemon

import (
	"fmt"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// Status is the daemon's own lifecycle status, independent of the wrapped
// resource's state names.
type Status string

const (
	// StatusInit is the status between a Start call and the first attempt.
	StatusInit Status = "init"

	// StatusStarting means an attempt is driving the resource up.
	StatusStarting Status = "starting"

	// StatusRunning means the resource started and is alive.
	StatusRunning Status = "running"

	// StatusRetryScheduled means a retry timer is armed.
	StatusRetryScheduled Status = "retry-scheduled"

	// StatusDead is terminal. The daemon never retries from dead; only an
	// external Start call begins a new episode.
	StatusDead Status = "dead"
)

// Events broadcast on the daemon's notifier.
const (
	// EventStarting fires at the top of every attempt. Payload: StartingArgs.
	EventStarting broadcast.Event = "starting"

	// EventStartFailed fires when an attempt fails. Payload: *StartFailure.
	EventStartFailed broadcast.Event = "start-failed"

	// EventRunning fires when an attempt succeeds. No payload.
	EventRunning broadcast.Event = "running"

	// EventRetryScheduled fires when a retry timer is armed.
	// Payload: RetryArgs.
	EventRetryScheduled broadcast.Event = "retry-scheduled"
)

// StartingArgs is the payload of EventStarting.
type StartingArgs struct {
	// Attempt is the 1-based attempt number within the current episode.
	Attempt int
}

// RetryArgs is the payload of EventRetryScheduled.
type RetryArgs struct {
	// NextAttempt is the attempt number the armed timer will run.
	NextAttempt int

	// Delay is how long until the timer fires.
	Delay time.Duration
}

// StartFailure is the payload of EventStartFailed and the error used to
// abort EventRunning waiters when the attempt budget is exhausted.
type StartFailure struct {
	// Cause is the creation error from the resource.
	Cause error

	// Attempt is the attempt number that failed.
	Attempt int

	// RetryIn is the delay before the next attempt, or negative when the
	// failure is terminal and no further attempts will be made.
	RetryIn time.Duration
}

// Terminal reports whether this failure exhausted the attempt budget.
func (e *StartFailure) Terminal() bool { return e.RetryIn < 0 }

func (e *StartFailure) Error() string {
	if e.Terminal() {
		return fmt.Sprintf("start attempt %d failed permanently: %v", e.Attempt, e.Cause)
	}
	return fmt.Sprintf("start attempt %d failed, retrying in %s: %v", e.Attempt, e.RetryIn, e.Cause)
}

func (e *StartFailure) Unwrap() error { return e.Cause }
