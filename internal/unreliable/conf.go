package unreliable

import (
	"context"
	"fmt"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// State is a resource lifecycle state. Concrete resource types choose their
// own display names and bind them to the six canonical roles via Roles.
type State string

// Roles binds a resource type's state names to the six canonical lifecycle
// roles. Every field is required and all six names must be distinct.
type Roles struct {
	Init        State
	Starting    State
	StartFailed State
	Running     State
	Stopping    State
	Stopped     State
}

// all returns the six role states in a fixed order.
func (r Roles) all() []State {
	return []State{r.Init, r.Starting, r.StartFailed, r.Running, r.Stopping, r.Stopped}
}

// Conf is the immutable behaviour table for a concrete resource type,
// supplied once at construction.
type Conf struct {
	// Roles binds state names to lifecycle roles.
	Roles Roles

	// Startable lists the states from which Start may be invoked.
	Startable []State

	// Stoppable lists the states from which Stop may be invoked.
	Stoppable []State

	// DeathEvents are the raw handle-level event names interpreted as
	// "the resource has died". At least one is required.
	DeathEvents []broadcast.Event

	// AbortOnDeath lists waiter events on the Unreliable's own notifier to
	// forcibly abort with the death error when the resource dies after
	// having successfully started.
	AbortOnDeath []broadcast.Event

	// AbortOnStartFailure lists waiter events to forcibly abort with the
	// causal error when a start attempt fails.
	AbortOnStartFailure []broadcast.Event

	// Handlers are auxiliary handle-level event bindings, subscribed for
	// the lifetime of each live handle and released on death.
	Handlers map[broadcast.Event]broadcast.Handler
}

// Validate checks the table for construction-time errors: missing or
// duplicate role names, startable/stoppable entries that name unknown
// states, or an empty death-event set.
func (c Conf) Validate() error {
	seen := make(map[State]struct{}, 6)
	for _, s := range c.Roles.all() {
		if s == "" {
			return fmt.Errorf("all six role states must be named")
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate role state %q", s)
		}
		seen[s] = struct{}{}
	}

	for _, s := range c.Startable {
		if _, ok := seen[s]; !ok {
			return fmt.Errorf("startable state %q is not a role state", s)
		}
	}
	for _, s := range c.Stoppable {
		if _, ok := seen[s]; !ok {
			return fmt.Errorf("stoppable state %q is not a role state", s)
		}
	}

	if len(c.DeathEvents) == 0 {
		return fmt.Errorf("at least one death event is required")
	}

	return nil
}

// Handle is the live resource handle returned by a Resource's creation
// hook. It is owned exclusively by the Unreliable that created it; external
// code interacts through the wrapper, never with the handle directly.
type Handle interface {
	// Notifier returns the handle's raw event notifier. Death events,
	// the error event, and any auxiliary events arrive here.
	Notifier() *broadcast.Notifier
}

// Resource is the collaborator interface a concrete resource type supplies.
type Resource interface {
	// Create brings the resource to life and returns its handle. The
	// events notifier is wired for death detection before Create is
	// called, so an instantly-dying resource cannot slip past
	// supervision; implementations must raise all raw events on it.
	Create(ctx context.Context, events *broadcast.Notifier) (Handle, error)

	// Stop initiates shutdown of the handle without waiting for it to
	// complete. Completion is observed via a subsequent death event.
	Stop(h Handle) error
}

// EventError is the reserved handle-level event name for asynchronous
// resource errors. When it fires, every waiter currently registered on the
// Unreliable's notifier is aborted with the payload error.
const EventError broadcast.Event = "error"
