package unreliable

import (
	"errors"
	"fmt"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// Precondition faults. These indicate caller misuse (calling Start or Stop
// outside the configured state sets), not operational failure. Callers must
// not catch them and carry on; fix the call site instead.
var (
	// ErrNotStartable is returned when Start is called in a state outside
	// the configured startable set, or while a live handle exists.
	ErrNotStartable = errors.New("resource is not startable")

	// ErrNotStoppable is returned when Stop is called in a state outside
	// the configured stoppable set.
	ErrNotStoppable = errors.New("resource is not stoppable")

	// ErrNoResource is returned by RaceDeath when there is no live handle
	// to race against.
	ErrNoResource = errors.New("no live resource")
)

// DeathError is synthesised when a live resource raises one of its
// configured death events. It carries the dying handle and the raw event
// arguments so listeners can inspect how the resource went down.
type DeathError struct {
	// Handle is the handle that died.
	Handle Handle

	// Event is the raw death event that fired.
	Event broadcast.Event

	// Args is the payload the resource attached to the death event.
	Args any
}

func (e *DeathError) Error() string {
	return fmt.Sprintf("resource died (event %q): %v", e.Event, e.Args)
}
