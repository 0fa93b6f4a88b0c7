package unreliable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// Logger defines the logging interface for the state machine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Transition is the payload broadcast on the Unreliable's notifier for
// every state change. The event name is the destination state.
type Transition struct {
	// From is the state the machine left.
	From State

	// To is the state the machine entered.
	To State

	// Err is the causal error for start-failed transitions, nil otherwise.
	Err error

	// Args carries the raw death-event arguments on stopped transitions.
	Args any
}

// deathSignal records a death event that arrived while creation was still
// in flight, so it can be processed once the handle is registered.
type deathSignal struct {
	event broadcast.Event
	args  any
}

// attempt is the per-instance record for one live (or starting) resource.
// Comparing attempt pointers tells handlers whether their instance is
// still the current one.
type attempt struct {
	notifier *broadcast.Notifier
	handle   Handle
	dead     bool
	pending  *deathSignal
}

// Unreliable is the resource state machine. Create instances with New.
type Unreliable struct {
	conf Conf
	res  Resource
	log  Logger

	events *broadcast.Notifier

	mu          sync.Mutex
	state       State
	handle      Handle
	current     *attempt
	disposables DisposableList
}

// New creates a state machine for the given resource. The Conf table is
// validated up front; an invalid table is a construction error, never a
// runtime surprise.
func New(res Resource, conf Conf, log Logger) (*Unreliable, error) {
	if res == nil {
		return nil, fmt.Errorf("resource is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource conf: %w", err)
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Unreliable{
		conf:   conf,
		res:    res,
		log:    log,
		events: broadcast.NewNotifier(),
		state:  conf.Roles.Init,
	}, nil
}

// Conf returns the behaviour table the machine was built with.
func (u *Unreliable) Conf() Conf {
	return u.conf
}

// Events returns the notifier transitions are broadcast on. The event name
// for each transition is the destination state; the payload is a
// Transition value.
func (u *Unreliable) Events() *broadcast.Notifier {
	return u.events
}

// State returns the current lifecycle state.
func (u *Unreliable) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Startable reports whether Start may be invoked right now.
func (u *Unreliable) Startable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return stateIn(u.state, u.conf.Startable) && u.handle == nil
}

// Stoppable reports whether Stop may be invoked right now.
func (u *Unreliable) Stoppable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return stateIn(u.state, u.conf.Stoppable) && u.handle != nil
}

// Start drives the resource from a startable state to running.
//
// It transitions to starting, invokes the resource's creation hook, and on
// success registers death detection plus auxiliary handlers and enters
// running. On creation failure it aborts the configured waiters with the
// causal error, enters start-failed, and returns the error.
//
// Calling Start outside the startable set, or while a live handle exists,
// is a precondition fault (ErrNotStartable).
func (u *Unreliable) Start(ctx context.Context) error {
	u.mu.Lock()
	if !stateIn(u.state, u.conf.Startable) {
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("%w: state %q", ErrNotStartable, state)
	}
	if u.handle != nil {
		u.mu.Unlock()
		return fmt.Errorf("%w: live handle present", ErrNotStartable)
	}
	from := u.state
	u.state = u.conf.Roles.Starting

	// Wire death detection before the creation hook runs, so a resource
	// that dies the instant it is born cannot slip past supervision.
	a := &attempt{notifier: broadcast.NewNotifier()}
	u.current = a
	u.disposables.Add(a.notifier.Subscribe(EventError, func(args any) {
		u.events.AbortEverything(errFromPayload(args))
	}))
	for _, ev := range u.conf.DeathEvents {
		ev := ev
		u.disposables.Add(a.notifier.Subscribe(ev, func(args any) {
			u.onDeath(a, ev, args)
		}))
	}
	for ev, h := range u.conf.Handlers {
		u.disposables.Add(a.notifier.Subscribe(ev, h))
	}
	u.mu.Unlock()

	u.notifyTransition(Transition{From: from, To: u.conf.Roles.Starting})

	handle, err := u.res.Create(ctx, a.notifier)
	if err != nil {
		u.mu.Lock()
		u.disposables.DisposeAll()
		u.current = nil
		u.state = u.conf.Roles.StartFailed
		u.mu.Unlock()

		for _, ev := range u.conf.AbortOnStartFailure {
			u.events.AbortAll(ev, err)
		}
		u.notifyTransition(Transition{From: u.conf.Roles.Starting, To: u.conf.Roles.StartFailed, Err: err})
		u.log.Warn("resource start failed", "error", err)
		return err
	}

	u.mu.Lock()
	u.handle = handle
	a.handle = handle
	u.state = u.conf.Roles.Running
	pending := a.pending
	a.pending = nil
	u.mu.Unlock()

	u.notifyTransition(Transition{From: u.conf.Roles.Starting, To: u.conf.Roles.Running})

	// A death event that raced creation is processed now that the handle
	// is registered; first definitive outcome wins, the late death is
	// handled as an ordinary post-running death.
	if pending != nil {
		u.finishDeath(a, pending.event, pending.args)
	}
	return nil
}

// Stop transitions to stopping and invokes the resource's stop hook. The
// hook's error propagates to the caller; death detection afterwards is
// independent of whether Stop itself failed.
//
// Calling Stop outside the stoppable set is a precondition fault
// (ErrNotStoppable).
func (u *Unreliable) Stop() error {
	u.mu.Lock()
	if !stateIn(u.state, u.conf.Stoppable) || u.handle == nil {
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("%w: state %q", ErrNotStoppable, state)
	}
	from := u.state
	u.state = u.conf.Roles.Stopping
	handle := u.handle
	u.mu.Unlock()

	u.notifyTransition(Transition{From: from, To: u.conf.Roles.Stopping})
	return u.res.Stop(handle)
}

// WaitForState blocks until the machine enters the given state, the
// timeout elapses, or ctx is cancelled. If the machine is already in the
// state it returns immediately.
func (u *Unreliable) WaitForState(ctx context.Context, state State, timeout time.Duration) error {
	w := u.events.NewWaiter(broadcast.Event(state))
	defer w.Cancel()

	// Registered first, checked second: a transition landing in between
	// is buffered by the waiter, not lost.
	if u.State() == state {
		return nil
	}
	_, err := w.Await(ctx, timeout)
	return err
}

// RaceDeath runs the job with a cancellable context, racing it against
// every death event of the current live handle. If a death event fires
// first the job's context is cancelled, the job's completion is awaited so
// no work outlives the call, and the death error is returned. If the job
// settles first its result wins and the death listeners are released.
func (u *Unreliable) RaceDeath(ctx context.Context, job func(ctx context.Context) error) error {
	u.mu.Lock()
	a := u.current
	if a == nil || a.handle == nil {
		u.mu.Unlock()
		return ErrNoResource
	}
	handle := a.handle
	deathCh := make(chan *DeathError, 1)
	losers := make([]broadcast.Disposable, 0, len(u.conf.DeathEvents))
	for _, ev := range u.conf.DeathEvents {
		ev := ev
		losers = append(losers, a.notifier.Once(ev, func(args any) {
			select {
			case deathCh <- &DeathError{Handle: handle, Event: ev, Args: args}:
			default:
			}
		}))
	}
	u.mu.Unlock()

	defer func() {
		for _, d := range losers {
			d.Dispose()
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- job(jobCtx) }()

	select {
	case err := <-done:
		return err
	case derr := <-deathCh:
		cancel()
		<-done
		return derr
	}
}

// onDeath handles a raw death event from the handle's notifier. A death
// arriving while creation is still in flight is parked on the attempt and
// replayed once the handle is registered.
func (u *Unreliable) onDeath(a *attempt, ev broadcast.Event, args any) {
	u.mu.Lock()
	if u.current != a || a.dead {
		u.mu.Unlock()
		return
	}
	if a.handle == nil {
		a.pending = &deathSignal{event: ev, args: args}
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	u.finishDeath(a, ev, args)
}

// finishDeath performs the death flow: transition to stopped, clear the
// handle, release every live subscription, then abort the configured
// waiters with the death error.
func (u *Unreliable) finishDeath(a *attempt, ev broadcast.Event, args any) {
	u.mu.Lock()
	if u.current != a || a.dead {
		u.mu.Unlock()
		return
	}
	a.dead = true
	from := u.state
	derr := &DeathError{Handle: a.handle, Event: ev, Args: args}
	u.state = u.conf.Roles.Stopped
	u.handle = nil
	u.current = nil
	u.disposables.DisposeAll()
	u.mu.Unlock()

	u.log.Debug("resource died", "event", string(ev), "from", string(from))
	u.notifyTransition(Transition{From: from, To: u.conf.Roles.Stopped, Args: args})
	for _, abortEv := range u.conf.AbortOnDeath {
		u.events.AbortAll(abortEv, derr)
	}
}

// notifyTransition broadcasts a transition under its destination state.
func (u *Unreliable) notifyTransition(tr Transition) {
	u.events.Notify(broadcast.Event(tr.To), tr)
}

// stateIn reports whether s is a member of set.
func stateIn(s State, set []State) bool {
	for _, member := range set {
		if member == s {
			return true
		}
	}
	return false
}

// errFromPayload coerces an error-event payload into an error.
func errFromPayload(payload any) error {
	if err, ok := payload.(error); ok {
		return err
	}
	return fmt.Errorf("resource error: %v", payload)
}

// Stats holds a snapshot of the state machine for monitoring.
type Stats struct {
	State         State `json:"state"`
	HandleLive    bool  `json:"handle_live"`
	Subscriptions int   `json:"subscriptions"`
}

// Stats returns a snapshot of the machine's current condition.
func (u *Unreliable) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		State:         u.state,
		HandleLive:    u.handle != nil,
		Subscriptions: u.disposables.Len(),
	}
}
