package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/unreliable"
)

// Logger defines the logging interface for the daemon.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the daemon's retry policy.
type Config struct {
	// MaxAttempts is the number of consecutive failed start attempts
	// tolerated before the daemon goes dead. Must be at least 1.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Validate checks the policy for construction-time errors.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay)
	}
	return nil
}

// Daemon supervises one unreliable resource with bounded retries.
type Daemon struct {
	res *unreliable.Unreliable
	cfg Config
	log Logger

	events *broadcast.Notifier

	mu          sync.Mutex
	status      Status
	epoch       uint64
	lastAttempt int
	timer       *time.Timer
	stoppedSub  broadcast.Disposable
	pendingStop bool
	announcing  bool
}

// New creates a daemon supervising the given resource.
func New(res *unreliable.Unreliable, cfg Config, log Logger) (*Daemon, error) {
	if res == nil {
		return nil, fmt.Errorf("resource is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Daemon{
		res:    res,
		cfg:    cfg,
		log:    log,
		events: broadcast.NewNotifier(),
		status: StatusInit,
	}, nil
}

// Events returns the notifier the daemon broadcasts its lifecycle on.
func (d *Daemon) Events() *broadcast.Notifier {
	return d.events
}

// Resource returns the supervised state machine.
func (d *Daemon) Resource() *unreliable.Unreliable {
	return d.res
}

// Status returns the daemon's current status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Start begins a fresh supervision episode. It resets the status to init,
// cancels any pending retry timer from a prior episode, and drives attempt
// number 1 asynchronously. Start never fails; every outcome, including
// permanent failure, surfaces via broadcast events.
//
// ctx is passed to each start attempt of the episode. Cancelling it makes
// in-flight creation attempts fail, which consumes the attempt budget like
// any other creation failure.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	d.epoch++
	epoch := d.epoch
	d.clearTimerLocked()
	d.clearStoppedSubLocked()
	d.pendingStop = false
	d.status = StatusInit
	d.lastAttempt = 0
	d.mu.Unlock()

	go d.attempt(ctx, epoch, 1)
}

// Stop terminates the episode. The status becomes dead immediately, any
// pending retry timer is cancelled, and the resource is stopped best-effort
// with errors swallowed. Dead is permanent until an external Start call.
func (d *Daemon) Stop() {
	d.mu.Lock()
	d.epoch++
	d.clearTimerLocked()
	d.clearStoppedSubLocked()
	d.pendingStop = false
	d.status = StatusDead
	d.mu.Unlock()

	// The resource is considered gone either way; a failing stop hook is
	// logged and swallowed.
	if d.res.Stoppable() {
		if err := d.res.Stop(); err != nil {
			d.log.Warn("best-effort resource stop failed", "error", err)
		}
	}
	d.log.Info("daemon stopped")
}

// attempt runs one start attempt. The epoch identifies the episode that
// scheduled it; a stale epoch means Stop or a fresh Start superseded this
// attempt and it must do nothing.
func (d *Daemon) attempt(ctx context.Context, epoch uint64, n int) {
	d.mu.Lock()
	if d.epoch != epoch || d.status == StatusDead {
		d.mu.Unlock()
		return
	}
	d.clearTimerLocked()
	d.clearStoppedSubLocked()
	d.pendingStop = false
	d.status = StatusStarting
	d.lastAttempt = n
	d.mu.Unlock()

	d.events.Notify(EventStarting, StartingArgs{Attempt: n})
	d.log.Info("starting resource", "attempt", n, "max_attempts", d.cfg.MaxAttempts)

	// Watch for death before starting, so a resource that dies the moment
	// it comes up is still observed.
	stopped := broadcast.Event(d.res.Conf().Roles.Stopped)
	sub := d.res.Events().Once(stopped, func(any) {
		d.onResourceStopped(ctx, epoch)
	})
	d.mu.Lock()
	if d.epoch != epoch {
		d.mu.Unlock()
		sub.Dispose()
		return
	}
	d.stoppedSub = sub
	d.mu.Unlock()

	err := d.res.Start(ctx)
	if err == nil {
		d.mu.Lock()
		if d.epoch != epoch || d.status == StatusDead {
			d.mu.Unlock()
			// Stop or a fresh Start ended this episode while the creation
			// hook was still in flight. The late success is discarded; the
			// resource must not be left running unsupervised.
			d.stopLateResource()
			return
		}
		d.status = StatusRunning
		d.announcing = true
		d.mu.Unlock()

		d.events.Notify(EventRunning, nil)
		d.log.Info("resource running", "attempt", n)

		// A death observed before the running broadcast completed was
		// parked; handle it now as an ordinary post-running death.
		d.mu.Lock()
		d.announcing = false
		died := d.pendingStop
		d.pendingStop = false
		stale := d.epoch != epoch || d.status != StatusRunning
		d.mu.Unlock()
		if stale {
			d.stopLateResource()
			return
		}
		if died {
			d.handleDeath(ctx, epoch)
		}
		return
	}

	// The creation routine may have partially started something before
	// failing; stop it if the state machine still allows.
	if d.res.Stoppable() {
		if serr := d.res.Stop(); serr != nil {
			d.log.Warn("cleanup stop after failed attempt failed", "error", serr)
		}
	}

	if n >= d.cfg.MaxAttempts {
		failure := &StartFailure{Cause: err, Attempt: n, RetryIn: -1}
		d.mu.Lock()
		if d.epoch != epoch {
			d.mu.Unlock()
			return
		}
		d.clearTimerLocked()
		d.clearStoppedSubLocked()
		d.status = StatusDead
		d.mu.Unlock()

		d.events.Notify(EventStartFailed, failure)
		d.events.AbortAll(EventRunning, failure)
		d.log.Error("resource failed permanently", "attempts", n, "error", err)
		return
	}

	// Status is committed to retry-scheduled before the failure broadcast,
	// so a listener reacting to start-failed already sees the new status.
	failure := &StartFailure{Cause: err, Attempt: n, RetryIn: d.cfg.RetryDelay}
	d.mu.Lock()
	if d.epoch != epoch || d.status == StatusDead {
		d.mu.Unlock()
		return
	}
	d.status = StatusRetryScheduled
	d.mu.Unlock()

	d.events.Notify(EventStartFailed, failure)
	d.scheduleRetry(ctx, epoch, n+1)
}

// stopLateResource stops a resource whose creation outlived its episode.
// Best-effort: the episode that would have supervised it is already over,
// so a failing stop hook is logged and swallowed.
func (d *Daemon) stopLateResource() {
	if !d.res.Stoppable() {
		return
	}
	d.log.Warn("stopping resource that started after its episode ended")
	if err := d.res.Stop(); err != nil {
		d.log.Warn("late resource stop failed", "error", err)
	}
}

// onResourceStopped reacts to the resource's stopped transition. A death
// during a successful run restarts the attempt counter at 1; a death while
// the attempt is still in flight is parked for the attempt to pick up.
func (d *Daemon) onResourceStopped(ctx context.Context, epoch uint64) {
	d.mu.Lock()
	if d.epoch != epoch || d.status == StatusDead {
		d.mu.Unlock()
		return
	}
	if d.status == StatusStarting || d.announcing {
		d.pendingStop = true
		d.mu.Unlock()
		return
	}
	if d.status != StatusRunning {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.handleDeath(ctx, epoch)
}

// handleDeath schedules recovery from a post-running death. The counter
// restarts at attempt 1: only consecutive start failures consume the
// attempt budget.
func (d *Daemon) handleDeath(ctx context.Context, epoch uint64) {
	d.log.Warn("resource died, scheduling restart", "retry_delay", d.cfg.RetryDelay)
	d.scheduleRetry(ctx, epoch, 1)
}

// scheduleRetry arms the retry timer for the given attempt number. The
// retry-scheduled status is committed and broadcast before the timer is
// armed, so with a zero delay the next attempt's starting event still
// follows retry-scheduled.
func (d *Daemon) scheduleRetry(ctx context.Context, epoch uint64, next int) {
	d.mu.Lock()
	if d.epoch != epoch || d.status == StatusDead {
		d.mu.Unlock()
		return
	}
	d.clearTimerLocked()
	d.status = StatusRetryScheduled
	d.mu.Unlock()

	d.events.Notify(EventRetryScheduled, RetryArgs{NextAttempt: next, Delay: d.cfg.RetryDelay})

	d.mu.Lock()
	if d.epoch != epoch || d.status != StatusRetryScheduled {
		d.mu.Unlock()
		return
	}
	d.timer = time.AfterFunc(d.cfg.RetryDelay, func() {
		d.attempt(ctx, epoch, next)
	})
	d.mu.Unlock()
}

// clearTimerLocked cancels a pending retry timer. Caller holds d.mu.
func (d *Daemon) clearTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// clearStoppedSubLocked releases the stopped-transition subscription.
// Caller holds d.mu.
func (d *Daemon) clearStoppedSubLocked() {
	if d.stoppedSub != nil {
		d.stoppedSub.Dispose()
		d.stoppedSub = nil
	}
}

// WaitRunning blocks until the daemon broadcasts running, the timeout
// elapses, or ctx is cancelled. If the attempt budget is exhausted while
// waiting, the wait fails with the terminal *StartFailure as abort cause.
func (d *Daemon) WaitRunning(ctx context.Context, timeout time.Duration) error {
	w := d.events.NewWaiter(EventRunning)
	defer w.Cancel()

	if d.Status() == StatusRunning {
		return nil
	}
	_, err := w.Await(ctx, timeout)
	return err
}

// WaitForDeath blocks until the resource reports its stopped state, the
// timeout elapses, or ctx is cancelled. It returns immediately when the
// resource is not currently stoppable (there is nothing alive to die).
func (d *Daemon) WaitForDeath(ctx context.Context, timeout time.Duration) error {
	if !d.res.Stoppable() {
		return nil
	}
	stopped := d.res.Conf().Roles.Stopped
	return d.res.WaitForState(ctx, stopped, timeout)
}

// Stats holds a snapshot of the daemon for monitoring.
type Stats struct {
	Status        Status           `json:"status"`
	LastAttempt   int              `json:"last_attempt"`
	MaxAttempts   int              `json:"max_attempts"`
	RetryDelay    time.Duration    `json:"retry_delay"`
	RetryArmed    bool             `json:"retry_armed"`
	ResourceState unreliable.State `json:"resource_state"`
	Resource      unreliable.Stats `json:"resource"`
}

// Stats returns a snapshot of the daemon and its resource.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	status := d.status
	last := d.lastAttempt
	armed := d.timer != nil
	d.mu.Unlock()

	rstats := d.res.Stats()
	return Stats{
		Status:        status,
		LastAttempt:   last,
		MaxAttempts:   d.cfg.MaxAttempts,
		RetryDelay:    d.cfg.RetryDelay,
		RetryArmed:    armed,
		ResourceState: rstats.State,
		Resource:      rstats,
	}
}
