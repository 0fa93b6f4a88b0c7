package unreliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
)

// fakeHandle is a controllable resource handle for tests.
type fakeHandle struct {
	n *broadcast.Notifier
}

func (h *fakeHandle) Notifier() *broadcast.Notifier { return h.n }

// fakeResource is a controllable Resource implementation. Tests drive death
// by notifying "exit" on the last created handle's notifier.
type fakeResource struct {
	mu        sync.Mutex
	createErr error
	stopErr   error
	dieEarly  bool
	creations int
	stops     int
	last      *fakeHandle
}

func (r *fakeResource) Create(ctx context.Context, events *broadcast.Notifier) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creations++
	if r.createErr != nil {
		return nil, r.createErr
	}
	h := &fakeHandle{n: events}
	r.last = h
	if r.dieEarly {
		// Simulates a resource that dies before creation even returns.
		events.Notify("exit", "died during create")
	}
	return h, nil
}

func (r *fakeResource) Stop(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return r.stopErr
}

func (r *fakeResource) lastHandle() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func testConf() Conf {
	return Conf{
		Roles: Roles{
			Init:        "init",
			Starting:    "starting",
			StartFailed: "start-failed",
			Running:     "running",
			Stopping:    "stopping",
			Stopped:     "stopped",
		},
		Startable:           []State{"init", "stopped", "start-failed"},
		Stoppable:           []State{"running"},
		DeathEvents:         []broadcast.Event{"exit"},
		AbortOnDeath:        []broadcast.Event{"running"},
		AbortOnStartFailure: []broadcast.Event{"running"},
	}
}

func newRunning(t *testing.T) (*Unreliable, *fakeResource) {
	t.Helper()
	res := &fakeResource{}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return u, res
}

func TestNewValidatesConf(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Conf)
	}{
		{"missing role", func(c *Conf) { c.Roles.Stopping = "" }},
		{"duplicate role", func(c *Conf) { c.Roles.Stopped = c.Roles.Running }},
		{"unknown startable", func(c *Conf) { c.Startable = []State{"bogus"} }},
		{"unknown stoppable", func(c *Conf) { c.Stoppable = []State{"bogus"} }},
		{"no death events", func(c *Conf) { c.DeathEvents = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := testConf()
			tt.mutate(&conf)
			if _, err := New(&fakeResource{}, conf, nil); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}

func TestNewRequiresResource(t *testing.T) {
	if _, err := New(nil, testConf(), nil); err == nil {
		t.Error("New(nil resource) error = nil, want error")
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	res := &fakeResource{}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	var seen []State
	record := func(args any) {
		tr := args.(Transition)
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	}
	u.Events().Subscribe("starting", record)
	u.Events().Subscribe("running", record)

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := u.State(); got != "running" {
		t.Errorf("State() = %q, want %q", got, "running")
	}
	if res.creations != 1 {
		t.Errorf("creations = %d, want 1", res.creations)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{"starting", "running"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestStartRejectedWhileRunning(t *testing.T) {
	u, _ := newRunning(t)
	err := u.Start(context.Background())
	if !errors.Is(err, ErrNotStartable) {
		t.Errorf("Start() error = %v, want ErrNotStartable", err)
	}
}

func TestStartFailureEntersStartFailed(t *testing.T) {
	cause := fmt.Errorf("spawn refused")
	res := &fakeResource{createErr: cause}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := u.Start(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("Start() error = %v, want %v", err, cause)
	}
	if got := u.State(); got != "start-failed" {
		t.Errorf("State() = %q, want %q", got, "start-failed")
	}
	if got := u.Stats().Subscriptions; got != 0 {
		t.Errorf("Subscriptions = %d, want 0 after failed start", got)
	}

	// start-failed is in the startable set; a second attempt works.
	res.mu.Lock()
	res.createErr = nil
	res.mu.Unlock()
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := u.State(); got != "running" {
		t.Errorf("State() after retry = %q, want %q", got, "running")
	}
}

func TestStartFailureAbortsConfiguredWaiters(t *testing.T) {
	cause := fmt.Errorf("spawn refused")
	res := &fakeResource{createErr: cause}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	w := u.Events().NewWaiter("running")
	defer w.Cancel()

	if err := u.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want creation error")
	}

	_, err = w.Await(context.Background(), time.Second)
	var aborted *broadcast.AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Await() error = %v, want *broadcast.AbortedError", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Await() error does not wrap creation cause: %v", err)
	}
}

func TestStopThenDeath(t *testing.T) {
	u, res := newRunning(t)

	if err := u.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := u.State(); got != "stopping" {
		t.Errorf("State() after Stop = %q, want %q", got, "stopping")
	}
	if res.stops != 1 {
		t.Errorf("stops = %d, want 1", res.stops)
	}

	// Shutdown completes when the resource raises its death event.
	res.lastHandle().n.Notify("exit", 0)
	if got := u.State(); got != "stopped" {
		t.Errorf("State() after death = %q, want %q", got, "stopped")
	}
	if got := u.Stats().Subscriptions; got != 0 {
		t.Errorf("Subscriptions = %d, want 0 after death", got)
	}
	if !u.Startable() {
		t.Error("Startable() = false, want true after clean stop")
	}
}

func TestStopRejectedOutsideStoppable(t *testing.T) {
	res := &fakeResource{}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := u.Stop(); !errors.Is(err, ErrNotStoppable) {
		t.Errorf("Stop() error = %v, want ErrNotStoppable", err)
	}
}

func TestStopErrorPropagates(t *testing.T) {
	u, res := newRunning(t)
	res.mu.Lock()
	res.stopErr = fmt.Errorf("kill refused")
	res.mu.Unlock()

	if err := u.Stop(); err == nil {
		t.Error("Stop() error = nil, want stop hook error")
	}
}

func TestDeathAbortsConfiguredWaiters(t *testing.T) {
	u, res := newRunning(t)

	w := u.Events().NewWaiter("running")
	defer w.Cancel()

	res.lastHandle().n.Notify("exit", 137)

	_, err := w.Await(context.Background(), time.Second)
	var aborted *broadcast.AbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("Await() error = %v, want *broadcast.AbortedError", err)
	}
	var death *DeathError
	if !errors.As(aborted.Cause, &death) {
		t.Fatalf("abort cause = %v, want *DeathError", aborted.Cause)
	}
	if death.Event != "exit" {
		t.Errorf("death event = %q, want %q", death.Event, "exit")
	}
	if death.Args != 137 {
		t.Errorf("death args = %v, want 137", death.Args)
	}
}

func TestDeathDuringCreate(t *testing.T) {
	res := &fakeResource{dieEarly: true}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := u.State(); got != "stopped" {
		t.Errorf("State() = %q, want %q", got, "stopped")
	}
	if got := u.Stats().Subscriptions; got != 0 {
		t.Errorf("Subscriptions = %d, want 0", got)
	}
}

func TestStaleDeathIgnored(t *testing.T) {
	u, res := newRunning(t)
	old := res.lastHandle()

	old.n.Notify("exit", "first")
	if got := u.State(); got != "stopped" {
		t.Fatalf("State() = %q, want %q", got, "stopped")
	}

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}

	// The dead instance's notifier must not disturb the new one.
	old.n.Notify("exit", "stale")
	if got := u.State(); got != "running" {
		t.Errorf("State() after stale death = %q, want %q", got, "running")
	}
}

func TestErrorEventAbortsEverything(t *testing.T) {
	u, res := newRunning(t)

	w := u.Events().NewWaiter("stopped")
	defer w.Cancel()

	cause := fmt.Errorf("socket torn")
	res.lastHandle().n.Notify(EventError, cause)

	_, err := w.Await(context.Background(), time.Second)
	if !errors.Is(err, cause) {
		t.Errorf("Await() error = %v, want wrapped %v", err, cause)
	}
}

func TestAuxHandlersLiveOnlyWhileRunning(t *testing.T) {
	var mu sync.Mutex
	var got []any
	conf := testConf()
	conf.Handlers = map[broadcast.Event]broadcast.Handler{
		"telemetry": func(args any) {
			mu.Lock()
			got = append(got, args)
			mu.Unlock()
		},
	}

	res := &fakeResource{}
	u, err := New(res, conf, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h := res.lastHandle()
	h.n.Notify("telemetry", "alive")
	h.n.Notify("exit", 0)
	h.n.Notify("telemetry", "after death")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "alive" {
		t.Errorf("telemetry payloads = %v, want [alive]", got)
	}
}

func TestStateVisibleInsideTransitionHandler(t *testing.T) {
	res := &fakeResource{}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var inside State
	u.Events().Subscribe("running", func(any) {
		inside = u.State()
	})
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if inside != "running" {
		t.Errorf("State() inside running handler = %q, want %q", inside, "running")
	}
}

func TestWaitForState(t *testing.T) {
	u, res := newRunning(t)

	// Already there: returns immediately.
	if err := u.WaitForState(context.Background(), "running", time.Second); err != nil {
		t.Fatalf("WaitForState(running) error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- u.WaitForState(context.Background(), "stopped", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	res.lastHandle().n.Notify("exit", 0)

	if err := <-done; err != nil {
		t.Errorf("WaitForState(stopped) error = %v", err)
	}
}

func TestWaitForStateTimeout(t *testing.T) {
	u, _ := newRunning(t)
	err := u.WaitForState(context.Background(), "stopped", 20*time.Millisecond)
	var timeout *broadcast.WaitTimeoutError
	if !errors.As(err, &timeout) {
		t.Errorf("WaitForState() error = %v, want *broadcast.WaitTimeoutError", err)
	}
}

func TestRaceDeathJobWins(t *testing.T) {
	u, _ := newRunning(t)

	err := u.RaceDeath(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("RaceDeath() error = %v, want nil", err)
	}
	if got := u.State(); got != "running" {
		t.Errorf("State() = %q, want %q", got, "running")
	}
}

func TestRaceDeathJobErrorWins(t *testing.T) {
	u, _ := newRunning(t)
	want := fmt.Errorf("query failed")

	err := u.RaceDeath(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("RaceDeath() error = %v, want %v", err, want)
	}
}

func TestRaceDeathDeathWins(t *testing.T) {
	u, res := newRunning(t)

	var sawCancel bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		res.lastHandle().n.Notify("exit", 1)
	}()

	err := u.RaceDeath(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel = true
		return ctx.Err()
	})

	var death *DeathError
	if !errors.As(err, &death) {
		t.Fatalf("RaceDeath() error = %v, want *DeathError", err)
	}
	if !sawCancel {
		t.Error("job was not cancelled before RaceDeath returned")
	}
	if got := u.State(); got != "stopped" {
		t.Errorf("State() = %q, want %q", got, "stopped")
	}
}

func TestRaceDeathCallerCancel(t *testing.T) {
	u, _ := newRunning(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := u.RaceDeath(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RaceDeath() error = %v, want context.Canceled", err)
	}
}

func TestRaceDeathNoResource(t *testing.T) {
	res := &fakeResource{}
	u, err := New(res, testConf(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = u.RaceDeath(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrNoResource) {
		t.Errorf("RaceDeath() error = %v, want ErrNoResource", err)
	}
}
