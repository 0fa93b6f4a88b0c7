package proc

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/unreliable"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Name: "echo", Binary: "/bin/echo"}, false},
		{"missing name", Config{Binary: "/bin/echo"}, true},
		{"missing binary", Config{Name: "echo"}, true},
		{"negative timeout", Config{Name: "echo", Binary: "/bin/echo", GracefulTimeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateSpawnFailure(t *testing.T) {
	res, err := New(Config{Name: "ghost", Binary: "/nonexistent/binary"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := res.Create(context.Background(), broadcast.NewNotifier()); err == nil {
		t.Error("Create() error = nil, want spawn error")
	}
}

func TestExitEventOnCleanExit(t *testing.T) {
	res, err := New(Config{Name: "true", Binary: "/bin/sh", Args: []string{"-c", "exit 0"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n := broadcast.NewNotifier()
	w := n.NewWaiter(EventExit)
	defer w.Cancel()

	h, err := res.Create(context.Background(), n)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	payload, err := w.Await(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Await(exit) error = %v", err)
	}
	args := payload.(ExitArgs)
	if args.Err != nil {
		t.Errorf("exit err = %v, want nil", args.Err)
	}
	if args.PID != h.(*Handle).PID() {
		t.Errorf("exit pid = %d, want %d", args.PID, h.(*Handle).PID())
	}
}

func TestExitEventOnNonZeroExit(t *testing.T) {
	res, err := New(Config{Name: "fail", Binary: "/bin/sh", Args: []string{"-c", "exit 3"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n := broadcast.NewNotifier()
	w := n.NewWaiter(EventExit)
	defer w.Cancel()

	if _, err := res.Create(context.Background(), n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	payload, err := w.Await(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Await(exit) error = %v", err)
	}
	if args := payload.(ExitArgs); args.Err == nil {
		t.Error("exit err = nil, want non-nil for exit status 3")
	}
}

func TestStopTerminatesProcess(t *testing.T) {
	res, err := New(Config{
		Name:            "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"30"},
		GracefulTimeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n := broadcast.NewNotifier()
	w := n.NewWaiter(EventExit)
	defer w.Cancel()

	h, err := res.Create(context.Background(), n)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := res.Stop(h); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	payload, err := w.Await(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Await(exit) error = %v", err)
	}
	if args := payload.(ExitArgs); args.Err == nil {
		t.Error("exit err = nil, want signal error after SIGTERM")
	}
}

func TestLifecycleUnderSupervisor(t *testing.T) {
	res, err := New(Config{
		Name:   "sleeper",
		Binary: "/bin/sleep",
		Args:   []string{"30"},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u, err := unreliable.New(res, Conf(), nil)
	if err != nil {
		t.Fatalf("unreliable.New() error = %v", err)
	}

	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := u.State(); got != StateRunning {
		t.Fatalf("State() = %q, want %q", got, StateRunning)
	}

	if err := u.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := u.WaitForState(context.Background(), StateExited, 3*time.Second); err != nil {
		t.Fatalf("WaitForState(exited) error = %v", err)
	}
}

func TestSupervisorSeesSpawnFailure(t *testing.T) {
	res, err := New(Config{Name: "ghost", Binary: "/nonexistent/binary"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	u, err := unreliable.New(res, Conf(), nil)
	if err != nil {
		t.Fatalf("unreliable.New() error = %v", err)
	}
	if err := u.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want spawn error")
	}
	if got := u.State(); got != StateSpawnFailed {
		t.Errorf("State() = %q, want %q", got, StateSpawnFailed)
	}
}
