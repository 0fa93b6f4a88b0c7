package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/unreliable"
)

// Process lifecycle state names, bound to the canonical roles by Conf.
const (
	StateInit        unreliable.State = "init"
	StateSpawning    unreliable.State = "spawning"
	StateSpawnFailed unreliable.State = "spawn-failed"
	StateRunning     unreliable.State = "running"
	StateTerminating unreliable.State = "terminating"
	StateExited      unreliable.State = "exited"
)

// EventExit is the death event raised when the child process is reaped.
// Payload: ExitArgs.
const EventExit broadcast.Event = "exit"

// outputBufferSize is the buffer size for capturing subprocess stdout/stderr.
const outputBufferSize = 4096

// ExitArgs is the payload of EventExit.
type ExitArgs struct {
	// PID is the process id of the child that exited.
	PID int

	// Err is the wait result: nil for a zero exit status, otherwise the
	// *exec.ExitError or wait failure.
	Err error
}

// Config holds configuration for the managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string `yaml:"name"`

	// Binary is the path to the executable.
	Binary string `yaml:"binary"`

	// Args are command-line arguments to pass to the binary.
	Args []string `yaml:"args"`

	// Env are additional environment variables (key=value format).
	// If nil, inherits from the parent process.
	Env []string `yaml:"env"`

	// WorkDir is the working directory for the process.
	// If empty, inherits from the parent process.
	WorkDir string `yaml:"work_dir"`

	// GracefulTimeout is how long to wait for graceful shutdown before
	// the process group is killed.
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if c.GracefulTimeout < 0 {
		return fmt.Errorf("graceful_timeout must not be negative")
	}
	return nil
}

// Logger defines the logging interface for the process resource.
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

// Conf returns the behaviour table binding the process state names to the
// canonical lifecycle roles.
func Conf() unreliable.Conf {
	return unreliable.Conf{
		Roles: unreliable.Roles{
			Init:        StateInit,
			Starting:    StateSpawning,
			StartFailed: StateSpawnFailed,
			Running:     StateRunning,
			Stopping:    StateTerminating,
			Stopped:     StateExited,
		},
		Startable:           []unreliable.State{StateInit, StateExited, StateSpawnFailed},
		Stoppable:           []unreliable.State{StateRunning},
		DeathEvents:         []broadcast.Event{EventExit},
		AbortOnDeath:        []broadcast.Event{broadcast.Event(StateRunning)},
		AbortOnStartFailure: []broadcast.Event{broadcast.Event(StateRunning)},
	}
}

// Handle is the live handle for one spawned process instance.
type Handle struct {
	events  *broadcast.Notifier
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
}

// Notifier returns the handle's raw event notifier.
func (h *Handle) Notifier() *broadcast.Notifier { return h.events }

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// Uptime returns how long the process has been alive.
func (h *Handle) Uptime() time.Duration { return time.Since(h.started) }

// Resource spawns and reaps the configured subprocess.
type Resource struct {
	cfg Config
	log Logger
}

// New creates a process resource. A zero GracefulTimeout defaults to 10s.
func New(cfg Config, log Logger) (*Resource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid process config: %w", err)
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Resource{cfg: cfg, log: log}, nil
}

// Create spawns the process and returns its handle. The exit event fires
// on the supplied notifier once the child is reaped.
func (r *Resource) Create(ctx context.Context, events *broadcast.Notifier) (unreliable.Handle, error) {
	r.log.Info("spawning process",
		"name", r.cfg.Name,
		"binary", r.cfg.Binary,
		"args", r.cfg.Args,
	)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, r.cfg.Args...) //nolint:gosec // Binary path is validated in Config.Validate()

	// New process group so the whole tree can be signalled on shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if r.cfg.Env != nil {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.cfg.Name, err)
	}

	h := &Handle{
		events:  events,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	go r.captureOutput("stdout", stdout)
	go r.captureOutput("stderr", stderr)
	go r.watch(h)

	r.log.Info("process started", "name", r.cfg.Name, "pid", h.pid)
	return h, nil
}

// Stop signals the process group with SIGTERM and arms the kill escalation.
// It returns without waiting; completion surfaces as the exit event.
func (r *Resource) Stop(uh unreliable.Handle) error {
	h, ok := uh.(*Handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", uh)
	}

	r.log.Info("stopping process", "name", r.cfg.Name, "pid", h.pid)
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling process group %d: %w", h.pid, err)
	}

	go r.escalate(h)
	return nil
}

// watch reaps the process and raises the exit event.
func (r *Resource) watch(h *Handle) {
	err := h.cmd.Wait()
	close(h.done)

	if err != nil {
		r.log.Warn("process exited",
			"name", r.cfg.Name,
			"pid", h.pid,
			"uptime", h.Uptime().Round(time.Millisecond),
			"error", err,
		)
	} else {
		r.log.Info("process exited cleanly",
			"name", r.cfg.Name,
			"pid", h.pid,
			"uptime", h.Uptime().Round(time.Millisecond),
		)
	}

	h.events.Notify(EventExit, ExitArgs{PID: h.pid, Err: err})
}

// escalate kills the process group if it ignores SIGTERM past the grace
// period.
func (r *Resource) escalate(h *Handle) {
	select {
	case <-h.done:
		return
	case <-time.After(r.cfg.GracefulTimeout):
	}

	r.log.Warn("graceful shutdown timed out, killing process group",
		"name", r.cfg.Name,
		"pid", h.pid,
	)
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil {
		r.log.Error("killing process group failed", "pid", h.pid, "error", err)
	}
}

// captureOutput reads from the given stream and logs each chunk.
func (r *Resource) captureOutput(stream string, rd io.Reader) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.log.Debug("process output",
				"name", r.cfg.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			return
		}
	}
}
