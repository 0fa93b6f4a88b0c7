package shutdown

import (
	"context"
	"sync"
	"time"
)

// Logger defines the logging interface for the registry.
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

// StopFunc is one cleanup action. The context carries the hook's timeout;
// implementations should abandon work when it expires.
type StopFunc func(ctx context.Context) error

// hook is one registered cleanup action.
type hook struct {
	name    string
	timeout time.Duration
	stop    StopFunc
}

// Registry holds cleanup hooks for one process.
type Registry struct {
	log Logger

	mu    sync.Mutex
	hooks []hook
	ran   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(log Logger) *Registry {
	if log == nil {
		log = noopLogger{}
	}
	return &Registry{log: log}
}

// Register adds a cleanup hook. Hooks run in reverse registration order,
// so dependencies registered first are stopped last. A non-positive
// timeout means the hook runs without a deadline.
func (r *Registry) Register(name string, timeout time.Duration, stop StopFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook{name: name, timeout: timeout, stop: stop})
}

// Run executes every registered hook, newest first. Failures are logged
// and do not prevent later hooks from running. Run returns the number of
// hooks that failed; calling it a second time does nothing.
func (r *Registry) Run() int {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return 0
	}
	r.ran = true
	hooks := r.hooks
	r.mu.Unlock()

	failed := 0
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if h.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
		}

		r.log.Debug("running shutdown hook", "name", h.name)
		if err := h.stop(ctx); err != nil {
			r.log.Error("shutdown hook failed", "name", h.name, "error", err)
			failed++
		}
		cancel()
	}
	return failed
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}
