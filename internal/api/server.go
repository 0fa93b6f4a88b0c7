package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/daemon"
	"github.com/nerrad567/keeper/internal/infrastructure/config"
	"github.com/nerrad567/keeper/internal/infrastructure/logging"
	"github.com/nerrad567/keeper/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Daemon   *daemon.Daemon
	Journal  *journal.Journal // optional; journal endpoints 404 without it
	Version  string
}

// Server is the HTTP API server for keeper.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub
// that relays daemon broadcasts. The server is created with New() and
// started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	daemon  *daemon.Daemon
	journal *journal.Journal
	version string

	server       *http.Server
	hub          *Hub
	cancel       context.CancelFunc
	superviseCtx context.Context
	release      []broadcast.Disposable
	started      time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Daemon == nil {
		return nil, fmt.Errorf("daemon is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &Server{
		cfg:     deps.Config,
		wsCfg:   deps.WS,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		daemon:  deps.Daemon,
		journal: deps.Journal,
		version: deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to daemon broadcasts for
// real-time relay, and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.superviseCtx = srvCtx

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	s.relayDaemonEvents()
	s.started = time.Now()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// relayDaemonEvents mirrors every daemon broadcast onto the WebSocket hub
// under the "daemon.transition" channel.
func (s *Server) relayDaemonEvents() {
	relay := func(event string) broadcast.Handler {
		return func(args any) {
			s.hub.Broadcast("daemon.transition", map[string]any{
				"event":  event,
				"status": string(s.daemon.Status()),
				"detail": describePayload(args),
			})
		}
	}
	s.release = []broadcast.Disposable{
		s.daemon.Events().Subscribe(daemon.EventStarting, relay("starting")),
		s.daemon.Events().Subscribe(daemon.EventRunning, relay("running")),
		s.daemon.Events().Subscribe(daemon.EventStartFailed, relay("start-failed")),
		s.daemon.Events().Subscribe(daemon.EventRetryScheduled, relay("retry-scheduled")),
	}
}

// describePayload renders a daemon event payload for clients.
func describePayload(args any) any {
	switch v := args.(type) {
	case daemon.StartingArgs:
		return map[string]any{"attempt": v.Attempt}
	case *daemon.StartFailure:
		return map[string]any{
			"attempt":  v.Attempt,
			"terminal": v.Terminal(),
			"error":    v.Cause.Error(),
		}
	case daemon.RetryArgs:
		return map[string]any{"next_attempt": v.NextAttempt, "delay_ms": v.Delay.Milliseconds()}
	default:
		return nil
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	for _, d := range s.release {
		d.Dispose()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
