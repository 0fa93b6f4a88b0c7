package mqttconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/unreliable"
)

// Connection lifecycle state names, bound to the canonical roles by Conf.
const (
	StateInit          unreliable.State = "init"
	StateConnecting    unreliable.State = "connecting"
	StateConnectFailed unreliable.State = "connect-failed"
	StateConnected     unreliable.State = "connected"
	StateDisconnecting unreliable.State = "disconnecting"
	StateDisconnected  unreliable.State = "disconnected"
)

// EventConnectionLost is the death event raised when the broker connection
// drops, or after a requested disconnect completes. Payload: LostArgs.
const EventConnectionLost broadcast.Event = "connection-lost"

// ErrConnectFailed wraps initial connection failures.
var ErrConnectFailed = errors.New("mqtt connection failed")

// LostArgs is the payload of EventConnectionLost.
type LostArgs struct {
	// Err is the transport error that dropped the connection, nil when the
	// disconnect was requested.
	Err error

	// Requested is true when the loss was a deliberate Stop.
	Requested bool
}

// Config holds configuration for the broker connection.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string `yaml:"name"`

	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string `yaml:"broker_url"`

	// ClientID identifies this client to the broker.
	ClientID string `yaml:"client_id"`

	// Username and Password are optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DisconnectQuiesce is the grace period for in-flight messages on a
	// requested disconnect.
	DisconnectQuiesce time.Duration `yaml:"disconnect_quiesce"`

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration `yaml:"keep_alive"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("broker_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

// Logger defines the logging interface for the connection resource.
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

// Conf returns the behaviour table binding the connection state names to
// the canonical lifecycle roles.
func Conf() unreliable.Conf {
	return unreliable.Conf{
		Roles: unreliable.Roles{
			Init:        StateInit,
			Starting:    StateConnecting,
			StartFailed: StateConnectFailed,
			Running:     StateConnected,
			Stopping:    StateDisconnecting,
			Stopped:     StateDisconnected,
		},
		Startable:           []unreliable.State{StateInit, StateDisconnected, StateConnectFailed},
		Stoppable:           []unreliable.State{StateConnected},
		DeathEvents:         []broadcast.Event{EventConnectionLost},
		AbortOnDeath:        []broadcast.Event{broadcast.Event(StateConnected)},
		AbortOnStartFailure: []broadcast.Event{broadcast.Event(StateConnected)},
	}
}

// Handle is the live handle for one broker connection.
type Handle struct {
	events *broadcast.Notifier
	client pahomqtt.Client
	dialed time.Time
}

// Notifier returns the handle's raw event notifier.
func (h *Handle) Notifier() *broadcast.Notifier { return h.events }

// Client exposes the underlying paho client for publish and subscribe use
// while the connection is supervised as running.
func (h *Handle) Client() pahomqtt.Client { return h.client }

// Uptime returns how long the connection has been up.
func (h *Handle) Uptime() time.Duration { return time.Since(h.dialed) }

// Resource dials and tears down the configured broker connection.
type Resource struct {
	cfg Config
	log Logger
}

// New creates a broker connection resource. Zero timeouts default to 10s
// connect, 250ms quiesce, and 30s keep-alive.
func New(cfg Config, log Logger) (*Resource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DisconnectQuiesce == 0 {
		cfg.DisconnectQuiesce = 250 * time.Millisecond
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Resource{cfg: cfg, log: log}, nil
}

// Create dials the broker and returns the connection handle. The
// connection-lost event fires on the supplied notifier when the link
// drops.
func (r *Resource) Create(ctx context.Context, events *broadcast.Notifier) (unreliable.Handle, error) {
	r.log.Info("connecting to broker",
		"name", r.cfg.Name,
		"broker", r.cfg.BrokerURL,
		"client_id", r.cfg.ClientID,
	)

	opts := pahomqtt.NewClientOptions().
		AddBroker(r.cfg.BrokerURL).
		SetClientID(r.cfg.ClientID).
		SetKeepAlive(r.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true)
	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
		opts.SetPassword(r.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		r.log.Warn("broker connection lost", "name", r.cfg.Name, "error", err)
		events.Notify(EventConnectionLost, LostArgs{Err: err})
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to %s: %w", r.cfg.BrokerURL, ctx.Err())
	case <-time.After(r.cfg.ConnectTimeout):
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %s", ErrConnectFailed, r.cfg.ConnectTimeout)
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}

	r.log.Info("broker connected", "name", r.cfg.Name, "broker", r.cfg.BrokerURL)
	return &Handle{events: events, client: client, dialed: time.Now()}, nil
}

// Stop disconnects from the broker with the configured quiesce period and
// raises the loss event once the disconnect completes. Paho does not call
// its lost handler for a requested disconnect, so the event is raised here.
func (r *Resource) Stop(uh unreliable.Handle) error {
	h, ok := uh.(*Handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", uh)
	}

	r.log.Info("disconnecting from broker", "name", r.cfg.Name)
	go func() {
		h.client.Disconnect(uint(r.cfg.DisconnectQuiesce.Milliseconds()))
		h.events.Notify(EventConnectionLost, LostArgs{Requested: true})
	}()
	return nil
}
