package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for keeper.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Resource  ResourceConfig  `yaml:"resource"`
	Journal   JournalConfig   `yaml:"journal"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig contains service identification.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// DaemonConfig contains the retry policy for the supervisor.
type DaemonConfig struct {
	// MaxAttempts is the number of consecutive failed start attempts
	// tolerated before the daemon gives up.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelayMS is the fixed pause between attempts in milliseconds.
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// RetryDelay returns the retry delay as a Duration.
func (c DaemonConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// ResourceConfig selects and configures the supervised resource.
type ResourceConfig struct {
	// Type is the resource kind: "process" or "mqtt".
	Type string `yaml:"type"`

	Process ProcessConfig `yaml:"process"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// ProcessConfig contains settings for a supervised child process.
type ProcessConfig struct {
	Name    string   `yaml:"name"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"work_dir"`

	// GracefulTimeoutSec is how long to wait for SIGTERM to take effect
	// before the process group is killed.
	GracefulTimeoutSec int `yaml:"graceful_timeout"`
}

// GracefulTimeout returns the termination grace period as a Duration.
func (c ProcessConfig) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutSec) * time.Second
}

// MQTTConfig contains settings for a supervised broker connection.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// ConnectTimeoutSec bounds the initial connection attempt.
	ConnectTimeoutSec int `yaml:"connect_timeout"`

	// DisconnectQuiesceMS is the grace period for in-flight messages on a
	// requested disconnect, in milliseconds.
	DisconnectQuiesceMS int `yaml:"disconnect_quiesce_ms"`

	// KeepAliveSec is the MQTT keep-alive interval.
	KeepAliveSec int `yaml:"keep_alive"`
}

// ConnectTimeout returns the connect timeout as a Duration.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// DisconnectQuiesce returns the disconnect quiesce period as a Duration.
func (c MQTTConfig) DisconnectQuiesce() time.Duration {
	return time.Duration(c.DisconnectQuiesceMS) * time.Millisecond
}

// KeepAlive returns the keep-alive interval as a Duration.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// JournalConfig contains SQLite journal settings.
type JournalConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	Measurement   string `yaml:"measurement"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT bearer token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Resource type names accepted by ResourceConfig.Type.
const (
	ResourceProcess = "process"
	ResourceMQTT    = "mqtt"
)

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is defaults, then file values, then environment
// variables. Environment variables follow the pattern KEEPER_SECTION_KEY,
// for example KEEPER_JOURNAL_PATH or KEEPER_API_HOST.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "keeper",
		},
		Daemon: DaemonConfig{
			MaxAttempts:  5,
			RetryDelayMS: 5000,
		},
		Resource: ResourceConfig{
			Type: ResourceProcess,
			Process: ProcessConfig{
				GracefulTimeoutSec: 10,
			},
			MQTT: MQTTConfig{
				ClientID:            "keeper",
				ConnectTimeoutSec:   10,
				DisconnectQuiesceMS: 250,
				KeepAliveSec:        30,
			},
		},
		Journal: JournalConfig{
			Path:        "./data/keeper.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			Measurement:   "keeper_transition",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern
// KEEPER_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	// Journal
	if v := os.Getenv("KEEPER_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// Resource
	if v := os.Getenv("KEEPER_RESOURCE_TYPE"); v != "" {
		cfg.Resource.Type = v
	}
	if v := os.Getenv("KEEPER_MQTT_BROKER_URL"); v != "" {
		cfg.Resource.MQTT.BrokerURL = v
	}
	if v := os.Getenv("KEEPER_MQTT_USERNAME"); v != "" {
		cfg.Resource.MQTT.Username = v
	}
	if v := os.Getenv("KEEPER_MQTT_PASSWORD"); v != "" {
		cfg.Resource.MQTT.Password = v
	}

	// API
	if v := os.Getenv("KEEPER_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("KEEPER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("KEEPER_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}

	if c.Daemon.MaxAttempts < 1 {
		errs = append(errs, "daemon.max_attempts must be at least 1")
	}
	if c.Daemon.RetryDelayMS < 0 {
		errs = append(errs, "daemon.retry_delay_ms must not be negative")
	}

	switch c.Resource.Type {
	case ResourceProcess:
		if c.Resource.Process.Binary == "" {
			errs = append(errs, "resource.process.binary is required")
		}
	case ResourceMQTT:
		if c.Resource.MQTT.BrokerURL == "" {
			errs = append(errs, "resource.mqtt.broker_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("resource.type must be %q or %q", ResourceProcess, ResourceMQTT))
	}

	if c.Journal.Path == "" {
		errs = append(errs, "journal.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The API exposes start/stop control over an external resource, so an
	// empty or weak signing secret would let anyone forge control tokens.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set KEEPER_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
