// Keeper - bounded-retry supervisor for unreliable resources
//
// keeperd keeps exactly one external resource alive: a child process or
// an MQTT broker connection. It retries failed starts a bounded number of
// times, records every transition to a SQLite journal, optionally mirrors
// them to InfluxDB, and exposes status and control over a small HTTP API
// with a WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/keeper/internal/api"
	"github.com/nerrad567/keeper/internal/daemon"
	"github.com/nerrad567/keeper/internal/infrastructure/config"
	"github.com/nerrad567/keeper/internal/infrastructure/logging"
	"github.com/nerrad567/keeper/internal/journal"
	"github.com/nerrad567/keeper/internal/resources/mqttconn"
	"github.com/nerrad567/keeper/internal/resources/proc"
	"github.com/nerrad567/keeper/internal/shutdown"
	"github.com/nerrad567/keeper/internal/tsdb"
	"github.com/nerrad567/keeper/internal/unreliable"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// hookTimeout bounds each shutdown hook.
const hookTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default configs/config.yaml, or KEEPER_CONFIG)")
	tokenSubject := flag.String("issue-token", "", "mint an API bearer token for the given subject and exit")
	flag.Parse()

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *tokenSubject); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, configPath, tokenSubject string) error {
	log := logging.Default()
	log.Info("starting keeper",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if configPath == "" {
		configPath = getConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Token minting is an offline operation; no services are started.
	if tokenSubject != "" {
		return issueToken(cfg, tokenSubject)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Shutdown hooks run newest-first, mirroring a defer chain.
	hooks := shutdown.NewRegistry(log)
	defer hooks.Run()

	// Open journal
	j, err := journal.Open(journal.Config{
		Path:        cfg.Journal.Path,
		WALMode:     cfg.Journal.WALMode,
		BusyTimeout: cfg.Journal.BusyTimeout,
	}, log.With("component", "journal"))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	hooks.Register("journal", hookTimeout, func(context.Context) error {
		log.Info("closing journal")
		return j.Close()
	})

	// Build the supervised resource
	res, conf, err := buildResource(cfg, log)
	if err != nil {
		return fmt.Errorf("building resource: %w", err)
	}
	u, err := unreliable.New(res, conf, log.With("component", "resource"))
	if err != nil {
		return fmt.Errorf("creating state machine: %w", err)
	}
	d, err := daemon.New(u, daemon.Config{
		MaxAttempts: cfg.Daemon.MaxAttempts,
		RetryDelay:  cfg.Daemon.RetryDelay(),
	}, log.With("component", "daemon"))
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	// Record every transition of this episode to the journal
	episode, detachJournal := j.Attach(d)
	hooks.Register("journal-subscriptions", 0, func(context.Context) error {
		detachJournal()
		return nil
	})
	log.Info("journal attached", "episode", episode)

	// Mirror transitions to InfluxDB (optional)
	rec, err := tsdb.Connect(tsdb.Config{
		Enabled:       cfg.InfluxDB.Enabled,
		URL:           cfg.InfluxDB.URL,
		Token:         cfg.InfluxDB.Token,
		Org:           cfg.InfluxDB.Org,
		Bucket:        cfg.InfluxDB.Bucket,
		Measurement:   cfg.InfluxDB.Measurement,
		BatchSize:     cfg.InfluxDB.BatchSize,
		FlushInterval: cfg.InfluxDB.FlushInterval,
	}, log.With("component", "tsdb"))
	switch {
	case errors.Is(err, tsdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		detachTSDB := rec.Attach(d)
		hooks.Register("influxdb", hookTimeout, func(context.Context) error {
			log.Info("closing InfluxDB connection")
			detachTSDB()
			rec.Close()
			return nil
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Begin supervising
	d.Start(ctx)
	hooks.Register("daemon", hookTimeout, func(context.Context) error {
		log.Info("stopping daemon")
		d.Stop()
		return nil
	})

	// Start the HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.With("component", "api"),
		Daemon:   d,
		Journal:  j,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	hooks.Register("api", hookTimeout, func(context.Context) error {
		return apiServer.Close()
	})

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	if failed := hooks.Run(); failed > 0 {
		log.Warn("shutdown completed with failures", "failed_hooks", failed)
	}

	log.Info("keeper stopped")
	return nil
}

// buildResource constructs the configured resource type and its behaviour
// table.
func buildResource(cfg *config.Config, log *logging.Logger) (unreliable.Resource, unreliable.Conf, error) {
	switch cfg.Resource.Type {
	case config.ResourceProcess:
		pc := cfg.Resource.Process
		name := pc.Name
		if name == "" {
			name = cfg.Service.Name
		}
		r, err := proc.New(proc.Config{
			Name:            name,
			Binary:          pc.Binary,
			Args:            pc.Args,
			Env:             pc.Env,
			WorkDir:         pc.WorkDir,
			GracefulTimeout: pc.GracefulTimeout(),
		}, log.With("component", "proc"))
		if err != nil {
			return nil, unreliable.Conf{}, err
		}
		return r, proc.Conf(), nil

	case config.ResourceMQTT:
		mc := cfg.Resource.MQTT
		name := mc.Name
		if name == "" {
			name = cfg.Service.Name
		}
		r, err := mqttconn.New(mqttconn.Config{
			Name:              name,
			BrokerURL:         mc.BrokerURL,
			ClientID:          mc.ClientID,
			Username:          mc.Username,
			Password:          mc.Password,
			ConnectTimeout:    mc.ConnectTimeout(),
			DisconnectQuiesce: mc.DisconnectQuiesce(),
			KeepAlive:         mc.KeepAlive(),
		}, log.With("component", "mqttconn"))
		if err != nil {
			return nil, unreliable.Conf{}, err
		}
		return r, mqttconn.Conf(), nil

	default:
		return nil, unreliable.Conf{}, fmt.Errorf("unknown resource type %q", cfg.Resource.Type)
	}
}

// issueToken mints an API bearer token using the configured signing secret
// and prints it to stdout.
func issueToken(cfg *config.Config, subject string) error {
	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// getConfigPath returns the configuration file path.
// Uses KEEPER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KEEPER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
