package tsdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/daemon"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the
	// InfluxDB API.
	millisecondsPerSecond = 1000
)

// Config holds InfluxDB recorder options. These map to the influxdb
// section of config.yaml.
type Config struct {
	// Enabled toggles the recorder. When false, Connect returns
	// ErrDisabled and the caller runs without time-series output.
	Enabled bool `yaml:"enabled"`

	// URL is the InfluxDB server address.
	URL string `yaml:"url"`

	// Token is the API token for authentication.
	Token string `yaml:"token"`

	// Org and Bucket select where points are written.
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Measurement is the measurement name for transition points.
	Measurement string `yaml:"measurement"`

	// BatchSize is the number of points per write batch.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the batch flush interval in seconds.
	FlushInterval int `yaml:"flush_interval"`
}

// Validate checks the configuration. A disabled recorder needs nothing.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("org and bucket are required")
	}
	return nil
}

// Logger defines the logging interface for the recorder.
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

// Recorder writes supervision transitions to InfluxDB.
type Recorder struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	log         Logger
}

// Connect creates the InfluxDB client, verifies connectivity with a ping,
// and configures the non-blocking batched write API.
func Connect(cfg Config, log Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tsdb config: %w", err)
	}
	if log == nil {
		log = noopLogger{}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "keeper_transition"
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := &Recorder{
		client:      client,
		writeAPI:    writeAPI,
		measurement: measurement,
		log:         log,
	}

	go r.handleWriteErrors(writeAPI.Errors())

	log.Info("tsdb recorder connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

// handleWriteErrors logs async write failures from the batched API.
func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.log.Warn("tsdb write failed", "error", err)
	}
}

// WriteTransition queues one transition point. Non-blocking.
func (r *Recorder) WriteTransition(source, event string, attempt int, status string) {
	p := influxdb2.NewPoint(
		r.measurement,
		map[string]string{
			"source": source,
			"event":  event,
		},
		map[string]interface{}{
			"attempt": attempt,
			"status":  status,
		},
		time.Now(),
	)
	r.writeAPI.WritePoint(p)
}

// Attach subscribes to a daemon's broadcasts and writes a point for each.
// It returns a release function that detaches the subscriptions.
func (r *Recorder) Attach(d *daemon.Daemon) func() {
	disps := []broadcast.Disposable{
		d.Events().Subscribe(daemon.EventStarting, func(args any) {
			a := args.(daemon.StartingArgs)
			r.WriteTransition("daemon", "starting", a.Attempt, string(d.Status()))
		}),
		d.Events().Subscribe(daemon.EventRunning, func(any) {
			r.WriteTransition("daemon", "running", 0, string(d.Status()))
		}),
		d.Events().Subscribe(daemon.EventStartFailed, func(args any) {
			f := args.(*daemon.StartFailure)
			r.WriteTransition("daemon", "start-failed", f.Attempt, string(d.Status()))
		}),
		d.Events().Subscribe(daemon.EventRetryScheduled, func(args any) {
			a := args.(daemon.RetryArgs)
			r.WriteTransition("daemon", "retry-scheduled", a.NextAttempt, string(d.Status()))
		}),
	}
	return func() {
		for _, disp := range disps {
			disp.Dispose()
		}
	}
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
