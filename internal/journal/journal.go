package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/keeper/internal/broadcast"
	"github.com/nerrad567/keeper/internal/daemon"
)

const (
	// dirPermissions is the permission mode for the journal directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the journal file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying connectivity.
	connectionTimeout = 5 * time.Second

	// recordTimeout bounds each write triggered by a broadcast.
	recordTimeout = 2 * time.Second
)

// schema creates the transitions table. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id          TEXT PRIMARY KEY,
    recorded_at TIMESTAMP NOT NULL,
    episode_id  TEXT NOT NULL,
    source      TEXT NOT NULL,
    event       TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transitions_recorded_at ON transitions(recorded_at);
CREATE INDEX IF NOT EXISTS idx_transitions_episode ON transitions(episode_id);
`

// Config contains journal database options. These map to the journal
// section of config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string `yaml:"path"`

	// WALMode enables Write-Ahead Logging for better concurrent access.
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is the maximum time to wait for a database lock
	// (seconds).
	BusyTimeout int `yaml:"busy_timeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout must not be negative")
	}
	return nil
}

// Entry is one recorded transition.
type Entry struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	EpisodeID  string    `json:"episode_id"`
	Source     string    `json:"source"`
	Event      string    `json:"event"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail"`
}

// Logger defines the logging interface for the journal.
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

// Journal wraps the SQLite store of supervision transitions.
type Journal struct {
	db   *sql.DB
	path string
	log  Logger
}

// Open creates the journal database, applying pragmas and the schema.
func Open(cfg Config, log Logger) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}
	if log == nil {
		log = noopLogger{}
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying journal connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // File may not exist until first write

	log.Info("journal opened", "path", cfg.Path, "wal", cfg.WALMode)
	return &Journal{db: db, path: cfg.Path, log: log}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Record inserts one transition. A missing ID or timestamp is filled in.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (id, recorded_at, episode_id, source, event, attempt, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RecordedAt, e.EpisodeID, e.Source, e.Event, e.Attempt, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, recorded_at, episode_id, source, event, attempt, detail
		 FROM transitions
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RecordedAt, &e.EpisodeID, &e.Source, &e.Event, &e.Attempt, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return entries, nil
}

// Episode returns every transition of one episode, oldest first.
func (j *Journal) Episode(ctx context.Context, episodeID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, recorded_at, episode_id, source, event, attempt, detail
		 FROM transitions
		 WHERE episode_id = ?
		 ORDER BY recorded_at ASC, id ASC`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("querying episode: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RecordedAt, &e.EpisodeID, &e.Source, &e.Event, &e.Attempt, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating episode: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database responds.
func (j *Journal) HealthCheck(ctx context.Context) error {
	var one int
	if err := j.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("journal health check: %w", err)
	}
	return nil
}

// Attach subscribes to a daemon's broadcasts and records each one under a
// fresh episode id. It returns the episode id and a release function that
// detaches the subscriptions.
func (j *Journal) Attach(d *daemon.Daemon) (string, func()) {
	episode := uuid.NewString()

	record := func(event string, attempt int, detail string) {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		err := j.Record(ctx, Entry{
			EpisodeID: episode,
			Source:    "daemon",
			Event:     event,
			Attempt:   attempt,
			Detail:    detail,
		})
		if err != nil {
			j.log.Warn("journal write failed", "event", event, "error", err)
		}
	}

	disps := []broadcast.Disposable{
		d.Events().Subscribe(daemon.EventStarting, func(args any) {
			a := args.(daemon.StartingArgs)
			record("starting", a.Attempt, "")
		}),
		d.Events().Subscribe(daemon.EventRunning, func(any) {
			record("running", 0, "")
		}),
		d.Events().Subscribe(daemon.EventStartFailed, func(args any) {
			f := args.(*daemon.StartFailure)
			record("start-failed", f.Attempt, f.Error())
		}),
		d.Events().Subscribe(daemon.EventRetryScheduled, func(args any) {
			a := args.(daemon.RetryArgs)
			record("retry-scheduled", a.NextAttempt, a.Delay.String())
		}),
	}

	release := func() {
		for _, disp := range disps {
			disp.Dispose()
		}
	}
	return episode, release
}
