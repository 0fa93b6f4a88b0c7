package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "keeper.db"),
		WALMode:     true,
		BusyTimeout: 5,
	}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Path: "/tmp/keeper.db", BusyTimeout: 5}, false},
		{"missing path", Config{BusyTimeout: 5}, true},
		{"negative busy timeout", Config{Path: "/tmp/keeper.db", BusyTimeout: -1}, true},
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

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	events := []string{"starting", "start-failed", "retry-scheduled"}
	for i, ev := range events {
		err := j.Record(ctx, Entry{
			RecordedAt: base.Add(time.Duration(i) * time.Second),
			EpisodeID:  "ep-1",
			Source:     "daemon",
			Event:      ev,
			Attempt:    1,
		})
		if err != nil {
			t.Fatalf("Record(%s) error = %v", ev, err)
		}
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Event != "retry-scheduled" {
		t.Errorf("entries[0].Event = %q, want %q", entries[0].Event, "retry-scheduled")
	}
	if entries[0].ID == "" {
		t.Error("entry ID was not filled in")
	}
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, Entry{EpisodeID: "ep-1", Source: "daemon", Event: "starting", Attempt: i + 1}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}

func TestEpisodeQuery(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, ep := range []string{"ep-1", "ep-2", "ep-1"} {
		err := j.Record(ctx, Entry{
			RecordedAt: base.Add(time.Duration(i) * time.Second),
			EpisodeID:  ep,
			Source:     "daemon",
			Event:      "starting",
			Attempt:    1,
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := j.Episode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("Episode() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if !entries[0].RecordedAt.Before(entries[1].RecordedAt) {
		t.Error("episode entries are not oldest first")
	}
}

func TestHealthCheck(t *testing.T) {
	j := openTestJournal(t)
	if err := j.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("Open() error = nil, want validation error")
	}
}
