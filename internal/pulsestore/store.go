// Package pulsestore persists pulses (scheduled agent instructions) in a
// local SQLite database and exposes the atomic state transitions the
// scheduler and engine rely on.
package pulsestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Priority orders pulses within the same scheduled_at bucket. Lower values
// run first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
	PriorityDeferred Priority = "DEFERRED"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDeferred:
		return true
	}
	return false
}

// priorityOrder mirrors the CASE expression in the original queue's
// get_due_pulses/get_upcoming_pulses ordering: lower number sorts first.
func (p Priority) order() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	case PriorityDeferred:
		return 5
	default:
		return 6
	}
}

// Status is a pulse's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Pulse is a single scheduled agent instruction.
type Pulse struct {
	ID                  int64
	ScheduledAt         time.Time
	Prompt              string
	Priority            Priority
	Status              Status
	SessionID           string
	StickyNotes         []string
	Tags                []string
	CreatedAt           time.Time
	CreatedBy           string
	ExecutedAt          *time.Time
	ExecutionDurationMs *int64
	ErrorMessage        string
	RetryCount          int
	MaxRetries          int
}

// Stats summarizes the operator-facing counters: pending work, work that
// missed its scheduled instant, permanent failures, pulses completed in
// the last 24 hours, and pulses currently executing.
type Stats struct {
	Pending       int64
	Overdue       int64
	Failed        int64
	CompletedToday int64
	Processing    int64
}

// FailureSummary is a single entry in ExecutionStats.RecentFailures.
type FailureSummary struct {
	ID           int64
	ErrorMessage string
	ExecutedAt   time.Time
}

// ExecutionStats summarizes the last 7 days of terminal pulse outcomes.
type ExecutionStats struct {
	TotalCompleted7d int64
	TotalFailed7d    int64
	SuccessRate      float64
	AvgDurationMs    float64
	RecentFailures   []FailureSummary
}

// Store wraps a SQLite-backed pulse queue.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applies
// pragmas tuned for a single-writer workload, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("pulsestore: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single instance owns this store (spec's no-distributed-coordination
	// non-goal); SQLite is happiest with one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pulses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scheduled_at DATETIME NOT NULL,
			prompt TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'NORMAL'
				CHECK(priority IN ('CRITICAL','HIGH','NORMAL','LOW','DEFERRED')),
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK(status IN ('PENDING','PROCESSING','COMPLETED','FAILED','CANCELLED')),
			session_id TEXT,
			sticky_notes TEXT,
			tags TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_by TEXT NOT NULL DEFAULT 'system',
			executed_at DATETIME,
			execution_duration_ms INTEGER,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3
		);
		CREATE INDEX IF NOT EXISTS idx_pulses_due
			ON pulses(status, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_pulses_status
			ON pulses(status);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func joinCSV(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return strings.Join(items, ",")
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
