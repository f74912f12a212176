package pulsestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrPromptLength is returned when a prompt falls outside the 10-2000
// character bound.
var ErrPromptLength = errors.New("pulsestore: prompt must be between 10 and 2000 characters")

// ErrInvalidPriority is returned for an unrecognized priority value.
var ErrInvalidPriority = errors.New("pulsestore: invalid priority")

const (
	minPromptLen = 10
	maxPromptLen = 2000
)

func validatePrompt(prompt string) error {
	n := len([]rune(prompt))
	if n < minPromptLen || n > maxPromptLen {
		return ErrPromptLength
	}
	return nil
}

// ScheduleParams carries the fields accepted when creating a new pulse.
type ScheduleParams struct {
	ScheduledAt time.Time
	Prompt      string
	Priority    Priority
	SessionID   string
	StickyNotes []string
	Tags        []string
	CreatedBy   string
	MaxRetries  int
}

// Schedule inserts a new pending pulse and returns its id.
func (s *Store) Schedule(ctx context.Context, p ScheduleParams) (int64, error) {
	if err := validatePrompt(p.Prompt); err != nil {
		return 0, err
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.valid() {
		return 0, ErrInvalidPriority
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pulses (
			scheduled_at, prompt, priority, status, session_id,
			sticky_notes, tags, created_by, max_retries
		) VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?, ?);
	`, p.ScheduledAt.UTC(), p.Prompt, string(p.Priority), nullableString(p.SessionID),
		joinCSV(p.StickyNotes), joinCSV(p.Tags), p.CreatedBy, p.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("schedule pulse: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const selectColumns = `
	id, scheduled_at, prompt, priority, status,
	COALESCE(session_id, ''), COALESCE(sticky_notes, ''), COALESCE(tags, ''),
	created_at, created_by, executed_at, execution_duration_ms,
	COALESCE(error_message, ''), retry_count, max_retries
`

func scanPulse(row interface{ Scan(...any) error }) (*Pulse, error) {
	var p Pulse
	var stickyNotes, tags string
	var executedAt sql.NullTime
	var durationMs sql.NullInt64

	if err := row.Scan(
		&p.ID, &p.ScheduledAt, &p.Prompt, &p.Priority, &p.Status,
		&p.SessionID, &stickyNotes, &tags,
		&p.CreatedAt, &p.CreatedBy, &executedAt, &durationMs,
		&p.ErrorMessage, &p.RetryCount, &p.MaxRetries,
	); err != nil {
		return nil, err
	}
	p.StickyNotes = splitCSV(stickyNotes)
	p.Tags = splitCSV(tags)
	if executedAt.Valid {
		t := executedAt.Time
		p.ExecutedAt = &t
	}
	if durationMs.Valid {
		v := durationMs.Int64
		p.ExecutionDurationMs = &v
	}
	return &p, nil
}

// Get fetches a single pulse by id, or (nil, nil) if it doesn't exist.
func (s *Store) Get(ctx context.Context, id int64) (*Pulse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pulses WHERE id = ?;`, id)
	p, err := scanPulse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pulse: %w", err)
	}
	return p, nil
}

// GetDue returns up to limit PENDING pulses whose scheduled_at has passed,
// ordered by priority then scheduled_at (earliest-due, highest-priority
// first within a tie). Ties on both keys are broken by id ascending.
func (s *Store) GetDue(ctx context.Context, limit int) ([]*Pulse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM pulses
		WHERE status = 'PENDING' AND scheduled_at <= CURRENT_TIMESTAMP
		ORDER BY CASE priority
			WHEN 'CRITICAL' THEN 1 WHEN 'HIGH' THEN 2 WHEN 'NORMAL' THEN 3
			WHEN 'LOW' THEN 4 WHEN 'DEFERRED' THEN 5 ELSE 6 END, scheduled_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get due pulses: %w", err)
	}
	return scanPulses(rows)
}

// GetUpcoming returns up to limit pulses in the given statuses (defaulting
// to PENDING), ordered scheduled_at ascending with no priority sort.
func (s *Store) GetUpcoming(ctx context.Context, limit int, statuses ...Status) ([]*Pulse, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusPending}
	}
	placeholders := make([]any, 0, len(statuses)+1)
	query := `SELECT ` + selectColumns + ` FROM pulses WHERE status IN (`
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, string(st))
	}
	query += `) ORDER BY scheduled_at ASC LIMIT ?;`
	placeholders = append(placeholders, limit)

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("get upcoming pulses: %w", err)
	}
	return scanPulses(rows)
}

// GetByStatus returns up to limit pulses with the given status, ordered
// scheduled_at descending.
func (s *Store) GetByStatus(ctx context.Context, status Status, limit int) ([]*Pulse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM pulses
		WHERE status = ?
		ORDER BY scheduled_at DESC
		LIMIT ?;
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("get pulses by status: %w", err)
	}
	return scanPulses(rows)
}

// GetOverdue returns up to limit PENDING pulses whose scheduled_at has
// already passed, ordered scheduled_at descending.
func (s *Store) GetOverdue(ctx context.Context, limit int) ([]*Pulse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM pulses
		WHERE status = 'PENDING' AND scheduled_at < CURRENT_TIMESTAMP
		ORDER BY scheduled_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get overdue pulses: %w", err)
	}
	return scanPulses(rows)
}

// GetAll returns up to limit pulses regardless of status, ordered
// scheduled_at descending.
func (s *Store) GetAll(ctx context.Context, limit int) ([]*Pulse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM pulses
		ORDER BY scheduled_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get all pulses: %w", err)
	}
	return scanPulses(rows)
}

func scanPulses(rows *sql.Rows) ([]*Pulse, error) {
	defer rows.Close()
	var out []*Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pulse: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkProcessing atomically transitions a pulse from PENDING to PROCESSING.
// It returns false (no error) if the pulse was not PENDING, e.g. because
// another caller already claimed it or it was cancelled concurrently.
func (s *Store) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET status = 'PROCESSING'
		WHERE id = ? AND status = 'PENDING';
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkCompleted transitions a pulse to COMPLETED and records its duration.
func (s *Store) MarkCompleted(ctx context.Context, id int64, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pulses
		SET status = 'COMPLETED', executed_at = CURRENT_TIMESTAMP, execution_duration_ms = ?
		WHERE id = ?;
	`, durationMs, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed transitions a pulse to FAILED and, when shouldRetry is true
// and the pulse has retries remaining, schedules a follow-up retry pulse
// using exponential backoff (2^retry_count minutes). It returns the new
// pulse's id, or 0 if no retry was scheduled.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMessage string, shouldRetry bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark failed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM pulses WHERE id = ?;`, id)
	p, err := scanPulse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mark failed: pulse %d not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("mark failed: read pulse: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pulses SET status = 'FAILED', executed_at = CURRENT_TIMESTAMP, error_message = ?
		WHERE id = ?;
	`, errMessage, id); err != nil {
		return 0, fmt.Errorf("mark failed: update pulse: %w", err)
	}

	var retryID int64
	if shouldRetry && p.RetryCount < p.MaxRetries {
		backoff := time.Duration(math.Pow(2, float64(p.RetryCount))) * time.Minute
		nextScheduledAt := time.Now().UTC().Add(backoff)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO pulses (
				scheduled_at, prompt, priority, status, session_id,
				sticky_notes, tags, created_by, retry_count, max_retries
			) VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?, ?, ?);
		`, nextScheduledAt, p.Prompt, string(p.Priority), nullableString(p.SessionID),
			joinCSV(p.StickyNotes), joinCSV(p.Tags), "retry_"+p.CreatedBy,
			p.RetryCount+1, p.MaxRetries)
		if err != nil {
			return 0, fmt.Errorf("mark failed: schedule retry: %w", err)
		}
		retryID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("mark failed: retry last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark failed tx: %w", err)
	}
	return retryID, nil
}

// Cancel transitions a pulse to CANCELLED if it is currently PENDING. It
// returns false (no error) if the pulse could not be cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET status = 'CANCELLED'
		WHERE id = ? AND status = 'PENDING';
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel pulse: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel pulse rows affected: %w", err)
	}
	return n == 1, nil
}

// Reschedule updates a PENDING pulse's scheduled_at. It returns false (no
// error) if the pulse could not be rescheduled.
func (s *Store) Reschedule(ctx context.Context, id int64, newScheduledAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulses SET scheduled_at = ?
		WHERE id = ? AND status = 'PENDING';
	`, newScheduledAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("reschedule pulse: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reschedule pulse rows affected: %w", err)
	}
	return n == 1, nil
}

// Stats returns the operator counters: pending, overdue (PENDING whose
// scheduled_at has passed), failed, completed in the last 24 hours, and
// currently processing.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PENDING' AND scheduled_at < CURRENT_TIMESTAMP),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED' AND executed_at >= datetime('now', '-1 day')),
			COUNT(*) FILTER (WHERE status = 'PROCESSING')
		FROM pulses;
	`).Scan(&st.Pending, &st.Overdue, &st.Failed, &st.CompletedToday, &st.Processing)
	if err != nil {
		return Stats{}, fmt.Errorf("pulse stats: %w", err)
	}
	return st, nil
}

// ExecutionStats returns aggregate timing and success-rate figures over
// the last 7 days of terminal (COMPLETED or FAILED) pulses, plus up to 5
// of the most recent failures.
func (s *Store) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	var stats ExecutionStats
	var avgDuration sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			AVG(execution_duration_ms) FILTER (WHERE status = 'COMPLETED')
		FROM pulses
		WHERE status IN ('COMPLETED', 'FAILED')
		  AND executed_at >= datetime('now', '-7 days');
	`).Scan(&stats.TotalCompleted7d, &stats.TotalFailed7d, &avgDuration)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("execution stats: %w", err)
	}
	if avgDuration.Valid {
		stats.AvgDurationMs = avgDuration.Float64
	}
	total := stats.TotalCompleted7d + stats.TotalFailed7d
	if total > 0 {
		stats.SuccessRate = float64(stats.TotalCompleted7d) / float64(total)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(error_message, ''), executed_at
		FROM pulses
		WHERE status = 'FAILED' AND executed_at >= datetime('now', '-7 days')
		ORDER BY executed_at DESC
		LIMIT 5;
	`)
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("execution stats: recent failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f FailureSummary
		if err := rows.Scan(&f.ID, &f.ErrorMessage, &f.ExecutedAt); err != nil {
			return ExecutionStats{}, fmt.Errorf("execution stats: scan failure: %w", err)
		}
		stats.RecentFailures = append(stats.RecentFailures, f)
	}
	if err := rows.Err(); err != nil {
		return ExecutionStats{}, err
	}
	return stats, nil
}
