package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// HistoryRecord is one append-only task run entry.
type HistoryRecord struct {
	ID             string     `json:"id"`
	TaskName       string     `json:"task_name"`
	TickID         string     `json:"tick_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         string     `json:"result"`
	ShouldWake     bool       `json:"should_wake"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// AppendHistory inserts rec and returns its id, generating one when empty.
func (s *Store) AppendHistory(ctx context.Context, rec HistoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.Now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO heartbeat_history (id, task_name, tick_id, started_at, completed_at, result, should_wake, message, error, duration_ms, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.TaskName, rec.TickID, formatTime(rec.StartedAt), nullTimeString(rec.CompletedAt), rec.Result,
			boolToInt(rec.ShouldWake), rec.Message, rec.Error, rec.DurationMS, rec.IdempotencyKey)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append history: %w", err)
	}
	return rec.ID, nil
}

// GetHistory returns the most recent runs first. An empty taskName returns runs of every task.
func (s *Store) GetHistory(ctx context.Context, taskName string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, task_name, tick_id, started_at, completed_at, result, should_wake, message, error, duration_ms, idempotency_key
		FROM heartbeat_history`
	var args []any
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var (
			rec       HistoryRecord
			startedAt string
			completed sql.NullString
			wake      int
		)
		if err := rows.Scan(&rec.ID, &rec.TaskName, &rec.TickID, &startedAt, &completed, &rec.Result, &wake,
			&rec.Message, &rec.Error, &rec.DurationMS, &rec.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.StartedAt, _ = parseTime(startedAt)
		rec.CompletedAt = scanNullTime(completed)
		rec.ShouldWake = wake != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}
