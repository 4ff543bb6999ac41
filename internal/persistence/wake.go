package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/lifeline/internal/bus"
)

// WakeEvent records why the agent should leave its low-power state.
type WakeEvent struct {
	ID         int64      `json:"id"`
	Source     string     `json:"source"`
	Reason     string     `json:"reason"`
	Payload    string     `json:"payload,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// PushWake appends an unconsumed wake event and returns its id.
func (s *Store) PushWake(ctx context.Context, source, reason, payload string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO wake_events (source, reason, payload, created_at) VALUES (?, ?, ?, ?);
		`, source, reason, payload, formatTime(s.Now()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("push wake event: %w", err)
	}
	s.bus.Publish(bus.TopicWakePushed, bus.WakePushed{ID: id, Source: source, Reason: reason})
	return id, nil
}

// ConsumeNextWake claims the oldest unconsumed event. Selection and marking happen in one
// UPDATE ... RETURNING, so concurrent consumers never receive the same row.
// Returns nil, nil when the queue is empty.
func (s *Store) ConsumeNextWake(ctx context.Context) (*WakeEvent, error) {
	var ev *WakeEvent
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE wake_events
			SET consumed_at = ?
			WHERE consumed_at IS NULL
			  AND id = (SELECT id FROM wake_events WHERE consumed_at IS NULL ORDER BY id ASC LIMIT 1)
			RETURNING id, source, reason, payload, created_at, consumed_at;
		`, formatTime(s.Now()))
		got, err := scanWake(row.Scan)
		if err != nil {
			return err
		}
		ev = got
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume wake event: %w", err)
	}
	return ev, nil
}

// PeekUnconsumedWakes lists pending events oldest first without claiming them.
func (s *Store) PeekUnconsumedWakes(ctx context.Context, limit int) ([]WakeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, reason, payload, created_at, consumed_at
		FROM wake_events WHERE consumed_at IS NULL ORDER BY id ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek wake events: %w", err)
	}
	defer rows.Close()

	var out []WakeEvent
	for rows.Next() {
		ev, err := scanWake(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan wake event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *Store) CountUnconsumedWakes(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wake_events WHERE consumed_at IS NULL;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count wake events: %w", err)
	}
	return n, nil
}

func scanWake(scanFn func(dest ...any) error) (*WakeEvent, error) {
	var (
		ev        WakeEvent
		createdAt string
		consumed  sql.NullString
	)
	if err := scanFn(&ev.ID, &ev.Source, &ev.Reason, &ev.Payload, &createdAt, &consumed); err != nil {
		return nil, err
	}
	ev.CreatedAt, _ = parseTime(createdAt)
	ev.ConsumedAt = scanNullTime(consumed)
	return &ev, nil
}
