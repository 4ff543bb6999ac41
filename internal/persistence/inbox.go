package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/lifeline/internal/bus"
	"github.com/oklog/ulid/v2"
)

type InboxStatus string

const (
	InboxReceived   InboxStatus = "received"
	InboxInProgress InboxStatus = "in_progress"
	InboxProcessed  InboxStatus = "processed"
	InboxFailed     InboxStatus = "failed"

	defaultInboxMaxRetries = 3
)

// InboxMessage is an externally delivered message moving through
// received -> in_progress -> processed | failed.
type InboxMessage struct {
	ID          string      `json:"id"`
	ExternalID  string      `json:"external_id,omitempty"`
	Source      string      `json:"source"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	Status      InboxStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	ReceivedAt  time.Time   `json:"received_at"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

const inboxColumns = `id, COALESCE(external_id, ''), source, sender, content, status, retry_count, max_retries,
	received_at, claimed_at, processed_at, last_error`

// InsertInbox stores a new message in the received state. A message whose
// (source, external id) pair is already stored is dropped and inserted=false is returned.
func (s *Store) InsertInbox(ctx context.Context, msg InboxMessage) (bool, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = defaultInboxMaxRetries
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.Now()
	}
	var externalID any
	if msg.ExternalID != "" {
		externalID = msg.ExternalID
	}

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO inbox_messages (id, external_id, source, sender, content, status, retry_count, max_retries, received_at)
			VALUES (?, ?, ?, ?, ?, 'received', 0, ?, ?)
			ON CONFLICT DO NOTHING;
		`, msg.ID, externalID, msg.Source, msg.Sender, msg.Content, msg.MaxRetries, formatTime(receivedAt))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert inbox message: %w", err)
	}
	if affected == 1 {
		s.bus.Publish(bus.TopicInboxNew, bus.InboxReceived{ID: msg.ID, Source: msg.Source, Sender: msg.Sender})
	}
	return affected == 1, nil
}

// ClaimInbox moves up to limit received messages with retries left to in_progress and
// increments their retry count, all in a single UPDATE ... RETURNING.
func (s *Store) ClaimInbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []InboxMessage
	err := retryOnBusy(ctx, 5, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `
			UPDATE inbox_messages
			SET status = 'in_progress', retry_count = retry_count + 1, claimed_at = ?
			WHERE id IN (
				SELECT id FROM inbox_messages
				WHERE status = 'received' AND retry_count < max_retries
				ORDER BY received_at ASC, id ASC
				LIMIT ?
			)
			RETURNING `+inboxColumns+`;
		`, formatTime(s.Now()), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanInbox(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim inbox: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkInboxProcessed completes in_progress messages.
func (s *Store) MarkInboxProcessed(ctx context.Context, ids []string) (int64, error) {
	return s.transitionInbox(ctx, ids, `status = 'processed', processed_at = ?`, `status = 'in_progress'`, formatTime(s.Now()))
}

// MarkInboxFailed terminally fails messages that are not already terminal.
func (s *Store) MarkInboxFailed(ctx context.Context, ids []string, reason string) (int64, error) {
	return s.transitionInbox(ctx, ids, `status = 'failed', processed_at = ?, last_error = ?`,
		`status IN ('received', 'in_progress')`, formatTime(s.Now()), reason)
}

// ResetInboxToReceived returns in_progress messages to the queue for another claim.
// A message with no retries left fails instead of going back to received.
func (s *Store) ResetInboxToReceived(ctx context.Context, ids []string) (int64, error) {
	return s.transitionInbox(ctx, ids, `
		status       = CASE WHEN retry_count >= max_retries THEN 'failed' ELSE 'received' END,
		claimed_at   = NULL,
		processed_at = CASE WHEN retry_count >= max_retries THEN ? ELSE processed_at END,
		last_error   = CASE WHEN retry_count >= max_retries THEN 'retries exhausted' ELSE last_error END`,
		`status = 'in_progress'`, formatTime(s.Now()))
}

func (s *Store) transitionInbox(ctx context.Context, ids []string, set, from string, setArgs ...any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{}, setArgs...)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE inbox_messages SET ` + set + ` WHERE id IN (` + placeholders(len(ids)) + `) AND ` + from + `;`
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inbox transition: %w", err)
	}
	return affected, nil
}

// CountUnprocessedInbox counts received plus in_progress messages.
func (s *Store) CountUnprocessedInbox(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inbox_messages WHERE status IN ('received', 'in_progress');
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count inbox: %w", err)
	}
	return n, nil
}

// RequeueStaleInbox handles in_progress messages claimed before now-olderThan whose
// worker went away: those with retries left go back to received, the rest fail.
// Received messages that can never be claimed again fail too.
func (s *Store) RequeueStaleInbox(ctx context.Context, olderThan time.Duration) (requeued, failed int64, err error) {
	now := s.Now()
	cutoff := formatTime(now.Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE inbox_messages
		SET status = 'failed', processed_at = ?, last_error = 'retries exhausted while in progress'
		WHERE status = 'in_progress' AND claimed_at <= ? AND retry_count >= max_retries;
	`, formatTime(now), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale inbox: %w", err)
	}
	failed, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE inbox_messages
		SET status = 'failed', processed_at = ?, last_error = 'retries exhausted'
		WHERE status = 'received' AND retry_count >= max_retries;
	`, formatTime(now))
	if err != nil {
		return 0, 0, fmt.Errorf("fail exhausted inbox: %w", err)
	}
	stranded, _ := res.RowsAffected()
	failed += stranded

	res, err = tx.ExecContext(ctx, `
		UPDATE inbox_messages SET status = 'received', claimed_at = NULL
		WHERE status = 'in_progress' AND claimed_at <= ?;
	`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale inbox: %w", err)
	}
	requeued, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return requeued, failed, nil
}

func (s *Store) GetInbox(ctx context.Context, id string) (*InboxMessage, error) {
	m, err := scanInbox(s.db.QueryRowContext(ctx, `SELECT `+inboxColumns+` FROM inbox_messages WHERE id = ?;`, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inbox message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get inbox message %s: %w", id, err)
	}
	return m, nil
}

// ListInbox returns messages oldest first, optionally filtered by status.
func (s *Store) ListInbox(ctx context.Context, status InboxStatus, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + inboxColumns + ` FROM inbox_messages`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY received_at ASC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	var out []InboxMessage
	for rows.Next() {
		m, err := scanInbox(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan inbox: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanInbox(scanFn func(dest ...any) error) (*InboxMessage, error) {
	var (
		m                  InboxMessage
		status, receivedAt string
		claimed, processed sql.NullString
	)
	if err := scanFn(&m.ID, &m.ExternalID, &m.Source, &m.Sender, &m.Content, &status, &m.RetryCount, &m.MaxRetries,
		&receivedAt, &claimed, &processed, &m.LastError); err != nil {
		return nil, err
	}
	m.Status = InboxStatus(status)
	m.ReceivedAt, _ = parseTime(receivedAt)
	m.ClaimedAt = scanNullTime(claimed)
	m.ProcessedAt = scanNullTime(processed)
	return &m, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
