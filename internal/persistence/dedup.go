package persistence

import (
	"context"
	"fmt"
	"time"
)

// TryInsertDedup records key for ttl. It returns false when the key is already present
// and unexpired, meaning the trigger already happened and should be skipped.
// An expired row is taken over in the same statement.
func (s *Store) TryInsertDedup(ctx context.Context, key, taskName string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("dedup insert: empty key")
	}
	now := s.Now()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO dedup_keys (key, task_name, expires_at, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				task_name = excluded.task_name,
				expires_at = excluded.expires_at,
				created_at = excluded.created_at
			WHERE dedup_keys.expires_at <= ?;
		`, key, taskName, formatTime(now.Add(ttl)), formatTime(now), formatTime(now))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("dedup insert %s: %w", key, err)
	}
	return affected == 1, nil
}

// ReleaseDedup removes key so the next TryInsertDedup for it succeeds. Used when the
// action the key guarded did not happen.
func (s *Store) ReleaseDedup(ctx context.Context, key string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys WHERE key = ?;`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("dedup release %s: %w", key, err)
	}
	return nil
}

// IsDeduplicated reports whether key is present and unexpired, without modifying anything.
func (s *Store) IsDeduplicated(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dedup_keys WHERE key = ? AND expires_at > ?;
	`, key, formatTime(s.Now())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) PruneExpiredDedup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys WHERE expires_at <= ?;`, formatTime(s.Now()))
	if err != nil {
		return 0, fmt.Errorf("prune dedup keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
