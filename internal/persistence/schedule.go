package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleEntry is one persisted heartbeat task schedule with its run statistics and lease.
type ScheduleEntry struct {
	Name        string        `json:"name"`
	Task        string        `json:"task"`
	Schedule    string        `json:"schedule"`
	Params      string        `json:"params"`
	Enabled     bool          `json:"enabled"`
	Priority    int           `json:"priority"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	TierMinimum string        `json:"tier_minimum"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastResult string     `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	RunCount   int64      `json:"run_count"`
	FailCount  int64      `json:"fail_count"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleUpdate carries the fields to change. Nil fields are left untouched.
type ScheduleUpdate struct {
	Task        *string
	Schedule    *string
	Params      *string
	Enabled     *bool
	Priority    *int
	Timeout     *time.Duration
	MaxRetries  *int
	TierMinimum *string
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	LastResult  *string
	LastError   *string
}

// RunOutcome is what the executor records after a task run finishes.
type RunOutcome struct {
	At        time.Time
	NextRunAt *time.Time
	Result    string
	Error     string
	Failed    bool
}

const scheduleColumns = `name, task, schedule, params, enabled, priority, timeout_ms, max_retries, tier_minimum,
	last_run_at, next_run_at, last_result, last_error, run_count, fail_count,
	lease_owner, lease_expires_at, created_at, updated_at`

func normalizeEntry(e ScheduleEntry) ScheduleEntry {
	if strings.TrimSpace(e.Params) == "" {
		e.Params = "{}"
	}
	if e.TierMinimum == "" {
		e.TierMinimum = "dead"
	}
	return e
}

// UpsertSchedule inserts an entry or replaces its configuration fields.
// Run statistics and any held lease survive the update.
func (s *Store) UpsertSchedule(ctx context.Context, e ScheduleEntry) error {
	if e.Name == "" {
		return fmt.Errorf("upsert schedule: empty name")
	}
	e = normalizeEntry(e)
	now := formatTime(s.Now())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO heartbeat_schedule (name, task, schedule, params, enabled, priority, timeout_ms, max_retries, tier_minimum, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				task=excluded.task,
				schedule=excluded.schedule,
				params=excluded.params,
				enabled=excluded.enabled,
				priority=excluded.priority,
				timeout_ms=excluded.timeout_ms,
				max_retries=excluded.max_retries,
				tier_minimum=excluded.tier_minimum,
				updated_at=excluded.updated_at;
		`, e.Name, e.Task, e.Schedule, e.Params, boolToInt(e.Enabled), e.Priority, e.Timeout.Milliseconds(),
			e.MaxRetries, e.TierMinimum, nullTimeString(e.NextRunAt), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", e.Name, err)
	}
	return nil
}

// RegisterSchedule inserts the entry only if no row with that name exists yet.
// Existing rows are the source of truth and are left alone.
func (s *Store) RegisterSchedule(ctx context.Context, e ScheduleEntry) (bool, error) {
	if e.Name == "" {
		return false, fmt.Errorf("register schedule: empty name")
	}
	e = normalizeEntry(e)
	now := formatTime(s.Now())
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO heartbeat_schedule (name, task, schedule, params, enabled, priority, timeout_ms, max_retries, tier_minimum, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING;
		`, e.Name, e.Task, e.Schedule, e.Params, boolToInt(e.Enabled), e.Priority, e.Timeout.Milliseconds(),
			e.MaxRetries, e.TierMinimum, nullTimeString(e.NextRunAt), now, now)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("register schedule %s: %w", e.Name, err)
	}
	return affected == 1, nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (*ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule WHERE name = ?;`, name)
	e, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule %s: %w", name, err)
	}
	return e, nil
}

// ListSchedules returns all entries, lowest priority number first.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM heartbeat_schedule ORDER BY priority ASC, name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// UpdateSchedule writes only the supplied fields and always refreshes updated_at.
func (s *Store) UpdateSchedule(ctx context.Context, name string, u ScheduleUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Task != nil {
		add("task", *u.Task)
	}
	if u.Schedule != nil {
		add("schedule", *u.Schedule)
	}
	if u.Params != nil {
		add("params", *u.Params)
	}
	if u.Enabled != nil {
		add("enabled", boolToInt(*u.Enabled))
	}
	if u.Priority != nil {
		add("priority", *u.Priority)
	}
	if u.Timeout != nil {
		add("timeout_ms", u.Timeout.Milliseconds())
	}
	if u.MaxRetries != nil {
		add("max_retries", *u.MaxRetries)
	}
	if u.TierMinimum != nil {
		add("tier_minimum", *u.TierMinimum)
	}
	if u.LastRunAt != nil {
		add("last_run_at", formatTime(*u.LastRunAt))
	}
	if u.NextRunAt != nil {
		add("next_run_at", formatTime(*u.NextRunAt))
	}
	if u.LastResult != nil {
		add("last_result", *u.LastResult)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	add("updated_at", formatTime(s.Now()))
	args = append(args, name)

	query := `UPDATE heartbeat_schedule SET ` + strings.Join(sets, ", ") + ` WHERE name = ?;`
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
		return fmt.Errorf("update schedule %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("update schedule %s: %w", name, ErrNotFound)
	}
	return nil
}

// RecordRun stores the outcome of a run and bumps the cumulative counters in one statement.
func (s *Store) RecordRun(ctx context.Context, name string, out RunOutcome) error {
	at := out.At
	if at.IsZero() {
		at = s.Now()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE heartbeat_schedule SET
				last_run_at = ?,
				next_run_at = ?,
				last_result = ?,
				last_error = ?,
				run_count = run_count + 1,
				fail_count = fail_count + ?,
				updated_at = ?
			WHERE name = ?;
		`, formatTime(at), nullTimeString(out.NextRunAt), out.Result, out.Error, boolToInt(out.Failed), formatTime(s.Now()), name)
		return err
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", name, err)
	}
	return nil
}

// AcquireLease grants owner an exclusive lease on name for ttl. The check and the write
// are one conditional UPDATE, so exactly one concurrent caller can win an absent or expired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("acquire lease %s: empty owner", name)
	}
	now := s.Now()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE heartbeat_schedule
			SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE name = ?
			  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?);
		`, owner, formatTime(now.Add(ttl)), formatTime(now), name, formatTime(now))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return affected == 1, nil
}

// ReleaseLease clears the lease only if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE heartbeat_schedule
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE name = ? AND lease_owner = ?;
		`, formatTime(s.Now()), name, owner)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release lease %s: %w", name, err)
	}
	return affected == 1, nil
}

// ClearExpiredLeases drops every lease whose expiry has passed and returns how many were cleared.
func (s *Store) ClearExpiredLeases(ctx context.Context) (int64, error) {
	now := formatTime(s.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_schedule
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE lease_owner IS NOT NULL AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSchedule(scanFn func(dest ...any) error) (*ScheduleEntry, error) {
	var (
		e                    ScheduleEntry
		enabled              int
		timeoutMS            int64
		lastRun, nextRun     sql.NullString
		leaseOwner, leaseExp sql.NullString
		lastResult, lastErr  sql.NullString
		createdAt, updatedAt string
	)
	if err := scanFn(
		&e.Name, &e.Task, &e.Schedule, &e.Params, &enabled, &e.Priority, &timeoutMS, &e.MaxRetries, &e.TierMinimum,
		&lastRun, &nextRun, &lastResult, &lastErr, &e.RunCount, &e.FailCount,
		&leaseOwner, &leaseExp, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	e.Enabled = enabled != 0
	e.Timeout = time.Duration(timeoutMS) * time.Millisecond
	e.LastRunAt = scanNullTime(lastRun)
	e.NextRunAt = scanNullTime(nextRun)
	e.LastResult = lastResult.String
	e.LastError = lastErr.String
	e.LeaseOwner = leaseOwner.String
	e.LeaseExpiresAt = scanNullTime(leaseExp)
	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)
	return &e, nil
}
