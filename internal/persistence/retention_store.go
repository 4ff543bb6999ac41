package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedHistory    int64 `json:"purged_history"`
	PurgedWakeEvents int64 `json:"purged_wake_events"`
	PurgedInbox      int64 `json:"purged_inbox"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes history, consumed wake events, terminal inbox messages and audit rows
// older than days. Unconsumed wake events and open inbox messages are never purged. Idempotent.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := formatTime(s.Now().AddDate(0, 0, -days))

	steps := []struct {
		name  string
		query string
		dest  *int64
	}{
		{"heartbeat_history", `DELETE FROM heartbeat_history WHERE started_at < ?;`, &result.PurgedHistory},
		{"wake_events", `DELETE FROM wake_events WHERE consumed_at IS NOT NULL AND consumed_at < ?;`, &result.PurgedWakeEvents},
		{"inbox_messages", `DELETE FROM inbox_messages WHERE status IN ('processed', 'failed') AND processed_at < ?;`, &result.PurgedInbox},
		{"audit_log", `DELETE FROM audit_log WHERE created_at < ?;`, &result.PurgedAuditLogs},
	}
	for _, step := range steps {
		res, err := s.db.ExecContext(ctx, step.query, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge %s: %w", step.name, err)
		}
		*step.dest, _ = res.RowsAffected()
	}
	return result, nil
}
