// Package audit keeps the record of lifecycle decisions: schema migrations, agent
// state escalation, operator wakes and fatal startup failures. Entries go to
// <home>/logs/audit.jsonl and, once SetDB is called, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/lifeline/internal/shared"
)

// Decision classifies an audit entry.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionEscalate Decision = "escalate"
	DecisionOperator Decision = "operator"
	DecisionFatal    Decision = "fatal"
)

// Entry is one audit record as written to audit.jsonl and read back from audit_log.
type Entry struct {
	ID        int64    `json:"id,omitempty"`
	Timestamp string   `json:"timestamp"`
	Decision  Decision `json:"decision"`
	Action    string   `json:"action"`
	Reason    string   `json:"reason"`
	Subject   string   `json:"subject,omitempty"`
}

type sink struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

var std sink

// Init opens the JSONL file. Repeated calls are no-ops until Close.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	std.file = f
	return nil
}

// SetDB enables audit_log table writes.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = d
}

// Attached reports whether entries are also written to the audit_log table.
func Attached() bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.db != nil
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file = nil
	return err
}

// Record appends an entry. Secrets in reason and subject are redacted first.
// Write failures are dropped: auditing never blocks the decision it records.
func Record(decision Decision, action, reason, subject string) {
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = std.file.Write(append(b, '\n'))
		}
	}
	if std.db != nil {
		_, _ = std.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (subject, action, decision, reason, created_at) VALUES (?, ?, ?, ?, ?);
		`, e.Subject, e.Action, string(e.Decision), e.Reason, e.Timestamp)
	}
}

// Recent returns the newest audit_log rows first, optionally limited to one action.
func Recent(ctx context.Context, db *sql.DB, action string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, created_at, decision, action, reason, subject
		FROM audit_log
		WHERE (? = '' OR action = ?)
		ORDER BY id DESC
		LIMIT ?;
	`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			decision string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &decision, &e.Action, &e.Reason, &e.Subject); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Decision = Decision(decision)
		out = append(out, e)
	}
	return out, rows.Err()
}
