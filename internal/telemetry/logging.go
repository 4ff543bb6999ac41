package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/lifeline/internal/shared"
)

const (
	logFileName = "system.jsonl"
	// maxLogBytes triggers a single-generation rotation when the daemon starts.
	maxLogBytes = 20 << 20
)

// LogPath returns the JSONL log location under homeDir.
func LogPath(homeDir string) string {
	return filepath.Join(homeDir, "logs", logFileName)
}

// NewLogger writes JSON lines to <home>/logs/system.jsonl and, unless quiet, stdout.
// Every record carries component and tick_id so lines from one tick can be grepped together.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := LogPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := rotateIfLarge(path, maxLogBytes); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "lifeline", "tick_id", "-"), file, nil
}

// ForTick returns a child logger tagged for one scheduler tick.
func ForTick(logger *slog.Logger, tickID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "heartbeat", "tick_id", tickID)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.IsSecretKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		if v := a.Value.String(); v != "" {
			if red := shared.Redact(v); red != v {
				return slog.String(a.Key, red)
			}
		}
	case a.Value.Kind() == slog.KindAny:
		// Errors often quote request URLs that carry tokens.
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, shared.Redact(err.Error()))
		}
	}
	return a
}

func rotateIfLarge(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < limit {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
