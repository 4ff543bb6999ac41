package tui

import "strings"

// shortError keeps the innermost message of a wrapped error string.
// "tick: list schedules: database is locked" → "Database is locked"
func shortError(msg string) string {
	idx := strings.LastIndex(msg, ": ")
	if idx == -1 || idx+2 >= len(msg) {
		return msg
	}
	inner := msg[idx+2:]
	return strings.ToUpper(inner[:1]) + inner[1:]
}
