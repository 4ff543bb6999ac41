package heartbeat

import (
	"errors"
	"time"
)

// TaskResult is what every task returns. Expected no-op conditions return the zero value.
type TaskResult struct {
	ShouldWake bool   `json:"should_wake"`
	Message    string `json:"message,omitempty"`
}

// TransientError marks a failure after which the task should back off for Window
// instead of being retried on the next tick.
type TransientError struct {
	Err    error
	Window time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the scheduler backs the task off for window.
func Transient(err error, window time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, Window: window}
}

func transientWindow(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.Window > 0 {
		return te.Window, true
	}
	return 0, false
}
