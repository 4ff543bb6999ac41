package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"other", errors.New("no such table: heartbeat_schedule"), false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("push wake: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"flattened text", errors.New("record run check_balance: database is locked"), true},
		{"table lock text", errors.New("database table is locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSQLiteBusy(tt.err); got != tt.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	tests := []struct {
		name       string
		maxRetries int
		failFirst  int
		failWith   error
		wantCalls  int
		wantErr    bool
	}{
		{"succeeds first try", 3, 0, nil, 1, false},
		{"non-busy error is not retried", 3, 10, errors.New("constraint failed"), 1, true},
		{"busy then success", 3, 2, busy, 3, false},
		{"exhausts retries", 2, 10, busy, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tt.maxRetries, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
