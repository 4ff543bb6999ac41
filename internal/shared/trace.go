package shared

import (
	"context"

	"github.com/google/uuid"
)

type tickIDKey struct{}
type taskNameKey struct{}
type instanceIDKey struct{}

// WithTickID attaches the current tick id to the context.
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, tickIDKey{}, tickID)
}

// TickID extracts the tick id from context. Returns "-" if absent.
func TickID(ctx context.Context) string {
	if v, ok := ctx.Value(tickIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func WithTaskName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskNameKey{}, name)
}

// TaskName extracts the running task's schedule name. Returns "" if absent.
func TaskName(ctx context.Context) string {
	if v, ok := ctx.Value(taskNameKey{}).(string); ok {
		return v
	}
	return ""
}

func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, id)
}

func InstanceID(ctx context.Context) string {
	if v, ok := ctx.Value(instanceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewInstanceID generates a scheduler instance id, used as the lease owner.
func NewInstanceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
