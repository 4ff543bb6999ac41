package shared

import (
	"context"
	"testing"
)

func TestTickID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TickID(ctx); got != "-" {
		t.Fatalf("expected '-' for missing tick id, got %q", got)
	}
	ctx = WithTickID(ctx, "01HZX")
	if got := TickID(ctx); got != "01HZX" {
		t.Fatalf("expected 01HZX, got %q", got)
	}
}

func TestTaskAndInstance_RoundTrip(t *testing.T) {
	ctx := WithInstanceID(WithTaskName(context.Background(), "check_balance"), "inst-1")
	if TaskName(ctx) != "check_balance" || InstanceID(ctx) != "inst-1" {
		t.Fatalf("got task=%q instance=%q", TaskName(ctx), InstanceID(ctx))
	}
	if TaskName(context.Background()) != "" {
		t.Fatal("expected empty task name")
	}
}

func TestNewInstanceID_Unique(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if a == "" || a == b {
		t.Fatalf("instance ids not unique: %q %q", a, b)
	}
}
