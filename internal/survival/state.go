package survival

import (
	"context"
	"fmt"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/persistence"
)

// AgentState is the top-level lifecycle flag, separate from the tier.
type AgentState string

const (
	StateRunning  AgentState = "running"
	StateSleeping AgentState = "sleeping"
	StateDead     AgentState = "dead"
)

const kvAgentState = "agent_state"

// LoadAgentState returns the recorded lifecycle state, running when none was recorded.
func LoadAgentState(ctx context.Context, store *persistence.Store) (AgentState, error) {
	raw, err := store.KVGet(ctx, kvAgentState)
	if err != nil {
		return "", fmt.Errorf("load agent state: %w", err)
	}
	if raw == "" {
		return StateRunning, nil
	}
	return AgentState(raw), nil
}

// SetAgentState records a new lifecycle state. Dead is terminal: leaving it is refused.
func SetAgentState(ctx context.Context, store *persistence.Store, next AgentState) (AgentState, error) {
	prev, err := LoadAgentState(ctx, store)
	if err != nil {
		return "", err
	}
	if prev == next {
		return prev, nil
	}
	if prev == StateDead {
		return prev, fmt.Errorf("agent state is dead and cannot change to %s", next)
	}
	if err := store.KVSet(ctx, kvAgentState, string(next)); err != nil {
		return prev, fmt.Errorf("set agent state: %w", err)
	}
	store.Bus().Publish(bus.TopicAgentState, bus.AgentStateChanged{From: string(prev), To: string(next)})
	return prev, nil
}
