package survival

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/lifeline/internal/audit"
	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/persistence"
)

const (
	kvTier      = "survival_tier"
	kvZeroSince = "zero_since"
	kvSnapshot  = "survival_snapshot"

	DefaultGrace = time.Hour
)

// Evaluator is the stateful wrapper around TierOf. It remembers the last tier and the
// zero-balance marker in the store so the decisions survive restarts.
type Evaluator struct {
	Store      *persistence.Store
	Thresholds Thresholds
	// Grace is how long the balance may sit at exactly zero before the agent is declared dead.
	Grace  time.Duration
	Logger *slog.Logger
	// Now overrides the store clock.
	Now func() time.Time
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	Balance      float64    `json:"balance"`
	Tier         Tier       `json:"tier"`
	PreviousTier Tier       `json:"previous_tier,omitempty"`
	TierChanged  bool       `json:"tier_changed"`
	ZeroSince    *time.Time `json:"zero_since,omitempty"`
	AgentState   AgentState `json:"agent_state"`
	BecameDead   bool       `json:"became_dead"`
	ShouldWake   bool       `json:"should_wake"`
	Message      string     `json:"message,omitempty"`
	EvaluatedAt  time.Time  `json:"evaluated_at"`
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return e.Store.Now()
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Evaluator) grace() time.Duration {
	if e.Grace > 0 {
		return e.Grace
	}
	return DefaultGrace
}

// Evaluate derives the tier for balance and applies the transition rules: crossing into
// critical raises a wake; sitting at zero past the grace window forces the agent state to
// dead exactly once; any positive balance clears the zero marker.
func (e *Evaluator) Evaluate(ctx context.Context, balance float64) (Evaluation, error) {
	now := e.now()
	ev := Evaluation{Balance: balance, Tier: TierOf(balance, e.Thresholds), EvaluatedAt: now}
	var messages []string

	prevRaw, err := e.Store.KVGet(ctx, kvTier)
	if err != nil {
		return ev, err
	}
	ev.PreviousTier = Tier(prevRaw)
	if ev.Tier != ev.PreviousTier {
		ev.TierChanged = true
		if err := e.Store.KVSet(ctx, kvTier, string(ev.Tier)); err != nil {
			return ev, err
		}
		e.Store.Bus().Publish(bus.TopicTierChanged, bus.TierChanged{From: prevRaw, To: string(ev.Tier), Balance: balance})
		e.logger().Info("survival tier changed", "from", prevRaw, "to", ev.Tier, "balance", balance)
		if ev.Tier == TierCritical {
			from := prevRaw
			if from == "" {
				from = "unknown"
			}
			messages = append(messages, fmt.Sprintf("Survival tier dropped from %s to critical (balance %.2f). Conserve resources and seek funding.", from, balance))
		}
	}

	switch {
	case ev.Tier == TierCritical && balance == 0:
		since, err := e.zeroSince(ctx, now)
		if err != nil {
			return ev, err
		}
		ev.ZeroSince = &since
		if elapsed := now.Sub(since); elapsed > e.grace() {
			msg, became, err := e.escalate(ctx, elapsed)
			if err != nil {
				return ev, err
			}
			if became {
				ev.BecameDead = true
				messages = append(messages, msg)
			}
		}
	case balance > 0:
		if err := e.Store.KVDelete(ctx, kvZeroSince); err != nil {
			return ev, err
		}
	}

	state, err := LoadAgentState(ctx, e.Store)
	if err != nil {
		return ev, err
	}
	ev.AgentState = state

	if len(messages) > 0 {
		ev.ShouldWake = true
		ev.Message = messages[0]
		for _, m := range messages[1:] {
			ev.Message += " " + m
		}
	}
	if err := e.saveSnapshot(ctx, ev); err != nil {
		e.logger().Warn("save survival snapshot failed", "error", err)
	}
	return ev, nil
}

func (e *Evaluator) zeroSince(ctx context.Context, now time.Time) (time.Time, error) {
	raw, err := e.Store.KVGet(ctx, kvZeroSince)
	if err != nil {
		return now, err
	}
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, nil
		}
		e.logger().Warn("corrupt zero balance marker reset", "value", raw)
	}
	if err := e.Store.KVSet(ctx, kvZeroSince, now.Format(time.RFC3339Nano)); err != nil {
		return now, err
	}
	return now, nil
}

func (e *Evaluator) escalate(ctx context.Context, elapsed time.Duration) (string, bool, error) {
	state, err := LoadAgentState(ctx, e.Store)
	if err != nil {
		return "", false, err
	}
	if state == StateDead {
		return "", false, nil
	}
	if _, err := SetAgentState(ctx, e.Store, StateDead); err != nil {
		return "", false, err
	}
	minutes := int(elapsed / time.Minute)
	msg := fmt.Sprintf("Balance has been zero for %d minutes, past the %d minute grace period. Agent state is now dead.",
		minutes, int(e.grace()/time.Minute))
	audit.Record(audit.DecisionEscalate, "agent.state", msg, string(StateDead))
	e.logger().Error("agent declared dead", "zero_minutes", minutes)
	return msg, true, nil
}

func (e *Evaluator) saveSnapshot(ctx context.Context, ev Evaluation) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.Store.KVSet(ctx, kvSnapshot, string(b))
}

// LastEvaluation returns the most recent stored evaluation, or nil if none was recorded
// or the stored value is unreadable.
func LastEvaluation(ctx context.Context, store *persistence.Store) (*Evaluation, error) {
	raw, err := store.KVGet(ctx, kvSnapshot)
	if err != nil || raw == "" {
		return nil, err
	}
	var ev Evaluation
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, nil
	}
	return &ev, nil
}
