package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/lifeline/internal/otel"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
)

// Built-in task keys.
const (
	TaskHeartbeatPing = "heartbeat_ping"
	TaskCheckBalance  = "check_balance"
	TaskCheckInbox    = "check_inbox"
	TaskHealthCheck   = "health_check"
	TaskReportMetrics = "report_metrics"
	TaskMaintenance   = "maintenance"
)

const (
	kvLastPing     = "last_heartbeat_ping"
	kvLastDistress = "last_distress"
	kvLastMetrics  = "last_metrics"

	inboxBackoff = 5 * time.Minute
)

// InboxSource delivers external messages into the inbox. Poll must honor ctx and
// keep returning the same messages until Ack confirms they were stored.
type InboxSource interface {
	Name() string
	Poll(ctx context.Context) ([]persistence.InboxMessage, error)
	Ack(ctx context.Context) error
}

// BuiltinDeps are the collaborators the built-in tasks need.
type BuiltinDeps struct {
	Thresholds survival.Thresholds
	Grace      time.Duration
	Inbox      InboxSource
	Metrics    *otel.Metrics
	// RetentionDays is the history retention applied by maintenance when the entry has no history_days param.
	RetentionDays int
}

const (
	emptyParams = `{"type":"object","additionalProperties":false}`

	checkInboxParams = `{
	"type": "object",
	"properties": {
		"wake_min_backlog": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

	maintenanceParams = `{
	"type": "object",
	"properties": {
		"history_days": {"type": "integer", "minimum": 0},
		"stale_inbox_minutes": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`
)

// RegisterBuiltins adds the built-in tasks to r.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	tasks := []Task{
		{
			Name:         TaskHeartbeatPing,
			Description:  "Record a liveness ping; record distress while critical.",
			ParamsSchema: emptyParams,
			Run:          heartbeatPing,
		},
		{
			Name:         TaskCheckBalance,
			Description:  "Evaluate the survival tier and the zero-balance grace period.",
			ParamsSchema: emptyParams,
			Run:          checkBalance(deps),
		},
		{
			Name:         TaskCheckInbox,
			Description:  "Poll the inbox source and wake when messages are waiting.",
			ParamsSchema: checkInboxParams,
			Run:          checkInbox(deps),
		},
		{
			Name:         TaskHealthCheck,
			Description:  "Run an integrity check on the store.",
			ParamsSchema: emptyParams,
			Run:          healthCheck,
		},
		{
			Name:         TaskReportMetrics,
			Description:  "Record balance, tier and queue depths.",
			ParamsSchema: emptyParams,
			Run:          reportMetrics(deps),
		},
		{
			Name:         TaskMaintenance,
			Description:  "Clear expired leases and dedup keys, requeue stale inbox rows, apply retention.",
			ParamsSchema: maintenanceParams,
			Run:          maintenance(deps),
		},
	}
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type pingRecord struct {
	TickID  string        `json:"tick_id"`
	At      time.Time     `json:"at"`
	Tier    survival.Tier `json:"tier"`
	Balance float64       `json:"balance"`
}

func heartbeatPing(ctx context.Context, tick *TickContext, _ Invocation) (TaskResult, error) {
	rec, err := json.Marshal(pingRecord{
		TickID:  tick.TickID,
		At:      tick.StartedAt,
		Tier:    tick.SurvivalTier,
		Balance: tick.Balance,
	})
	if err != nil {
		return TaskResult{}, err
	}
	if err := tick.Store.KVSet(ctx, kvLastPing, string(rec)); err != nil {
		return TaskResult{}, err
	}
	if tick.SurvivalTier == survival.TierCritical || tick.SurvivalTier == survival.TierDead {
		if err := tick.Store.KVSet(ctx, kvLastDistress, string(rec)); err != nil {
			return TaskResult{}, err
		}
		tick.Logger.Warn("distress ping", "tier", tick.SurvivalTier, "balance", tick.Balance)
	}
	return TaskResult{}, nil
}

func checkBalance(deps BuiltinDeps) TaskFunc {
	return func(ctx context.Context, tick *TickContext, _ Invocation) (TaskResult, error) {
		ev := survival.Evaluator{
			Store:      tick.Store,
			Thresholds: deps.Thresholds,
			Grace:      deps.Grace,
			Logger:     tick.Logger,
		}
		out, err := ev.Evaluate(ctx, tick.Balance)
		if err != nil {
			return TaskResult{}, fmt.Errorf("evaluate survival: %w", err)
		}
		return TaskResult{ShouldWake: out.ShouldWake, Message: out.Message}, nil
	}
}

func checkInbox(deps BuiltinDeps) TaskFunc {
	return func(ctx context.Context, tick *TickContext, inv Invocation) (TaskResult, error) {
		if deps.Inbox != nil {
			msgs, err := deps.Inbox.Poll(ctx)
			if err != nil {
				return TaskResult{}, Transient(fmt.Errorf("poll %s: %w", deps.Inbox.Name(), err), inboxBackoff)
			}
			stored := 0
			for _, m := range msgs {
				inserted, err := tick.Store.InsertInbox(ctx, m)
				if err != nil {
					return TaskResult{}, err
				}
				if inserted {
					stored++
				}
			}
			// Stored rows are deduplicated by external id, so a failed ack only costs a re-poll.
			if err := deps.Inbox.Ack(ctx); err != nil {
				tick.Logger.Warn("inbox ack failed", "source", deps.Inbox.Name(), "error", err)
			}
			if stored > 0 {
				tick.Logger.Info("inbox messages stored", "source", deps.Inbox.Name(), "count", stored)
			}
		}

		backlog, err := tick.Store.CountUnprocessedInbox(ctx)
		if err != nil {
			return TaskResult{}, err
		}
		if backlog < paramInt(inv.Params, "wake_min_backlog", 1) {
			return TaskResult{}, nil
		}
		noun := "messages"
		if backlog == 1 {
			noun = "message"
		}
		return TaskResult{
			ShouldWake: true,
			Message:    fmt.Sprintf("%d unprocessed inbox %s waiting.", backlog, noun),
		}, nil
	}
}

func healthCheck(ctx context.Context, tick *TickContext, _ Invocation) (TaskResult, error) {
	if err := tick.Store.QuickCheck(ctx); err != nil {
		return TaskResult{}, err
	}
	return TaskResult{}, nil
}

type metricsSnapshot struct {
	TickID       string        `json:"tick_id"`
	At           time.Time     `json:"at"`
	Balance      float64       `json:"balance"`
	Tier         survival.Tier `json:"tier"`
	InboxBacklog int           `json:"inbox_backlog"`
	WakeBacklog  int           `json:"wake_backlog"`
}

func reportMetrics(deps BuiltinDeps) TaskFunc {
	return func(ctx context.Context, tick *TickContext, _ Invocation) (TaskResult, error) {
		inbox, err := tick.Store.CountUnprocessedInbox(ctx)
		if err != nil {
			return TaskResult{}, err
		}
		wakes, err := tick.Store.CountUnconsumedWakes(ctx)
		if err != nil {
			return TaskResult{}, err
		}
		deps.Metrics.RecordBalance(ctx, tick.Balance, string(tick.SurvivalTier))
		deps.Metrics.RecordBacklog(ctx, inbox, wakes)

		snap, err := json.Marshal(metricsSnapshot{
			TickID:       tick.TickID,
			At:           tick.StartedAt,
			Balance:      tick.Balance,
			Tier:         tick.SurvivalTier,
			InboxBacklog: inbox,
			WakeBacklog:  wakes,
		})
		if err != nil {
			return TaskResult{}, err
		}
		if err := tick.Store.KVSet(ctx, kvLastMetrics, string(snap)); err != nil {
			return TaskResult{}, err
		}
		tick.Logger.Info("metrics", "balance", tick.Balance, "tier", tick.SurvivalTier, "inbox_backlog", inbox, "wake_backlog", wakes)
		return TaskResult{}, nil
	}
}

func maintenance(deps BuiltinDeps) TaskFunc {
	return func(ctx context.Context, tick *TickContext, inv Invocation) (TaskResult, error) {
		leases, err := tick.Store.ClearExpiredLeases(ctx)
		if err != nil {
			return TaskResult{}, err
		}
		dedup, err := tick.Store.PruneExpiredDedup(ctx)
		if err != nil {
			return TaskResult{}, err
		}
		stale := time.Duration(paramInt(inv.Params, "stale_inbox_minutes", 30)) * time.Minute
		requeued, failed, err := tick.Store.RequeueStaleInbox(ctx, stale)
		if err != nil {
			return TaskResult{}, err
		}
		var purged persistence.RetentionResult
		if days := paramInt(inv.Params, "history_days", deps.RetentionDays); days > 0 {
			if purged, err = tick.Store.RunRetention(ctx, days); err != nil {
				return TaskResult{}, err
			}
		}
		tick.Logger.Info("maintenance complete",
			"expired_leases", leases,
			"expired_dedup", dedup,
			"inbox_requeued", requeued,
			"inbox_failed", failed,
			"history_purged", purged.PurgedHistory,
			"wake_events_purged", purged.PurgedWakeEvents,
		)
		return TaskResult{}, nil
	}
}
