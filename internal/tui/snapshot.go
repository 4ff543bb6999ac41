package tui

import (
	"context"
	"time"

	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
)

// Collect reads a dashboard snapshot from the store. Query failures are reported in
// LastError rather than aborting, so a busy database still renders what it can.
func Collect(ctx context.Context, store *persistence.Store, instanceID string, startedAt time.Time) Snapshot {
	now := store.Now()
	snap := Snapshot{
		InstanceID: instanceID,
		TakenAt:    now,
		AgentState: survival.StateRunning,
	}
	if !startedAt.IsZero() {
		snap.Uptime = now.Sub(startedAt)
	}
	fail := func(err error) {
		if err != nil && snap.LastError == "" {
			snap.LastError = err.Error()
		}
	}

	snap.DBOK = store.DB().PingContext(ctx) == nil

	if ev, err := survival.LastEvaluation(ctx, store); err != nil {
		fail(err)
	} else if ev != nil {
		snap.Balance = ev.Balance
		snap.Tier = ev.Tier
	}
	if state, err := survival.LoadAgentState(ctx, store); err != nil {
		fail(err)
	} else {
		snap.AgentState = state
	}

	var err error
	snap.WakeBacklog, err = store.CountUnconsumedWakes(ctx)
	fail(err)
	snap.InboxBacklog, err = store.CountUnprocessedInbox(ctx)
	fail(err)

	entries, err := store.ListSchedules(ctx)
	fail(err)
	for _, e := range entries {
		snap.Schedules = append(snap.Schedules, ScheduleRow{
			Name:       e.Name,
			Task:       e.Task,
			Schedule:   e.Schedule,
			MinTier:    e.TierMinimum,
			Enabled:    e.Enabled,
			Leased:     e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now),
			LastResult: e.LastResult,
			LastRunAt:  e.LastRunAt,
			NextRunAt:  e.NextRunAt,
			RunCount:   e.RunCount,
			FailCount:  e.FailCount,
		})
	}
	return snap
}
