package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
)

func entry(name, schedule, task string, priority int, tier survival.Tier) config.ScheduleEntry {
	return config.ScheduleEntry{
		Name:           name,
		Schedule:       schedule,
		Task:           task,
		Priority:       priority,
		TimeoutSeconds: 30,
		MaxRetries:     1,
		TierMinimum:    string(tier),
	}
}

// DefaultSchedule is the built-in schedule used when heartbeat.yaml is missing or malformed.
func DefaultSchedule() config.ScheduleConfig {
	return config.ScheduleConfig{
		Entries: []config.ScheduleEntry{
			entry(TaskHeartbeatPing, "*/15 * * * *", TaskHeartbeatPing, 0, survival.TierDead),
			entry(TaskCheckBalance, "5m", TaskCheckBalance, 1, survival.TierDead),
			entry(TaskCheckInbox, "2m", TaskCheckInbox, 2, survival.TierLowCompute),
			entry(TaskHealthCheck, "30m", TaskHealthCheck, 3, survival.TierCritical),
			entry(TaskReportMetrics, "15m", TaskReportMetrics, 4, survival.TierNormal),
			entry(TaskMaintenance, "1h", TaskMaintenance, 5, survival.TierDead),
		},
		DefaultIntervalMS:    int64(DefaultInterval / time.Millisecond),
		LowComputeMultiplier: DefaultLowComputeMultiplier,
	}
}

// ValidateSchedule checks what structural parsing cannot: task keys exist, triggers
// parse and params match each task's schema.
func ValidateSchedule(sc config.ScheduleConfig, reg *Registry) error {
	var errs []error
	for _, e := range sc.Entries {
		if _, ok := reg.Lookup(e.Task); !ok {
			errs = append(errs, fmt.Errorf("entry %s: unknown task %q", e.Name, e.Task))
			continue
		}
		if _, err := ParseTrigger(e.Schedule, defaultInterval(sc)); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.Name, err))
		}
		if err := reg.ValidateParams(e.Task, e.Params); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// LoadSchedule reads heartbeat.yaml at path. A missing or malformed file yields the
// default schedule; startup never fails on schedule configuration.
func LoadSchedule(path string, reg *Registry, logger *slog.Logger) config.ScheduleConfig {
	if logger == nil {
		logger = slog.Default()
	}
	sc, err := config.ReadSchedule(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no heartbeat.yaml, using default schedule", "path", path)
		return DefaultSchedule()
	}
	if err == nil {
		err = ValidateSchedule(sc, reg)
	}
	if err != nil {
		logger.Warn("heartbeat.yaml rejected, using default schedule", "path", path, "error", err)
		return DefaultSchedule()
	}
	return sc
}

// EntryFromConfig converts a heartbeat.yaml entry into its persisted form.
func EntryFromConfig(e config.ScheduleEntry) (persistence.ScheduleEntry, error) {
	params := "{}"
	if len(e.Params) > 0 {
		raw, err := json.Marshal(e.Params)
		if err != nil {
			return persistence.ScheduleEntry{}, fmt.Errorf("entry %s: encode params: %w", e.Name, err)
		}
		params = string(raw)
	}
	timeout := time.Duration(e.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return persistence.ScheduleEntry{
		Name:        e.Name,
		Task:        e.Task,
		Schedule:    e.Schedule,
		Params:      params,
		Enabled:     e.IsEnabled(),
		Priority:    e.Priority,
		Timeout:     timeout,
		MaxRetries:  e.MaxRetries,
		TierMinimum: e.TierMinimum,
	}, nil
}

// RegisterSchedule inserts configured entries that the store does not know yet. Existing
// rows are left alone: after first registration the store is the source of truth.
func RegisterSchedule(ctx context.Context, store *persistence.Store, sc config.ScheduleConfig) (int, error) {
	added := 0
	for _, ce := range sc.Entries {
		e, err := EntryFromConfig(ce)
		if err != nil {
			return added, err
		}
		inserted, err := store.RegisterSchedule(ctx, e)
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

// ApplySchedule upserts every configured entry and disables stored entries that are no
// longer configured. Used when heartbeat.yaml changes at runtime.
func ApplySchedule(ctx context.Context, store *persistence.Store, sc config.ScheduleConfig) error {
	configured := make(map[string]struct{}, len(sc.Entries))
	for _, ce := range sc.Entries {
		e, err := EntryFromConfig(ce)
		if err != nil {
			return err
		}
		if err := store.UpsertSchedule(ctx, e); err != nil {
			return err
		}
		configured[e.Name] = struct{}{}
	}
	stored, err := store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	disabled := false
	for _, e := range stored {
		if _, ok := configured[e.Name]; ok || !e.Enabled {
			continue
		}
		if err := store.UpdateSchedule(ctx, e.Name, persistence.ScheduleUpdate{Enabled: &disabled}); err != nil {
			return err
		}
	}
	return nil
}
