// Package heartbeat runs the periodic maintenance tasks. Each tick builds a TickContext,
// walks the persisted schedule in priority order and runs every due, tier-eligible task
// under a store lease so concurrent schedulers never run the same task twice.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/oracle"
	lotel "github.com/basket/lifeline/internal/otel"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/shared"
	"github.com/basket/lifeline/internal/survival"
)

const (
	DefaultTaskTimeout = 30 * time.Second
	// leaseMargin keeps the lease alive past the last retry's timeout.
	leaseMargin = 30 * time.Second

	backoffKeyPrefix = "backoff_until:"
)

// Skip reasons reported in TickResult.
const (
	SkipDisabled        = "disabled"
	SkipUnknownTask     = "unknown_task"
	SkipInvalidSchedule = "invalid_schedule"
	SkipTier            = "tier"
	SkipNotDue          = "not_due"
	SkipBackoff         = "backoff"
	SkipLeased          = "leased"
	SkipLeaseError      = "lease_error"
)

// Config holds the scheduler dependencies.
type Config struct {
	Store      *persistence.Store
	Registry   *Registry
	Oracle     BalanceSource
	Thresholds survival.Thresholds
	Schedule   config.ScheduleConfig
	// Owner identifies this scheduler instance in leases. Defaults to a fresh instance id.
	Owner        string
	WakeDedupTTL time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *lotel.Metrics
}

// Scheduler executes ticks. It holds no per-tick state; everything durable lives in the store.
type Scheduler struct {
	store      *persistence.Store
	registry   *Registry
	oracle     BalanceSource
	thresholds survival.Thresholds
	owner      string
	wakeTTL    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *lotel.Metrics

	mu       sync.RWMutex
	schedule config.ScheduleConfig
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(lotel.TracerName)
	}
	owner := cfg.Owner
	if owner == "" {
		owner = shared.NewInstanceID()
	}
	ttl := cfg.WakeDedupTTL
	if ttl <= 0 {
		ttl = DefaultWakeDedupTTL
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Scheduler{
		store:      cfg.Store,
		registry:   registry,
		oracle:     tracedSource(cfg.Oracle, tracer),
		thresholds: cfg.Thresholds,
		owner:      owner,
		wakeTTL:    ttl,
		logger:     logger,
		tracer:     tracer,
		metrics:    cfg.Metrics,
		schedule:   cfg.Schedule,
	}
}

func (s *Scheduler) Owner() string { return s.owner }

func (s *Scheduler) Registry() *Registry { return s.registry }

// SetSchedule swaps the schedule configuration used for subsequent ticks.
func (s *Scheduler) SetSchedule(sc config.ScheduleConfig) {
	s.mu.Lock()
	s.schedule = sc
	s.mu.Unlock()
}

func (s *Scheduler) Schedule() config.ScheduleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule
}

// RunReport describes one executed task.
type RunReport struct {
	Task       string        `json:"task"`
	Result     string        `json:"result"`
	ShouldWake bool          `json:"should_wake"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	WakePushed bool          `json:"wake_pushed"`
}

// SkipReport names a schedule entry that did not run and why.
type SkipReport struct {
	Task   string `json:"task"`
	Reason string `json:"reason"`
}

// TickResult is the outcome of one tick. ShouldWake is the OR of every executed
// task's result; Message joins the messages of the tasks that asked to wake.
type TickResult struct {
	TickID     string        `json:"tick_id"`
	StartedAt  time.Time     `json:"started_at"`
	Balance    float64       `json:"balance"`
	Tier       survival.Tier `json:"tier"`
	ShouldWake bool          `json:"should_wake"`
	Message    string        `json:"message,omitempty"`
	Runs       []RunReport   `json:"runs"`
	Skipped    []SkipReport  `json:"skipped,omitempty"`
}

// Tick runs one evaluation pass. Task failures are recorded and never returned; the only
// error is failing to read the schedule at all.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	tick := BuildTickContext(ctx, s.store, s.Schedule(), s.oracle, s.thresholds, s.logger)
	ctx = shared.WithTickID(ctx, tick.TickID)
	ctx = shared.WithInstanceID(ctx, s.owner)

	ctx, span := lotel.StartSpan(ctx, s.tracer, "heartbeat.tick",
		lotel.AttrTickID.String(tick.TickID),
		lotel.AttrBalance.Float64(tick.Balance),
		lotel.AttrTier.String(string(tick.SurvivalTier)),
		lotel.AttrOracle.String(tick.BalanceSource),
	)
	defer span.End()
	s.metrics.RecordBalance(ctx, tick.Balance, string(tick.SurvivalTier))

	res := TickResult{
		TickID:    tick.TickID,
		StartedAt: tick.StartedAt,
		Balance:   tick.Balance,
		Tier:      tick.SurvivalTier,
	}

	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		lotel.FailSpan(span, err, "list schedules")
		return res, fmt.Errorf("tick %s: %w", tick.TickID, err)
	}

	var messages []string
	for _, entry := range entries {
		if ctx.Err() != nil {
			tick.Logger.Warn("tick cancelled", "error", ctx.Err())
			break
		}
		report, skip := s.runEntry(ctx, tick, entry)
		if skip != "" {
			res.Skipped = append(res.Skipped, SkipReport{Task: entry.Name, Reason: skip})
			continue
		}
		res.Runs = append(res.Runs, report)
		if report.ShouldWake {
			res.ShouldWake = true
			if report.Message != "" {
				messages = append(messages, report.Message)
			}
		}
	}
	res.Message = strings.Join(messages, "\n")

	span.SetAttributes(lotel.AttrShouldWake.Bool(res.ShouldWake))
	s.store.Bus().Publish(bus.TopicTickDone, bus.TickDone{
		TickID:     tick.TickID,
		Tier:       string(tick.SurvivalTier),
		Balance:    tick.Balance,
		Executed:   len(res.Runs),
		ShouldWake: res.ShouldWake,
	})
	tick.Logger.Info("tick complete",
		"tier", tick.SurvivalTier,
		"balance", tick.Balance,
		"executed", len(res.Runs),
		"skipped", len(res.Skipped),
		"should_wake", res.ShouldWake,
	)
	return res, nil
}

// runEntry gates and executes one schedule entry. It returns a non-empty skip reason
// when the entry did not run.
func (s *Scheduler) runEntry(ctx context.Context, tick *TickContext, entry persistence.ScheduleEntry) (RunReport, string) {
	logger := tick.Logger.With("task", entry.Name)
	if !entry.Enabled {
		return RunReport{}, SkipDisabled
	}
	task, ok := s.registry.Lookup(entry.Task)
	if !ok {
		logger.Warn("schedule references unknown task", "task_key", entry.Task)
		return RunReport{}, SkipUnknownTask
	}
	if !tick.SurvivalTier.AtLeast(survival.Tier(entry.TierMinimum)) {
		logger.Debug("tier below minimum", "tier", tick.SurvivalTier, "minimum", entry.TierMinimum)
		return RunReport{}, SkipTier
	}
	trigger, err := ParseTrigger(entry.Schedule, defaultInterval(tick.Schedule))
	if err != nil {
		logger.Warn("invalid schedule expression", "schedule", entry.Schedule, "error", err)
		return RunReport{}, SkipInvalidSchedule
	}
	now := s.store.Now()
	if !trigger.Due(entry.LastRunAt, now, tick.LowComputeMultiplier) {
		return RunReport{}, SkipNotDue
	}
	if until, ok := s.backoffUntil(ctx, entry.Name); ok && now.Before(until) {
		logger.Debug("task backing off", "until", until)
		return RunReport{}, SkipBackoff
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ttl := timeout*time.Duration(1+entry.MaxRetries) + leaseMargin
	acquired, err := s.store.AcquireLease(ctx, entry.Name, s.owner, ttl)
	if err != nil {
		logger.Error("acquire lease failed", "owner", s.owner, "error", err)
		return RunReport{}, SkipLeaseError
	}
	if !acquired {
		logger.Debug("lease held elsewhere, skipping", "owner", s.owner)
		return RunReport{}, SkipLeased
	}
	defer func() {
		if _, err := s.store.ReleaseLease(context.WithoutCancel(ctx), entry.Name, s.owner); err != nil {
			logger.Error("release lease failed", "owner", s.owner, "error", err)
		}
	}()

	// Another instance may have finished a run between listing and acquiring.
	fresh, err := s.store.GetSchedule(ctx, entry.Name)
	if err != nil {
		logger.Error("reload schedule entry failed", "error", err)
		return RunReport{}, SkipLeaseError
	}
	if !trigger.Due(fresh.LastRunAt, now, tick.LowComputeMultiplier) {
		return RunReport{}, SkipNotDue
	}
	entry = *fresh

	return s.execute(ctx, tick, entry, task, trigger, timeout), ""
}

func (s *Scheduler) execute(ctx context.Context, tick *TickContext, entry persistence.ScheduleEntry, task *Task, trigger Trigger, timeout time.Duration) RunReport {
	logger := tick.Logger.With("task", entry.Name)
	ctx = shared.WithTaskName(ctx, entry.Name)
	ctx, span := lotel.StartSpan(ctx, s.tracer, "heartbeat.task",
		lotel.AttrTickID.String(tick.TickID),
		lotel.AttrTaskName.String(entry.Name),
	)
	defer span.End()

	started := s.store.Now()
	inv := Invocation{Entry: entry, Params: s.decodeParams(entry)}
	var (
		result TaskResult
		err    error
	)
	for attempt := 1; attempt <= 1+entry.MaxRetries; attempt++ {
		inv.Attempt = attempt
		result, err = s.runOnce(ctx, task, tick, inv, timeout)
		if err == nil {
			break
		}
		logger.Warn("task attempt failed", "attempt", attempt, "error", err)
		if _, transient := transientWindow(err); transient || ctx.Err() != nil {
			break
		}
	}
	finished := s.store.Now()
	duration := finished.Sub(started)
	span.SetAttributes(lotel.AttrAttempt.Int(inv.Attempt))

	report := RunReport{
		Task:     entry.Name,
		Attempts: inv.Attempt,
		Duration: duration,
	}
	if err != nil {
		report.Result = "error"
		report.Error = err.Error()
		lotel.FailSpan(span, err, "task failed")
		if window, ok := transientWindow(err); ok {
			s.setBackoff(ctx, entry.Name, finished.Add(window))
			logger.Warn("task backing off after transient failure", "window", window)
		}
	} else {
		report.Result = "ok"
		report.ShouldWake = result.ShouldWake
		report.Message = result.Message
		if result.ShouldWake {
			report.Result = "wake"
		}
	}
	span.SetAttributes(lotel.AttrShouldWake.Bool(report.ShouldWake))

	// Due measures from last_run_at, which holds started.
	next := trigger.NextAfter(started, tick.LowComputeMultiplier)
	if recErr := s.store.RecordRun(ctx, entry.Name, persistence.RunOutcome{
		At:        started,
		NextRunAt: &next,
		Result:    report.Result,
		Error:     report.Error,
		Failed:    err != nil,
	}); recErr != nil {
		logger.Error("record run failed", "error", recErr)
	}
	if _, histErr := s.store.AppendHistory(ctx, persistence.HistoryRecord{
		TaskName:       entry.Name,
		TickID:         tick.TickID,
		StartedAt:      started,
		CompletedAt:    &finished,
		Result:         report.Result,
		ShouldWake:     report.ShouldWake,
		Message:        report.Message,
		Error:          report.Error,
		DurationMS:     duration.Milliseconds(),
		IdempotencyKey: tick.TickID + ":" + entry.Name,
	}); histErr != nil {
		logger.Error("append history failed", "error", histErr)
	}

	if report.ShouldWake {
		report.WakePushed = s.raiseWake(ctx, tick, entry.Name, report.Message)
	}

	s.metrics.RecordRun(ctx, entry.Name, duration.Seconds(), err != nil)
	s.store.Bus().Publish(bus.TopicTaskRun, bus.TaskRun{
		TickID:     tick.TickID,
		Task:       entry.Name,
		Result:     report.Result,
		ShouldWake: report.ShouldWake,
		Error:      report.Error,
		DurationMS: duration.Milliseconds(),
	})
	if err != nil {
		logger.Error("task failed", "attempts", report.Attempts, "error", err)
	} else {
		logger.Info("task ran", "result", report.Result, "duration_ms", duration.Milliseconds())
	}
	return report
}

// runOnce executes a task with a timeout and converts panics into errors. A task that
// ignores its context keeps running in the background; the lease TTL bounds the damage.
func (s *Scheduler) runOnce(ctx context.Context, task *Task, tick *TickContext, inv Invocation, timeout time.Duration) (TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res TaskResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := task.Run(ctx, tick, inv)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return TaskResult{}, fmt.Errorf("task timed out after %s: %w", timeout, ctx.Err())
	}
}

func (s *Scheduler) raiseWake(ctx context.Context, tick *TickContext, task, message string) bool {
	id, pushed, err := PushWake(ctx, s.store, WakeSourceHeartbeat, task, message, WakeDedupKey(task, message), s.wakeTTL)
	if err != nil {
		tick.Logger.Error("push wake failed", "task", task, "error", err)
		return false
	}
	if !pushed {
		tick.Logger.Debug("duplicate wake suppressed", "task", task)
		return false
	}
	s.metrics.RecordWake(ctx, WakeSourceHeartbeat)
	s.store.Bus().Publish(bus.TopicWakeSignal, bus.WakeSignal{TickID: tick.TickID, Task: task, Message: message})
	tick.Logger.Info("wake signal raised", "task", task, "wake_id", id, "message", message)
	return true
}

func (s *Scheduler) backoffUntil(ctx context.Context, task string) (time.Time, bool) {
	raw, err := s.store.KVGet(ctx, backoffKeyPrefix+task)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("corrupt backoff marker ignored", "task", task, "value", raw)
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) setBackoff(ctx context.Context, task string, until time.Time) {
	if err := s.store.KVSet(ctx, backoffKeyPrefix+task, until.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("store backoff marker failed", "task", task, "error", err)
	}
}

type tracingSource struct {
	src    BalanceSource
	tracer trace.Tracer
}

// tracedSource wraps src so every balance fetch is recorded as a client span.
func tracedSource(src BalanceSource, tracer trace.Tracer) BalanceSource {
	if src == nil {
		return nil
	}
	return tracingSource{src: src, tracer: tracer}
}

func (t tracingSource) Fetch(ctx context.Context) oracle.Reading {
	ctx, span := lotel.StartClientSpan(ctx, t.tracer, "oracle.fetch")
	defer span.End()
	r := t.src.Fetch(ctx)
	span.SetAttributes(lotel.AttrOracle.String(r.Source), lotel.AttrBalance.Float64(r.Balance))
	return r
}
