package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/lifeline/internal/audit"
	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/channels"
	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/heartbeat"
	lotel "github.com/basket/lifeline/internal/otel"
	"github.com/basket/lifeline/internal/oracle"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/shared"
	"github.com/basket/lifeline/internal/survival"
	"github.com/basket/lifeline/internal/telemetry"
)

// app is the wired object graph shared by the daemon and the one-shot commands.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	bus        *bus.Bus
	otel       *lotel.Provider
	metrics    *lotel.Metrics
	store      *persistence.Store
	registry   *heartbeat.Registry
	scheduler  *heartbeat.Scheduler
	telegram   *channels.Telegram
	instanceID string
	startedAt  time.Time

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// loadApp loads configuration and opens everything except network listeners.
// quiet keeps logs out of stdout so command output stays parseable.
func loadApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openApp(ctx, cfg, quiet)
}

func openApp(ctx context.Context, cfg config.Config, quiet bool) (a *app, err error) {
	a = &app{cfg: cfg, startedAt: time.Now().UTC()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fmt.Errorf("init audit: %w", err)
	}
	a.closers = append(a.closers, closerFunc(audit.Close))

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return a, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, logCloser)
	slog.SetDefault(logger)
	a.logger = logger

	a.instanceID = cfg.InstanceID
	if a.instanceID == "" {
		a.instanceID = shared.NewInstanceID()
	}

	a.otel, err = lotel.Init(ctx, cfg.OTel, lotel.WithInstanceID(a.instanceID))
	if err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.metrics, err = lotel.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()
	a.store, err = persistence.Open(cfg.DBPath, a.bus, persistence.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(a.store.DB())

	chain, err := oracle.NewChain(cfg.Oracle, logger)
	if err != nil {
		return a, fmt.Errorf("build balance oracle: %w", err)
	}

	var inbox heartbeat.InboxSource
	if cfg.Telegram.Enabled {
		a.telegram = channels.NewTelegram(channels.TelegramConfig{
			Token:      cfg.Telegram.Token,
			AllowedIDs: cfg.Telegram.AllowedIDs,
			Store:      a.store,
			Logger:     logger,
		})
		inbox = a.telegram
	}

	thresholds := survival.Thresholds(cfg.Thresholds)
	a.registry = heartbeat.NewRegistry()
	if err := heartbeat.RegisterBuiltins(a.registry, heartbeat.BuiltinDeps{
		Thresholds:    thresholds,
		Grace:         time.Duration(cfg.ZeroBalanceGraceSeconds) * time.Second,
		Inbox:         inbox,
		Metrics:       a.metrics,
		RetentionDays: cfg.RetentionHistoryDays,
	}); err != nil {
		return a, fmt.Errorf("register tasks: %w", err)
	}

	sc := heartbeat.LoadSchedule(config.SchedulePath(cfg.HomeDir), a.registry, logger)
	added, err := heartbeat.RegisterSchedule(ctx, a.store, sc)
	if err != nil {
		return a, fmt.Errorf("register schedule: %w", err)
	}
	if added > 0 {
		logger.Info("schedule entries registered", "added", added)
	}

	a.scheduler = heartbeat.NewScheduler(heartbeat.Config{
		Store:      a.store,
		Registry:   a.registry,
		Oracle:     chain,
		Thresholds: thresholds,
		Schedule:   sc,
		Owner:      a.instanceID,
		Logger:     logger,
		Tracer:     a.otel.Tracer,
		Metrics:    a.metrics,
	})
	return a, nil
}

// reloadSchedule re-reads heartbeat.yaml and applies it to the store and scheduler.
func (a *app) reloadSchedule(ctx context.Context) error {
	sc := heartbeat.LoadSchedule(config.SchedulePath(a.cfg.HomeDir), a.registry, a.logger)
	if err := heartbeat.ApplySchedule(ctx, a.store, sc); err != nil {
		return err
	}
	a.scheduler.SetSchedule(sc)
	a.logger.Info("schedule reloaded", "entries", len(sc.Entries))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	if a.store != nil {
		audit.SetDB(nil)
		_ = a.store.Close()
	}
	if a.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otel.Shutdown(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	return nil
}
