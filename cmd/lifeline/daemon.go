package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/gateway"
	"github.com/basket/lifeline/internal/heartbeat"
)

func runDaemonCommand(ctx context.Context, args []string, stderr io.Writer) int {
	fs := newFlagSet("daemon", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: lifeline daemon")
		return 2
	}

	a, err := loadApp(ctx, false)
	if err != nil {
		return fatalStartup(nil, stderr, "E_STARTUP", err)
	}
	defer a.Close()

	if err := runDaemon(ctx, a); err != nil {
		var bindErr *bindError
		if errors.As(err, &bindErr) {
			return fatalStartup(a.logger, stderr, "E_LISTENER_BIND", err)
		}
		a.logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	return 0
}

type bindError struct{ err error }

func (e *bindError) Error() string { return e.err.Error() }
func (e *bindError) Unwrap() error { return e.err }

func runDaemon(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath, "instance_id", a.instanceID)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && cfg.AuthToken == "" {
		h := strings.ToLower(strings.TrimSpace(host))
		if h != "127.0.0.1" && h != "localhost" && h != "::1" {
			logger.Warn("auth_token is empty on a non-loopback bind; the operator API is open", "bind_addr", cfg.BindAddr)
		}
	}

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Bus:               a.bus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		WakeRatePerMinute: cfg.WakeRatePerMinute,
		InstanceID:        a.instanceID,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            a.otel.Tracer,
		Metrics:           a.metrics,
	})
	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		return &bindError{err: err}
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	driver := heartbeat.NewDriver(heartbeat.DriverConfig{
		Scheduler: a.scheduler,
		Logger:    logger,
		Interval:  time.Duration(cfg.TickIntervalSeconds) * time.Second,
		OnTick: func(res heartbeat.TickResult) {
			if res.ShouldWake {
				logger.Info("agent wake requested", "tick_id", res.TickID, "tier", res.Tier, "message", res.Message)
			}
		},
	})
	driver.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		driver.Stop()
		return nil
	})
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable; heartbeat.yaml edits need a restart", "error", err)
	} else {
		g.Go(func() error {
			for ev := range watcher.Events() {
				if !ev.IsSchedule() {
					logger.Info("config change detected; restart to apply", "path", ev.Path)
					continue
				}
				if err := a.reloadSchedule(gctx); err != nil {
					logger.Error("schedule reload failed", "error", err)
					continue
				}
				driver.Kick()
			}
			return nil
		})
	}

	if a.telegram != nil {
		g.Go(func() error {
			a.telegram.ForwardWakes(gctx, a.bus)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
