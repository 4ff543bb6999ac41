package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DriverConfig holds the dependencies for the tick driver.
type DriverConfig struct {
	Scheduler *Scheduler
	Logger    *slog.Logger
	Interval  time.Duration // defaults to one minute
	// OnTick, if set, receives every completed tick.
	OnTick func(TickResult)
}

// Driver calls Scheduler.Tick at a fixed cadence. The scheduler itself never self-schedules.
type Driver struct {
	scheduler *Scheduler
	logger    *slog.Logger
	interval  time.Duration
	onTick    func(TickResult)
	kick      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDriver(cfg DriverConfig) *Driver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		scheduler: cfg.Scheduler,
		logger:    logger,
		interval:  interval,
		onTick:    cfg.OnTick,
		kick:      make(chan struct{}, 1),
	}
}

// Start begins the tick loop in a background goroutine.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("heartbeat driver started", "interval", d.interval)
}

// Stop cancels the loop and waits for the running tick to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("heartbeat driver stopped")
}

// Kick requests an extra tick as soon as the current one (if any) finishes.
func (d *Driver) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		case <-d.kick:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	res, err := d.scheduler.Tick(ctx)
	if err != nil {
		d.logger.Error("heartbeat tick failed", "error", err)
		return
	}
	if d.onTick != nil {
		d.onTick(res)
	}
}
