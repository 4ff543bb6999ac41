package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/oracle"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
	"github.com/basket/lifeline/internal/telemetry"
)

// DefaultLowComputeMultiplier stretches intervals when heartbeat.yaml does not say otherwise.
const DefaultLowComputeMultiplier = 2.0

// BalanceSource is the balance oracle as seen by the tick builder.
type BalanceSource interface {
	Fetch(ctx context.Context) oracle.Reading
}

// TickContext is built once per tick and shared read-only by every task in it.
// Balance is fetched exactly once here; tasks never re-read the oracle.
type TickContext struct {
	TickID        string
	StartedAt     time.Time
	Balance       float64
	BalanceSource string
	SurvivalTier  survival.Tier
	// LowComputeMultiplier is the interval stretch in effect for this tick (1 when not scarce).
	LowComputeMultiplier float64
	Schedule             config.ScheduleConfig
	Store                *persistence.Store
	Logger               *slog.Logger
}

// NewTickID returns a sortable id unique across scheduler instances.
func NewTickID() string {
	return ulid.Make().String()
}

// BuildTickContext fetches the balance once, derives the tier and packages both for the tick.
// It never fails: an unreachable oracle means a zero balance.
func BuildTickContext(ctx context.Context, store *persistence.Store, sc config.ScheduleConfig, src BalanceSource, th survival.Thresholds, logger *slog.Logger) *TickContext {
	if logger == nil {
		logger = slog.Default()
	}
	tickID := NewTickID()
	logger = telemetry.ForTick(logger, tickID)

	tick := &TickContext{
		TickID:    tickID,
		StartedAt: store.Now(),
		Schedule:  sc,
		Store:     store,
		Logger:    logger,
	}
	if src != nil {
		r := src.Fetch(ctx)
		tick.Balance = r.Balance
		tick.BalanceSource = r.Source
	} else {
		logger.Error("no balance oracle configured, assuming zero")
		tick.BalanceSource = oracle.SourceDefault
	}
	tick.SurvivalTier = survival.TierOf(tick.Balance, th)

	tick.LowComputeMultiplier = 1
	if tick.SurvivalTier.Scarce() {
		tick.LowComputeMultiplier = sc.LowComputeMultiplier
		if tick.LowComputeMultiplier < 1 {
			tick.LowComputeMultiplier = DefaultLowComputeMultiplier
		}
	}
	return tick
}

func defaultInterval(sc config.ScheduleConfig) time.Duration {
	if sc.DefaultIntervalMS > 0 {
		return time.Duration(sc.DefaultIntervalMS) * time.Millisecond
	}
	return DefaultInterval
}
