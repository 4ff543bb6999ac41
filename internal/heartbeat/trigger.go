package heartbeat

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultInterval applies to entries with an empty schedule when heartbeat.yaml sets no default_interval_ms.
const DefaultInterval = 5 * time.Minute

// cronParser accepts standard 5-field expressions and descriptors such as @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Trigger decides when a schedule entry is due. It is either a fixed interval or a cron schedule.
type Trigger struct {
	Expr     string
	Interval time.Duration
	cron     cronlib.Schedule
}

// ParseTrigger parses expr. Go durations ("90s", "5m") and "@every <duration>" are
// intervals; anything else must be a cron expression. An empty expr uses fallback.
func ParseTrigger(expr string, fallback time.Duration) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		if fallback <= 0 {
			fallback = DefaultInterval
		}
		return Trigger{Expr: fallback.String(), Interval: fallback}, nil
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Trigger{}, fmt.Errorf("parse interval %q: %w", expr, err)
		}
		return intervalTrigger(expr, d)
	}
	if d, err := time.ParseDuration(expr); err == nil {
		return intervalTrigger(expr, d)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Trigger{Expr: expr, cron: sched}, nil
}

func intervalTrigger(expr string, d time.Duration) (Trigger, error) {
	if d < time.Second {
		return Trigger{}, fmt.Errorf("interval %q is shorter than one second", expr)
	}
	return Trigger{Expr: expr, Interval: d}, nil
}

func (t Trigger) IsInterval() bool { return t.cron == nil }

// NextAfter returns the next run after last with the gap stretched by mult.
// A multiplier below one is treated as one.
func (t Trigger) NextAfter(last time.Time, mult float64) time.Time {
	if mult < 1 {
		mult = 1
	}
	gap := t.Interval
	if t.cron != nil {
		gap = t.cron.Next(last).Sub(last)
	}
	return last.Add(time.Duration(float64(gap) * mult))
}

// Due reports whether an entry last run at lastRun should run at now.
// An entry that has never run is due immediately.
func (t Trigger) Due(lastRun *time.Time, now time.Time, mult float64) bool {
	if lastRun == nil {
		return true
	}
	return !now.Before(t.NextAfter(*lastRun, mult))
}
