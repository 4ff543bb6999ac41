package survival

import (
	"fmt"
	"math"
)

// Tier is a discrete resource-scarcity level derived from balance.
type Tier string

const (
	TierDead       Tier = "dead"
	TierCritical   Tier = "critical"
	TierLowCompute Tier = "low_compute"
	TierNormal     Tier = "normal"
	TierHigh       Tier = "high"
)

var tierRank = map[Tier]int{
	TierDead:       0,
	TierCritical:   1,
	TierLowCompute: 2,
	TierNormal:     3,
	TierHigh:       4,
}

// Tiers lists every tier from lowest to highest.
func Tiers() []Tier {
	return []Tier{TierDead, TierCritical, TierLowCompute, TierNormal, TierHigh}
}

// Rank orders tiers; unknown tiers rank below dead.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t satisfies the minimum tier min. An empty minimum is always satisfied.
func (t Tier) AtLeast(min Tier) bool {
	if min == "" {
		return true
	}
	return t.Rank() >= min.Rank()
}

// Scarce reports whether the interval stretch applies.
func (t Tier) Scarce() bool {
	return t == TierLowCompute || t == TierCritical
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown survival tier %q", s)
	}
	return t, nil
}

// Thresholds are balance ceilings for each tier, lowest first.
type Thresholds struct {
	Critical   float64
	LowCompute float64
	Normal     float64
}

// DefaultThresholds are in cents.
var DefaultThresholds = Thresholds{Critical: 1000, LowCompute: 5000, Normal: 10000}

// TierOf maps a balance to its tier. A negative balance is dead; a balance below a
// threshold falls into the tier under it. NaN is treated as zero.
func TierOf(balance float64, th Thresholds) Tier {
	if math.IsNaN(balance) {
		balance = 0
	}
	switch {
	case balance < 0:
		return TierDead
	case balance < th.Critical:
		return TierCritical
	case balance < th.LowCompute:
		return TierLowCompute
	case balance < th.Normal:
		return TierNormal
	default:
		return TierHigh
	}
}
