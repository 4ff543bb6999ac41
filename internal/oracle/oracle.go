// Package oracle is the balance-fetching boundary. Implementations return the current
// balance; the Chain turns failures into a zero balance so a tick context is always produced.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/basket/lifeline/internal/config"
)

// Oracle returns the current balance in the configured unit.
type Oracle interface {
	Name() string
	Balance(ctx context.Context) (float64, error)
}

// Static always reports the same balance.
type Static struct {
	Value float64
}

func (s Static) Name() string { return "static" }

func (s Static) Balance(context.Context) (float64, error) {
	return s.Value, nil
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context) (float64, error)

func (f Func) Name() string { return "func" }

func (f Func) Balance(ctx context.Context) (float64, error) {
	return f(ctx)
}

// SourceDefault marks a Reading produced when no oracle answered.
const SourceDefault = "default"

// Reading is the result of one chain fetch.
type Reading struct {
	Balance float64
	Source  string
	// Err is the last oracle error when every oracle failed and Balance was defaulted to zero.
	Err error
}

// Chain tries Primary then Secondary. It fails closed: when both fail, the balance is zero.
type Chain struct {
	Primary   Oracle
	Secondary Oracle
	Logger    *slog.Logger
}

// Fetch never returns an error; the failure is logged and reported in Reading.Err.
func (c Chain) Fetch(ctx context.Context) Reading {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for _, o := range []Oracle{c.Primary, c.Secondary} {
		if o == nil {
			continue
		}
		b, err := o.Balance(ctx)
		if err == nil && (math.IsNaN(b) || math.IsInf(b, 0)) {
			err = fmt.Errorf("balance %v is not finite", b)
		}
		if err == nil {
			return Reading{Balance: b, Source: o.Name()}
		}
		lastErr = err
		logger.Warn("balance oracle failed", "oracle", o.Name(), "error", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no balance oracle configured")
	}
	logger.Error("balance unavailable, assuming zero", "error", lastErr)
	return Reading{Balance: 0, Source: SourceDefault, Err: lastErr}
}

// FromConfig builds an oracle for one configured source. A source with an empty kind yields nil.
func FromConfig(src config.OracleSource) (Oracle, error) {
	switch src.Kind {
	case "":
		return nil, nil
	case "static":
		return Static{Value: src.Static}, nil
	case "http":
		return NewHTTP(HTTPConfig{
			URL:     src.URL,
			Field:   src.Field,
			Headers: src.Headers,
			Timeout: time.Duration(src.TimeoutSeconds) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown oracle kind %q", src.Kind)
	}
}

// NewChain builds the primary/secondary chain from configuration.
func NewChain(cfg config.OracleConfig, logger *slog.Logger) (Chain, error) {
	primary, err := FromConfig(cfg.Primary)
	if err != nil {
		return Chain{}, fmt.Errorf("primary oracle: %w", err)
	}
	secondary, err := FromConfig(cfg.Secondary)
	if err != nil {
		return Chain{}, fmt.Errorf("secondary oracle: %w", err)
	}
	return Chain{Primary: primary, Secondary: secondary, Logger: logger}, nil
}
