package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/basket/lifeline/internal/shared"
)

// HTTPConfig configures an HTTP balance oracle.
type HTTPConfig struct {
	URL string
	// Field is a dotted path into the JSON response, e.g. "data.balance_cents".
	Field   string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
}

// HTTP fetches the balance from a JSON endpoint behind a circuit breaker, so a dead
// endpoint fails fast instead of stalling every tick for the full timeout.
type HTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[float64]
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Field == "" {
		cfg.Field = "balance"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cb := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "balance-oracle",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &HTTP{cfg: cfg, client: client, breaker: cb}
}

func (h *HTTP) Name() string { return "http" }

// State exposes the breaker state for status output.
func (h *HTTP) State() string {
	return h.breaker.State().String()
}

func (h *HTTP) Balance(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()
	return h.breaker.Execute(func() (float64, error) {
		return h.fetch(ctx)
	})
}

func (h *HTTP) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		// url.Error repeats the raw URL, which may carry an api key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, fmt.Errorf("oracle request %s: %w", shared.RedactURL(h.cfg.URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read oracle response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("oracle returned %d", resp.StatusCode)
	}
	return extractBalance(body, h.cfg.Field)
}

func extractBalance(body []byte, field string) (float64, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("decode oracle response: %w", err)
	}
	cur := doc
	for _, part := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("oracle response: %q is not an object", part)
		}
		cur, ok = obj[part]
		if !ok {
			return 0, fmt.Errorf("oracle response: missing field %q", field)
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("oracle response: field %q is not numeric: %w", field, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("oracle response: field %q is not finite: %q", field, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("oracle response: field %q has type %T", field, cur)
	}
}
