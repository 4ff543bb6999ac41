// Package doctor runs offline diagnostics against a lifeline home directory.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/lifeline/internal/config"
	"github.com/basket/lifeline/internal/heartbeat"
	"github.com/basket/lifeline/internal/oracle"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkSchedule,
		checkOracle,
		checkTelegram,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults",
			Detail: "Run `lifeline init` to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.QuickCheck(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	state, err := survival.LoadAgentState(ctx, store)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema v%d, agent %s", version, state),
		Detail: cfg.DBPath}
	if state == survival.StateDead {
		res.Status = "WARN"
		res.Message += " (terminal; only an operator can revive it)"
	}
	return res
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Config missing"}
	}
	path := config.SchedulePath(cfg.HomeDir)
	sc, err := config.ReadSchedule(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Schedule", Status: "PASS", Message: "heartbeat.yaml absent, built-in schedule applies"}
	}
	if err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: err.Error(),
			Detail: "The daemon falls back to the built-in schedule until this is fixed"}
	}
	reg := heartbeat.NewRegistry()
	if err := heartbeat.RegisterBuiltins(reg, heartbeat.BuiltinDeps{}); err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: fmt.Sprintf("register tasks: %v", err)}
	}
	if err := heartbeat.ValidateSchedule(sc, reg); err != nil {
		return CheckResult{Name: "Schedule", Status: "FAIL", Message: "heartbeat.yaml is invalid", Detail: err.Error()}
	}
	return CheckResult{Name: "Schedule", Status: "PASS", Message: fmt.Sprintf("%d entries valid", len(sc.Entries))}
}

func checkOracle(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Oracle", Status: "SKIP", Message: "Config missing"}
	}
	chain, err := oracle.NewChain(cfg.Oracle, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return CheckResult{Name: "Oracle", Status: "FAIL", Message: err.Error()}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	reading := chain.Fetch(fetchCtx)
	latency := time.Since(start)
	if reading.Source == oracle.SourceDefault {
		return CheckResult{Name: "Oracle", Status: "WARN", Message: "No balance source answered; ticks will read a zero balance",
			Detail: fmt.Sprintf("%v", reading.Err)}
	}
	tier := survival.TierOf(reading.Balance, survival.Thresholds(cfg.Thresholds))
	return CheckResult{
		Name:    "Oracle",
		Status:  "PASS",
		Message: fmt.Sprintf("%s reports %.2f (%s)", reading.Source, reading.Balance, tier),
		Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
	}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Inbox source disabled"}
	}
	if len(cfg.Telegram.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: "WARN", Message: "No allowed_ids; every message will be dropped"}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("%d allowed user(s)", len(cfg.Telegram.AllowedIDs))}
}

func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Listener", Status: "WARN", Message: fmt.Sprintf("%s unavailable (daemon already running?)", cfg.BindAddr),
			Detail: err.Error()}
	}
	_ = ln.Close()
	res := CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && cfg.AuthToken == "" {
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			res.Status = "WARN"
			res.Detail = "auth_token is empty on a non-loopback bind"
		}
	}
	return res
}
