package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/lifeline/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		DBPath:   filepath.Join(home, "lifeline.db"),
		BindAddr: "127.0.0.1:0",
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle.Primary = config.OracleSource{Kind: "static", Static: 7500}
	cfg.Thresholds = config.Thresholds{Critical: 1000, LowCompute: 5000, Normal: 10000}

	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("fresh home should not fail: %+v", d.Results)
	}
	if got := find(t, d, "Database"); got.Status != "PASS" {
		t.Fatalf("database = %+v", got)
	}
	if got := find(t, d, "Oracle"); got.Status != "PASS" || got.Message != "static reports 7500.00 (normal)" {
		t.Fatalf("oracle = %+v", got)
	}
	if got := find(t, d, "Telegram"); got.Status != "SKIP" {
		t.Fatalf("telegram = %+v", got)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckOracle_NoSourceWarns(t *testing.T) {
	got := checkOracle(context.Background(), testConfig(t))
	if got.Status != "WARN" {
		t.Fatalf("expected WARN without any oracle, got %+v", got)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := testConfig(t)
	if got := checkSchedule(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("missing heartbeat.yaml should pass, got %+v", got)
	}

	bad := "entries:\n  - name: mystery\n    task: no_such_task\n    schedule: 5m\n"
	if err := os.WriteFile(config.SchedulePath(cfg.HomeDir), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkSchedule(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("unknown task should fail, got %+v", got)
	}

	good := "entries:\n  - name: ping\n    task: heartbeat_ping\n    schedule: '*/5 * * * *'\n"
	if err := os.WriteFile(config.SchedulePath(cfg.HomeDir), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkSchedule(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("valid schedule should pass, got %+v", got)
	}
}

func TestCheckTelegram_NoAllowedIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.Token = "t"
	if got := checkTelegram(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN, got %+v", got)
	}
}

func TestCheckListener_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if got := checkListener(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("expected WARN for occupied port, got %+v", got)
	}
}

func TestCheckListener_OpenNonLoopback(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddr = "0.0.0.0:0"
	if got := checkListener(context.Background(), cfg); got.Status != "WARN" || got.Detail == "" {
		t.Fatalf("expected WARN for unauthenticated public bind, got %+v", got)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() || find(t, d, "Config").Status != "FAIL" || find(t, d, "Database").Status != "SKIP" {
		t.Fatalf("nil config results = %+v", d.Results)
	}
}
