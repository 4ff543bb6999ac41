package heartbeat

import (
	"testing"
	"time"
)

func TestParseTrigger_Forms(t *testing.T) {
	cases := []struct {
		expr     string
		interval time.Duration
	}{
		{"", 7 * time.Minute},
		{"90s", 90 * time.Second},
		{"@every 5m", 5 * time.Minute},
		{"*/15 * * * *", 0},
		{"@hourly", 0},
	}
	for _, tc := range cases {
		tr, err := ParseTrigger(tc.expr, 7*time.Minute)
		if err != nil {
			t.Fatalf("ParseTrigger(%q): %v", tc.expr, err)
		}
		if tr.Interval != tc.interval {
			t.Fatalf("ParseTrigger(%q) interval = %s, want %s", tc.expr, tr.Interval, tc.interval)
		}
		if tr.IsInterval() != (tc.interval > 0) {
			t.Fatalf("ParseTrigger(%q) IsInterval = %v", tc.expr, tr.IsInterval())
		}
	}
}

func TestParseTrigger_Rejects(t *testing.T) {
	for _, expr := range []string{"every tuesday", "* * *", "@every soon", "10ms", "61 * * * *"} {
		if _, err := ParseTrigger(expr, 0); err == nil {
			t.Fatalf("ParseTrigger(%q) should fail", expr)
		}
	}
}

func TestParseTrigger_EmptyUsesDefaultInterval(t *testing.T) {
	tr, err := ParseTrigger("  ", 0)
	if err != nil {
		t.Fatalf("ParseTrigger: %v", err)
	}
	if tr.Interval != DefaultInterval {
		t.Fatalf("interval = %s, want %s", tr.Interval, DefaultInterval)
	}
}

func TestTrigger_DueInterval(t *testing.T) {
	tr, _ := ParseTrigger("10m", 0)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !tr.Due(nil, last, 1) {
		t.Fatal("never-run entry should be due")
	}
	if tr.Due(&last, last.Add(9*time.Minute), 1) {
		t.Fatal("due before interval elapsed")
	}
	if !tr.Due(&last, last.Add(10*time.Minute), 1) {
		t.Fatal("not due once interval elapsed")
	}
	if tr.Due(&last, last.Add(15*time.Minute), 2) {
		t.Fatal("multiplier 2 should stretch the interval to 20m")
	}
	if !tr.Due(&last, last.Add(20*time.Minute), 2) {
		t.Fatal("stretched interval elapsed but not due")
	}
	if !tr.Due(&last, last.Add(10*time.Minute), 0.5) {
		t.Fatal("multiplier below one must not shrink the interval")
	}
}

func TestTrigger_DueCron(t *testing.T) {
	tr, _ := ParseTrigger("*/15 * * * *", 0)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if tr.Due(&last, last.Add(14*time.Minute), 1) {
		t.Fatal("due before next cron slot")
	}
	if !tr.Due(&last, last.Add(15*time.Minute), 1) {
		t.Fatal("not due at next cron slot")
	}
	want := last.Add(45 * time.Minute)
	if got := tr.NextAfter(last, 3); !got.Equal(want) {
		t.Fatalf("NextAfter with multiplier 3 = %s, want %s", got, want)
	}
}
