package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/lifeline/internal/survival"
)

func TestView_ShowsSurvivalAndSchedules(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-3 * time.Minute)
	next := now.Add(2 * time.Minute)
	m := model{
		snap: Snapshot{
			DBOK:         true,
			InstanceID:   "inst-1",
			Balance:      4200,
			Tier:         survival.TierLowCompute,
			AgentState:   survival.StateRunning,
			WakeBacklog:  2,
			InboxBacklog: 5,
			TakenAt:      now,
			LastError:    "tick: list schedules: database is locked",
			Schedules: []ScheduleRow{
				{Name: "check_balance", Task: "check_balance", Schedule: "5m", MinTier: "dead", Enabled: true,
					LastResult: "ok", LastRunAt: &last, NextRunAt: &next, RunCount: 1200, FailCount: 3},
				{Name: "report_metrics", Task: "report_metrics", Schedule: "15m", MinTier: "normal", Enabled: false},
			},
		},
	}
	view := m.View()

	for _, want := range []string{
		"inst-1",
		"low_compute",
		"4,200",
		"Wake backlog: 2",
		"Inbox backlog: 5",
		"Database is locked",
		"check_balance",
		"3 minutes ago",
		"1,200",
		"disabled",
		"never",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestView_NoSchedules(t *testing.T) {
	m := model{snap: Snapshot{Tier: survival.TierNormal}}
	if !strings.Contains(m.View(), "no schedules registered") {
		t.Fatal("expected placeholder for empty schedule table")
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	calls := 0
	provider := func(context.Context) Snapshot {
		calls++
		return Snapshot{DBOK: true, Tier: survival.TierNormal, Uptime: 5 * time.Second}
	}

	m := model{ctx: context.Background(), provider: provider, feed: NewActivityFeed()}
	if m.Init() == nil {
		t.Fatal("expected Init to return a cmd")
	}

	if _, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	updated, next := m.Update(tickMsg(time.Now()))
	if next == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	if !updated.(model).snap.DBOK || calls != 1 {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, provider, nil)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestShortError(t *testing.T) {
	if got := shortError("a: b: connection refused"); got != "Connection refused" {
		t.Fatalf("shortError = %q", got)
	}
	if got := shortError("plain"); got != "plain" {
		t.Fatalf("shortError = %q", got)
	}
}
