// Package tui renders the live `lifeline top` dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/basket/lifeline/internal/survival"
)

const refreshInterval = 2 * time.Second

type ScheduleRow struct {
	Name       string     `json:"name"`
	Task       string     `json:"task"`
	Schedule   string     `json:"schedule"`
	MinTier    string     `json:"tier_minimum"`
	Enabled    bool       `json:"enabled"`
	Leased     bool       `json:"leased"`
	LastResult string     `json:"last_result,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	RunCount   int64      `json:"run_count"`
	FailCount  int64      `json:"fail_count"`
}

type Snapshot struct {
	DBOK         bool                `json:"db_ok"`
	InstanceID   string              `json:"instance_id,omitempty"`
	Balance      float64             `json:"balance"`
	Tier         survival.Tier       `json:"tier"`
	AgentState   survival.AgentState `json:"agent_state"`
	WakeBacklog  int                 `json:"wake_backlog"`
	InboxBacklog int                 `json:"inbox_backlog"`
	Schedules    []ScheduleRow       `json:"schedules"`
	LastError    string              `json:"last_error,omitempty"`
	Uptime       time.Duration       `json:"uptime,omitempty"`
	TakenAt      time.Time           `json:"taken_at"`
}

type StatusProvider func(ctx context.Context) Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)

	tierColors = map[survival.Tier]lipgloss.Color{
		survival.TierHigh:       lipgloss.Color("42"),
		survival.TierNormal:     lipgloss.Color("40"),
		survival.TierLowCompute: lipgloss.Color("214"),
		survival.TierCritical:   lipgloss.Color("196"),
		survival.TierDead:       lipgloss.Color("160"),
	}
)

type model struct {
	ctx      context.Context
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.feed != nil {
				m.feed.Toggle()
			}
		}
	case tickMsg:
		m.snap = m.provider(m.ctx)
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(Render(m.snap))
	if m.feed != nil {
		b.WriteString("\n" + m.feed.View())
	}
	b.WriteString("\n" + dimStyle.Render("q quit · a toggle activity") + "\n")
	return b.String()
}

// Render draws a snapshot as the dashboard body. Styles degrade to plain text
// when stdout is not a terminal.
func Render(s Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Lifeline") + dimStyle.Render("  "+s.InstanceID) + "\n\n")

	tierName := string(s.Tier)
	if tierName == "" {
		tierName = "unknown"
	}
	tier := lipgloss.NewStyle().Bold(true).Foreground(tierColors[s.Tier]).Render(tierName)
	fmt.Fprintf(&b, "Tier: %s   Balance: %s   Agent: %s\n", tier, humanize.CommafWithDigits(s.Balance, 2), s.AgentState)
	fmt.Fprintf(&b, "DB OK: %t   Wake backlog: %d   Inbox backlog: %d", s.DBOK, s.WakeBacklog, s.InboxBacklog)
	if s.Uptime > 0 {
		fmt.Fprintf(&b, "   Uptime: %s", s.Uptime.Truncate(time.Second))
	}
	b.WriteString("\n")
	if s.LastError != "" {
		b.WriteString(errStyle.Render("Last error: "+shortError(s.LastError)) + "\n")
	}
	b.WriteString("\n")

	if len(s.Schedules) == 0 {
		b.WriteString(dimStyle.Render("(no schedules registered)") + "\n")
	} else {
		b.WriteString(scheduleTable(s.Schedules, s.TakenAt) + "\n")
	}
	return b.String()
}

func scheduleTable(rows []ScheduleRow, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("NAME", "TASK", "SCHEDULE", "MIN TIER", "STATE", "LAST", "NEXT", "RUNS", "FAILS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
	for _, r := range rows {
		t.Row(r.Name, r.Task, r.Schedule, r.MinTier, rowState(r), lastCell(r, now), relTime(r.NextRunAt, now, "due"),
			humanize.Comma(r.RunCount), humanize.Comma(r.FailCount))
	}
	return t.String()
}

func rowState(r ScheduleRow) string {
	switch {
	case !r.Enabled:
		return "disabled"
	case r.Leased:
		return "running"
	default:
		return "idle"
	}
}

func lastCell(r ScheduleRow, now time.Time) string {
	if r.LastRunAt == nil {
		return "never"
	}
	return r.LastResult + " " + relTime(r.LastRunAt, now, "")
}

func relTime(t *time.Time, now time.Time, zero string) string {
	if t == nil {
		return zero
	}
	if now.IsZero() {
		now = time.Now()
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

// Run shows the dashboard until the user quits or ctx is canceled. feed may be nil.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer bestEffortResetTTY()

	m := model{ctx: ctx, provider: provider, snap: provider(ctx), feed: feed}
	p := tea.NewProgram(m, tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
