package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/lifeline/internal/bus"
)

const maxMessageLen = 80

type ActivityItem struct {
	At      time.Time
	Icon    string
	Message string
}

// ActivityFeed keeps the most recent bus events for the dashboard.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Follow appends every event from eventBus until ctx is done.
func (f *ActivityFeed) Follow(ctx context.Context, eventBus *bus.Bus) {
	if eventBus == nil {
		return
	}
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if item, ok := FromEvent(ev); ok {
				f.Add(item)
			}
		}
	}
}

// FromEvent describes a bus event in one line. Events not worth showing return false.
func FromEvent(ev bus.Event) (ActivityItem, bool) {
	item := ActivityItem{At: ev.At}
	switch p := ev.Payload.(type) {
	case bus.TaskRun:
		item.Icon = "✓"
		item.Message = fmt.Sprintf("%s %s (%dms)", p.Task, p.Result, p.DurationMS)
		if p.Error != "" {
			item.Icon = "✗"
			item.Message += ": " + p.Error
		}
	case bus.WakeSignal:
		item.Icon = "!"
		item.Message = fmt.Sprintf("wake from %s: %s", p.Task, p.Message)
	case bus.WakePushed:
		item.Icon = "+"
		item.Message = fmt.Sprintf("wake #%d queued by %s: %s", p.ID, p.Source, p.Reason)
	case bus.TierChanged:
		item.Icon = "~"
		item.Message = fmt.Sprintf("tier %s → %s (balance %.2f)", p.From, p.To, p.Balance)
	case bus.AgentStateChanged:
		item.Icon = "~"
		item.Message = fmt.Sprintf("agent %s → %s", p.From, p.To)
	case bus.InboxReceived:
		item.Icon = ">"
		item.Message = fmt.Sprintf("inbox message from %s via %s", p.Sender, p.Source)
	default:
		return ActivityItem{}, false
	}
	if len(item.Message) > maxMessageLen {
		item.Message = item.Message[:maxMessageLen] + "..."
	}
	return item, true
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent events (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for i := len(f.items) - 1; i >= 0; i-- {
		it := f.items[i]
		out.WriteString(dim.Render(it.At.Local().Format("15:04:05")) + " " + itemS.Render(it.Icon+" "+it.Message) + "\n")
	}
	return out.String()
}
