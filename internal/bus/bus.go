package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Heartbeat topics. Subscribers match by prefix, so "wake." receives both wake topics.
const (
	TopicWakeSignal  = "wake.signal"
	TopicWakePushed  = "wake.pushed"
	TopicTierChanged = "survival.tier_changed"
	TopicAgentState  = "survival.agent_state"
	TopicTaskRun     = "task.run"
	TopicTickDone    = "tick.done"
	TopicInboxNew    = "inbox.received"
)

// WakeSignal is the human-readable escalation a task raised during a tick.
type WakeSignal struct {
	TickID  string `json:"tick_id"`
	Task    string `json:"task"`
	Message string `json:"message"`
}

// WakePushed is published after a wake event row is appended to the queue.
type WakePushed struct {
	ID     int64  `json:"id"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// TierChanged is published when the derived survival tier differs from the last recorded one.
type TierChanged struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Balance float64 `json:"balance"`
}

// AgentStateChanged is published when the lifecycle flag changes (e.g. forced to dead).
type AgentStateChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskRun summarizes one executed task.
type TaskRun struct {
	TickID     string `json:"tick_id"`
	Task       string `json:"task"`
	Result     string `json:"result"`
	ShouldWake bool   `json:"should_wake"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// TickDone is published once per tick after all tasks ran.
type TickDone struct {
	TickID     string  `json:"tick_id"`
	Tier       string  `json:"tier"`
	Balance    float64 `json:"balance"`
	Executed   int     `json:"executed"`
	ShouldWake bool    `json:"should_wake"`
}

// InboxReceived is published when a new inbox row was stored (duplicates are not published).
type InboxReceived struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Sender string `json:"sender"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub with topic prefix matching.
// A nil *Bus is valid and drops everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events matching topicPrefix ("" matches all).
// Slow consumers miss events once their buffer is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
