package survival_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/persistence"
	"github.com/basket/lifeline/internal/survival"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEvaluator(t *testing.T, eventBus *bus.Bus) (*survival.Evaluator, *persistence.Store, *clock) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lifeline.db"), eventBus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store.SetClock(c.Now)
	return &survival.Evaluator{
		Store:      store,
		Thresholds: survival.Thresholds{Critical: 1000, LowCompute: 5000, Normal: 10000},
		Grace:      time.Hour,
	}, store, c
}

func TestEvaluate_CrossingIntoCriticalWakesOnce(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicTierChanged)
	defer eventBus.Unsubscribe(sub)
	ev, _, _ := newEvaluator(t, eventBus)
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, 8000)
	require.NoError(t, err)
	assert.Equal(t, survival.TierNormal, first.Tier)
	assert.False(t, first.ShouldWake)

	second, err := ev.Evaluate(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, survival.TierCritical, second.Tier)
	assert.Equal(t, survival.TierNormal, second.PreviousTier)
	assert.True(t, second.TierChanged)
	assert.True(t, second.ShouldWake)
	assert.Contains(t, second.Message, "critical")

	third, err := ev.Evaluate(ctx, 400)
	require.NoError(t, err)
	assert.False(t, third.TierChanged)
	assert.False(t, third.ShouldWake, "same tier must not re-trigger")

	var topics []string
	for len(topics) < 2 {
		select {
		case e := <-sub.Ch():
			topics = append(topics, e.Payload.(bus.TierChanged).To)
		case <-time.After(time.Second):
			t.Fatalf("tier change events = %v", topics)
		}
	}
	assert.Equal(t, []string{"normal", "critical"}, topics)
}

func TestEvaluate_NonCriticalTransitionsDoNotWake(t *testing.T) {
	ev, _, _ := newEvaluator(t, nil)
	ctx := context.Background()
	for _, b := range []float64{20000, 8000, 3000} {
		res, err := ev.Evaluate(ctx, b)
		require.NoError(t, err)
		assert.True(t, res.TierChanged)
		assert.False(t, res.ShouldWake, "balance %v", b)
	}
}

func TestEvaluate_ZeroBalanceGraceEscalatesToDeadOnce(t *testing.T) {
	ev, store, c := newEvaluator(t, nil)
	ctx := context.Background()

	res, err := ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, res.ZeroSince)
	assert.Equal(t, survival.StateRunning, res.AgentState)
	assert.True(t, res.ShouldWake, "first evaluation crosses into critical")

	c.Advance(30 * time.Minute)
	res, err = ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.BecameDead)
	assert.False(t, res.ShouldWake)

	c.Advance(31 * time.Minute)
	res, err = ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.BecameDead)
	assert.True(t, res.ShouldWake)
	assert.Equal(t, survival.StateDead, res.AgentState)
	assert.Contains(t, res.Message, "61 minutes")

	wakes := 0
	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Minute)
		res, err = ev.Evaluate(ctx, 0)
		require.NoError(t, err)
		if res.ShouldWake {
			wakes++
		}
	}
	assert.Zero(t, wakes, "dead escalation must fire exactly once")

	state, err := survival.LoadAgentState(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, survival.StateDead, state)
}

func TestEvaluate_PositiveBalanceClearsMarker(t *testing.T) {
	ev, store, c := newEvaluator(t, nil)
	ctx := context.Background()

	_, err := ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	c.Advance(50 * time.Minute)

	res, err := ev.Evaluate(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, res.ZeroSince)
	marker, err := store.KVGet(ctx, "zero_since")
	require.NoError(t, err)
	assert.Empty(t, marker)

	// The grace window restarts from the next zero reading.
	c.Advance(time.Minute)
	_, err = ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	c.Advance(50 * time.Minute)
	res, err = ev.Evaluate(ctx, 0)
	require.NoError(t, err)
	assert.False(t, res.BecameDead)
}

func TestEvaluate_LowCriticalBalanceNeverStartsGrace(t *testing.T) {
	ev, _, c := newEvaluator(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := ev.Evaluate(ctx, 5)
		require.NoError(t, err)
		assert.Nil(t, res.ZeroSince)
		assert.False(t, res.BecameDead)
		c.Advance(time.Hour)
	}
}

func TestAgentState_DeadIsTerminal(t *testing.T) {
	_, store, _ := newEvaluator(t, nil)
	ctx := context.Background()

	_, err := survival.SetAgentState(ctx, store, survival.StateSleeping)
	require.NoError(t, err)
	prev, err := survival.SetAgentState(ctx, store, survival.StateDead)
	require.NoError(t, err)
	assert.Equal(t, survival.StateSleeping, prev)

	_, err = survival.SetAgentState(ctx, store, survival.StateRunning)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "dead"))
}

func TestLastEvaluation(t *testing.T) {
	ev, store, _ := newEvaluator(t, nil)
	ctx := context.Background()

	got, err := survival.LastEvaluation(ctx, store)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ev.Evaluate(ctx, 7000)
	require.NoError(t, err)
	got, err = survival.LastEvaluation(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, survival.TierNormal, got.Tier)
	assert.Equal(t, 7000.0, got.Balance)
}
