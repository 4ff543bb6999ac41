package persistence_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/lifeline/internal/bus"
	"github.com/basket/lifeline/internal/persistence"
)

func TestDedup_TTLWindow(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()

	ok, err := store.TryInsertDedup(ctx, "wake:check_balance:abc", "check_balance", 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		if ok, _ := store.TryInsertDedup(ctx, "wake:check_balance:abc", "check_balance", 5*time.Minute); ok {
			t.Fatalf("duplicate accepted within ttl (iteration %d)", i)
		}
	}
	if dup, _ := store.IsDeduplicated(ctx, "wake:check_balance:abc"); !dup {
		t.Fatal("IsDeduplicated should be true within ttl")
	}

	clock.Advance(3 * time.Minute)
	if dup, _ := store.IsDeduplicated(ctx, "wake:check_balance:abc"); dup {
		t.Fatal("IsDeduplicated should be false after ttl")
	}
	if ok, _ := store.TryInsertDedup(ctx, "wake:check_balance:abc", "check_balance", 5*time.Minute); !ok {
		t.Fatal("insert after ttl should succeed")
	}
}

func TestDedup_PruneExpired(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()

	_, _ = store.TryInsertDedup(ctx, "short", "t", time.Minute)
	_, _ = store.TryInsertDedup(ctx, "long", "t", time.Hour)
	clock.Advance(2 * time.Minute)

	n, err := store.PruneExpiredDedup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	if dup, _ := store.IsDeduplicated(ctx, "long"); !dup {
		t.Fatal("unexpired key pruned")
	}
}

func TestWake_FIFOAndExactlyOnce(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicWakePushed)
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/wake.db", eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.PushWake(ctx, "test", fmt.Sprintf("r%d", i), ""); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	select {
	case ev := <-sub.Ch():
		if p := ev.Payload.(bus.WakePushed); p.Reason != "r0" {
			t.Fatalf("first pushed reason = %q", p.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no wake.pushed event")
	}

	peek, err := store.PeekUnconsumedWakes(ctx, 10)
	if err != nil || len(peek) != 3 {
		t.Fatalf("peek = %d, %v", len(peek), err)
	}

	var lastID int64
	for i := 0; i < 3; i++ {
		ev, err := store.ConsumeNextWake(ctx)
		if err != nil || ev == nil {
			t.Fatalf("consume %d = %v, %v", i, ev, err)
		}
		if ev.ID <= lastID {
			t.Fatalf("ids not ascending: %d after %d", ev.ID, lastID)
		}
		if ev.ConsumedAt == nil {
			t.Fatal("consumed_at not set")
		}
		lastID = ev.ID
	}
	ev, err := store.ConsumeNextWake(ctx)
	if err != nil || ev != nil {
		t.Fatalf("empty queue = %v, %v", ev, err)
	}
}

func TestWake_ConcurrentConsumersNeverShare(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		if _, err := store.PushWake(ctx, "test", "r", ""); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := store.ConsumeNextWake(ctx)
				if err != nil {
					t.Errorf("consume: %v", err)
					return
				}
				if ev == nil {
					return
				}
				mu.Lock()
				seen[ev.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("consumed %d distinct events, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("event %d consumed %d times", id, n)
		}
	}
}

func TestInbox_InsertDedupByExternalID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	msg := persistence.InboxMessage{ExternalID: "tg-42", Source: "telegram", Sender: "alice", Content: "hi"}
	for i := 0; i < 2; i++ {
		inserted, err := store.InsertInbox(ctx, msg)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if inserted != (i == 0) {
			t.Fatalf("insert %d inserted=%v", i, inserted)
		}
	}
	// Another pair delivered twice as well.
	other := persistence.InboxMessage{ExternalID: "tg-43", Source: "telegram", Content: "yo"}
	_, _ = store.InsertInbox(ctx, other)
	_, _ = store.InsertInbox(ctx, other)

	n, err := store.CountUnprocessedInbox(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestInbox_ClaimTransitions(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.InsertInbox(ctx, persistence.InboxMessage{ID: fmt.Sprintf("m%d", i), Content: "x"}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}

	claimed, err := store.ClaimInbox(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "m0" || claimed[1].ID != "m1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	for _, m := range claimed {
		if m.Status != persistence.InboxInProgress || m.RetryCount != 1 {
			t.Fatalf("claimed message state %+v", m)
		}
	}
	if n, _ := store.CountUnprocessedInbox(ctx); n != 3 {
		t.Fatalf("unprocessed = %d, want 3 (received + in_progress)", n)
	}

	if n, _ := store.MarkInboxProcessed(ctx, []string{"m0"}); n != 1 {
		t.Fatalf("processed = %d", n)
	}
	if n, _ := store.ResetInboxToReceived(ctx, []string{"m1"}); n != 1 {
		t.Fatalf("reset = %d", n)
	}
	// Processed is terminal.
	if n, _ := store.ResetInboxToReceived(ctx, []string{"m0"}); n != 0 {
		t.Fatalf("reset of processed message affected %d rows", n)
	}

	m1, err := store.GetInbox(ctx, "m1")
	if err != nil || m1.Status != persistence.InboxReceived || m1.RetryCount != 1 {
		t.Fatalf("m1 = %+v, %v", m1, err)
	}
	m0, _ := store.GetInbox(ctx, "m0")
	if m0.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}
	if n, _ := store.CountUnprocessedInbox(ctx); n != 2 {
		t.Fatalf("unprocessed = %d, want 2", n)
	}
}

func TestInbox_RetriesExhaustedBecomesUnclaimable(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertInbox(ctx, persistence.InboxMessage{ID: "flaky", MaxRetries: 2}); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := store.ClaimInbox(ctx, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d claim = %d, %v", attempt, len(claimed), err)
		}
		if claimed[0].RetryCount != attempt {
			t.Fatalf("retry count = %d, want %d", claimed[0].RetryCount, attempt)
		}
		if n, err := store.ResetInboxToReceived(ctx, []string{"flaky"}); err != nil || n != 1 {
			t.Fatalf("attempt %d reset = %d, %v", attempt, n, err)
		}
	}
	claimed, err := store.ClaimInbox(ctx, 10)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("exhausted message claimed: %+v, %v", claimed, err)
	}

	// The last reset had no retries left to hand back, so the message failed.
	got, _ := store.GetInbox(ctx, "flaky")
	if got.Status != persistence.InboxFailed || got.LastError != "retries exhausted" || got.ProcessedAt == nil {
		t.Fatalf("got %+v", got)
	}
	if n, _ := store.CountUnprocessedInbox(ctx); n != 0 {
		t.Fatalf("unprocessed = %d, want 0", n)
	}
	if n, _ := store.MarkInboxFailed(ctx, []string{"flaky"}, "gave up"); n != 0 {
		t.Fatalf("failed is terminal, remarked %d rows", n)
	}
}

func TestInbox_RequeueFailsStrandedReceived(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()
	_, _ = store.InsertInbox(ctx, persistence.InboxMessage{ID: "stranded", MaxRetries: 2})
	_, _ = store.InsertInbox(ctx, persistence.InboxMessage{ID: "fresh", MaxRetries: 2})
	// Rows written before resets checked the retry budget can sit in received
	// with nothing left to spend.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE inbox_messages SET retry_count = 2 WHERE id = 'stranded';`); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := store.ClaimInbox(ctx, 10); len(claimed) != 1 || claimed[0].ID != "fresh" {
		t.Fatalf("claimed %+v", claimed)
	}
	_, _ = store.MarkInboxProcessed(ctx, []string{"fresh"})

	clock.Advance(24 * time.Hour)
	requeued, failed, err := store.RequeueStaleInbox(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("requeued=%d failed=%d", requeued, failed)
	}
	got, _ := store.GetInbox(ctx, "stranded")
	if got.Status != persistence.InboxFailed || got.LastError != "retries exhausted" {
		t.Fatalf("got %+v", got)
	}
	if n, _ := store.CountUnprocessedInbox(ctx); n != 0 {
		t.Fatalf("unprocessed = %d, want 0", n)
	}
}

func TestInbox_RequeueStale(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()
	_, _ = store.InsertInbox(ctx, persistence.InboxMessage{ID: "retryable", MaxRetries: 3})
	_, _ = store.InsertInbox(ctx, persistence.InboxMessage{ID: "last-try", MaxRetries: 1})
	if claimed, _ := store.ClaimInbox(ctx, 10); len(claimed) != 2 {
		t.Fatalf("claimed %d", len(claimed))
	}

	if r, f, _ := store.RequeueStaleInbox(ctx, 10*time.Minute); r != 0 || f != 0 {
		t.Fatalf("fresh claims requeued: %d %d", r, f)
	}
	clock.Advance(11 * time.Minute)
	requeued, failed, err := store.RequeueStaleInbox(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 1 || failed != 1 {
		t.Fatalf("requeued=%d failed=%d", requeued, failed)
	}
	a, _ := store.GetInbox(ctx, "retryable")
	b, _ := store.GetInbox(ctx, "last-try")
	if a.Status != persistence.InboxReceived || b.Status != persistence.InboxFailed {
		t.Fatalf("statuses %s %s", a.Status, b.Status)
	}
}
