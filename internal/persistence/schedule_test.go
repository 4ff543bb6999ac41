package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/lifeline/internal/persistence"
)

func seedSchedule(t *testing.T, store *persistence.Store, name string, priority int) {
	t.Helper()
	if err := store.UpsertSchedule(context.Background(), persistence.ScheduleEntry{
		Name:        name,
		Task:        name,
		Schedule:    "5m",
		Enabled:     true,
		Priority:    priority,
		Timeout:     30 * time.Second,
		MaxRetries:  1,
		TierMinimum: "normal",
	}); err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
}

func TestSchedule_UpsertGetList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seedSchedule(t, store, "report_metrics", 4)
	seedSchedule(t, store, "heartbeat_ping", 0)
	seedSchedule(t, store, "check_balance", 1)

	got, err := store.GetSchedule(ctx, "check_balance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Params != "{}" || got.Timeout != 30*time.Second || got.TierMinimum != "normal" || !got.Enabled {
		t.Fatalf("unexpected entry %+v", got)
	}

	list, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, e := range list {
		names = append(names, e.Name)
	}
	if fmt.Sprint(names) != "[heartbeat_ping check_balance report_metrics]" {
		t.Fatalf("order = %v", names)
	}

	if _, err := store.GetSchedule(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSchedule_UpsertPreservesStatsAndLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store, "check_inbox", 2)

	if err := store.RecordRun(ctx, "check_inbox", persistence.RunOutcome{Result: "error", Error: "boom", Failed: true}); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if ok, err := store.AcquireLease(ctx, "check_inbox", "owner-a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	if err := store.UpsertSchedule(ctx, persistence.ScheduleEntry{Name: "check_inbox", Task: "check_inbox", Schedule: "10m", Priority: 7}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ := store.GetSchedule(ctx, "check_inbox")
	if got.Schedule != "10m" || got.Priority != 7 || got.Enabled {
		t.Fatalf("config not replaced: %+v", got)
	}
	if got.RunCount != 1 || got.FailCount != 1 || got.LastError != "boom" || got.LeaseOwner != "owner-a" {
		t.Fatalf("stats or lease clobbered: %+v", got)
	}
}

func TestSchedule_RegisterDoesNotOverwrite(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	e := persistence.ScheduleEntry{Name: "maintenance", Task: "maintenance", Schedule: "1h", Enabled: true}
	inserted, err := store.RegisterSchedule(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("first register = %v, %v", inserted, err)
	}
	disabled := false
	if err := store.UpdateSchedule(ctx, "maintenance", persistence.ScheduleUpdate{Enabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	inserted, err = store.RegisterSchedule(ctx, e)
	if err != nil || inserted {
		t.Fatalf("second register = %v, %v", inserted, err)
	}
	got, _ := store.GetSchedule(ctx, "maintenance")
	if got.Enabled {
		t.Fatal("registration overwrote operator change")
	}
}

func TestSchedule_PartialUpdate(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()
	seedSchedule(t, store, "health_check", 3)
	before, _ := store.GetSchedule(ctx, "health_check")

	clock.Advance(time.Minute)
	result := "ok"
	if err := store.UpdateSchedule(ctx, "health_check", persistence.ScheduleUpdate{LastResult: &result}); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, _ := store.GetSchedule(ctx, "health_check")
	if after.LastResult != "ok" {
		t.Fatalf("last result = %q", after.LastResult)
	}
	if after.Schedule != before.Schedule || after.Priority != before.Priority || after.MaxRetries != before.MaxRetries {
		t.Fatalf("unspecified fields changed: before=%+v after=%+v", before, after)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("updated_at not refreshed: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}

	if err := store.UpdateSchedule(ctx, "ghost", persistence.ScheduleUpdate{LastResult: &result}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLease_MutualExclusion(t *testing.T) {
	store, _ := openTestStore(t)
	seedSchedule(t, store, "check_balance", 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.AcquireLease(context.Background(), "check_balance", fmt.Sprintf("owner-%d", i), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestLease_MutualExclusionAcrossHandles(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	a, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()
	seedSchedule(t, a, "check_inbox", 2)

	ctx := context.Background()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, s := range []*persistence.Store{a, b} {
		wg.Add(1)
		go func(s *persistence.Store) {
			defer wg.Done()
			ok, err := s.AcquireLease(ctx, "check_inbox", fmt.Sprintf("%p", s), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(s)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestLease_ReleaseAndReacquire(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store, "heartbeat_ping", 0)

	if ok, _ := store.AcquireLease(ctx, "heartbeat_ping", "a", time.Minute); !ok {
		t.Fatal("a should acquire")
	}
	if ok, _ := store.AcquireLease(ctx, "heartbeat_ping", "b", time.Minute); ok {
		t.Fatal("b must not acquire a held lease")
	}
	if ok, _ := store.ReleaseLease(ctx, "heartbeat_ping", "b"); ok {
		t.Fatal("non-owner release must fail")
	}
	if ok, _ := store.ReleaseLease(ctx, "heartbeat_ping", "a"); !ok {
		t.Fatal("owner release must succeed")
	}
	if ok, _ := store.AcquireLease(ctx, "heartbeat_ping", "b", time.Minute); !ok {
		t.Fatal("b should acquire immediately after release")
	}
}

func TestLease_ExpiredLeaseIsTakenOver(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()
	seedSchedule(t, store, "maintenance", 5)

	if ok, _ := store.AcquireLease(ctx, "maintenance", "crashed", 30*time.Second); !ok {
		t.Fatal("first acquire failed")
	}
	clock.Advance(31 * time.Second)
	if ok, _ := store.AcquireLease(ctx, "maintenance", "fresh", 30*time.Second); !ok {
		t.Fatal("expired lease should be acquirable")
	}
	// The stale owner cannot release the new holder's lease.
	if ok, _ := store.ReleaseLease(ctx, "maintenance", "crashed"); ok {
		t.Fatal("stale owner released someone else's lease")
	}
	got, _ := store.GetSchedule(ctx, "maintenance")
	if got.LeaseOwner != "fresh" {
		t.Fatalf("lease owner = %q", got.LeaseOwner)
	}
}

func TestLease_ClearExpired(t *testing.T) {
	store, clock := openClockedStore(t)
	ctx := context.Background()
	seedSchedule(t, store, "a", 0)
	seedSchedule(t, store, "b", 1)

	_, _ = store.AcquireLease(ctx, "a", "x", time.Second)
	_, _ = store.AcquireLease(ctx, "b", "y", time.Hour)
	clock.Advance(2 * time.Second)

	n, err := store.ClearExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared = %d, want 1", n)
	}
	a, _ := store.GetSchedule(ctx, "a")
	b, _ := store.GetSchedule(ctx, "b")
	if a.LeaseOwner != "" || a.LeaseExpiresAt != nil || b.LeaseOwner != "y" {
		t.Fatalf("unexpected leases a=%+v b=%+v", a, b)
	}
}
