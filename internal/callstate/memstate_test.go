package callstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/callctx"
)

func newTestState(t *testing.T, opts ...MemOption) *MemState {
	t.Helper()
	opts = append([]MemOption{WithSweepInterval(0)}, opts...)
	s := NewMemState(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestMemState_MergeIsAdditive(t *testing.T) {
	t.Parallel()
	s := newTestState(t)
	ctx := context.Background()

	if _, err := s.Merge(ctx, "C1", callctx.Record{LeadID: "L1", Extra: map[string]string{"a": "x"}}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := s.Merge(ctx, "C1", callctx.Record{}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got, err := s.Merge(ctx, "C1", callctx.Record{OwnerID: "u1", Extra: map[string]string{"a": "", "b": "y"}})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got.CallID != "C1" || got.LeadID != "L1" || got.OwnerID != "u1" {
		t.Errorf("merged = %+v", got)
	}
	if got.Extra["a"] != "x" || got.Extra["b"] != "y" {
		t.Errorf("Extra = %v, want a=x b=y", got.Extra)
	}

	stored, ok, err := s.Get(ctx, "C1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if stored.OwnerID != "u1" {
		t.Errorf("stored OwnerID = %q, want u1", stored.OwnerID)
	}
}

func TestMemState_GetMissing(t *testing.T) {
	t.Parallel()
	s := newTestState(t)

	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get on unknown id reported ok")
	}
}

func TestMemState_Guard(t *testing.T) {
	t.Parallel()
	s := newTestState(t)
	ctx := context.Background()

	if done, _ := s.IsFinalized(ctx, "C1"); done {
		t.Fatal("fresh id reported finalized")
	}
	_ = s.MarkFinalized(ctx, "C1")
	_ = s.MarkFinalized(ctx, "C1")
	if done, _ := s.IsFinalized(ctx, "C1"); !done {
		t.Fatal("MarkFinalized did not stick")
	}
	if done, _ := s.IsFinalized(ctx, "C2"); done {
		t.Fatal("marker leaked to another id")
	}
}

func TestMemState_ScheduleEvictionRemovesState(t *testing.T) {
	t.Parallel()
	s := newTestState(t, WithRetention(20*time.Millisecond))
	ctx := context.Background()

	_, _ = s.Merge(ctx, "C1", callctx.Record{LeadID: "L1"})
	_ = s.MarkFinalized(ctx, "C1")

	// Scheduling repeatedly must be harmless.
	for range 3 {
		if err := s.ScheduleEviction(ctx, "C1"); err != nil {
			t.Fatalf("ScheduleEviction: %v", err)
		}
	}

	if !waitFor(t, time.Second, func() bool { return s.Len() == 0 }) {
		t.Fatal("context not evicted after retention window")
	}
	if done, _ := s.IsFinalized(ctx, "C1"); done {
		t.Error("finalization marker survived eviction")
	}
}

func TestMemState_EvictUnknownIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestState(t)
	s.Evict("never-seen")
	s.Evict("never-seen")
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestMemState_SweepIdle(t *testing.T) {
	t.Parallel()
	s := newTestState(t, WithIdleTTL(time.Hour))
	ctx := context.Background()

	var now atomic.Int64
	now.Store(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	s.now = func() time.Time { return time.Unix(0, now.Load()) }

	_, _ = s.Merge(ctx, "old", callctx.Record{})
	_, _ = s.Merge(ctx, "scheduled", callctx.Record{})
	_ = s.ScheduleEviction(ctx, "scheduled")

	now.Add(int64(90 * time.Minute))
	_, _ = s.Merge(ctx, "fresh", callctx.Record{})

	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Error("idle context not swept")
	}
	if _, ok, _ := s.Get(ctx, "fresh"); !ok {
		t.Error("fresh context swept")
	}
	if _, ok, _ := s.Get(ctx, "scheduled"); !ok {
		t.Error("context with pending eviction swept")
	}
}

func TestMemState_CloseStopsTimers(t *testing.T) {
	t.Parallel()
	s := NewMemState(WithRetention(10*time.Millisecond), WithSweepInterval(5*time.Millisecond))
	ctx := context.Background()

	_, _ = s.Merge(ctx, "C1", callctx.Record{})
	_ = s.ScheduleEviction(ctx, "C1")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = s.Close()

	time.Sleep(30 * time.Millisecond)
	if s.Len() != 1 {
		t.Errorf("Len = %d after Close, want 1 (eviction should not run)", s.Len())
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	t.Parallel()
	var km KeyedMutex
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "C1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
	if km.held() != 0 {
		t.Errorf("held keys = %d after all unlocks, want 0", km.held())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	t.Parallel()
	var km KeyedMutex
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "B")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B blocked by lock on A")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	t.Parallel()
	var km KeyedMutex

	unlock, err := km.Lock(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "C1"); err == nil {
		t.Fatal("expected context error while key is held")
	}

	unlock()
	unlock() // idempotent
	if km.held() != 0 {
		t.Errorf("held keys = %d, want 0", km.held())
	}
}
