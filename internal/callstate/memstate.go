package callstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/pkg/callctx"
)

var _ State = (*MemState)(nil)

// MemOption configures a [MemState].
type MemOption func(*MemState)

// WithRetention sets how long state survives after ScheduleEviction.
// Non-positive values are ignored. Default: [DefaultRetention].
func WithRetention(d time.Duration) MemOption {
	return func(s *MemState) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithIdleTTL sets how long an untouched context for a call that never
// reached a terminal event is kept. Non-positive values are ignored.
// Default: [DefaultIdleTTL].
func WithIdleTTL(d time.Duration) MemOption {
	return func(s *MemState) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

// WithSweepInterval sets the period of the idle sweep. Zero disables the
// background sweeper; [MemState.Sweep] can still be called directly.
// Default: one minute.
func WithSweepInterval(d time.Duration) MemOption {
	return func(s *MemState) {
		s.sweepInterval = d
	}
}

// memEntry is a stored record plus the time it was last merged.
type memEntry struct {
	record  callctx.Record
	touched time.Time
}

// MemState is the process-local [State]: a map of call contexts, a set of
// finalized call ids, a [KeyedMutex] for per-call serialization, and one
// eviction timer per scheduled call.
//
// All methods are safe for concurrent use.
type MemState struct {
	retention     time.Duration
	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	locks KeyedMutex

	mu        sync.Mutex
	contexts  map[string]*memEntry
	finalized map[string]struct{}
	timers    map[string]*time.Timer
	closed    bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemState creates a [MemState] and starts its idle sweeper unless
// disabled with WithSweepInterval(0).
func NewMemState(opts ...MemOption) *MemState {
	s := &MemState{
		retention:     DefaultRetention,
		idleTTL:       DefaultIdleTTL,
		sweepInterval: time.Minute,
		now:           time.Now,
		contexts:      make(map[string]*memEntry),
		finalized:     make(map[string]struct{}),
		timers:        make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// Merge implements [Store].
func (s *MemState) Merge(_ context.Context, callID string, update callctx.Record) (callctx.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.contexts[callID]
	if !ok {
		e = &memEntry{record: callctx.Record{CallID: callID}}
		s.contexts[callID] = e
	}
	e.record = e.record.Merge(update)
	e.touched = s.now()
	return e.record, nil
}

// Get implements [Store].
func (s *MemState) Get(_ context.Context, callID string) (callctx.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.contexts[callID]
	if !ok {
		return callctx.Record{}, false, nil
	}
	return e.record, true, nil
}

// IsFinalized implements [Guard].
func (s *MemState) IsFinalized(_ context.Context, callID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finalized[callID]
	return ok, nil
}

// MarkFinalized implements [Guard].
func (s *MemState) MarkFinalized(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[callID] = struct{}{}
	return nil
}

// Lock implements [Locker].
func (s *MemState) Lock(ctx context.Context, callID string) (func(), error) {
	return s.locks.Lock(ctx, callID)
}

// ScheduleEviction implements [Reaper]. The first schedule for a call id
// wins; later ones while a timer is pending are no-ops, so the retention
// window is measured from the first terminal event.
func (s *MemState) ScheduleEviction(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if _, pending := s.timers[callID]; pending {
		return nil
	}
	s.timers[callID] = time.AfterFunc(s.retention, func() {
		s.Evict(callID)
	})
	return nil
}

// Evict removes callID's context, finalization marker and pending timer.
// Evicting an unknown id is a no-op.
func (s *MemState) Evict(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.contexts, callID)
	delete(s.finalized, callID)
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
	slog.Debug("call state evicted", "call_id", callID)
}

// Sweep evicts contexts that have not been merged for longer than the idle
// TTL and have no eviction pending. It returns the number evicted.
func (s *MemState) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	n := 0
	for id, e := range s.contexts {
		if _, pending := s.timers[id]; pending {
			continue
		}
		if e.touched.Before(cutoff) {
			delete(s.contexts, id)
			delete(s.finalized, id)
			n++
		}
	}
	if n > 0 {
		slog.Info("swept idle call contexts", "count", n)
	}
	return n
}

// Len returns the number of stored call contexts.
func (s *MemState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Ping implements [State]. In-memory state is always reachable.
func (s *MemState) Ping(context.Context) error { return nil }

// Close stops the sweeper and all pending eviction timers. Stored state is
// left in place; pending evictions simply never run.
func (s *MemState) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *MemState) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
