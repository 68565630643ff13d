// Package callstate holds the short-lived, per-call state shared between the
// outbound call initiator, the webhook ingestor and the finalizer:
//
//   - the context store, mapping a provider call id to its accumulated
//     [callctx.Record];
//   - the finalization guard, the set of call ids whose one-time side effects
//     have already run;
//   - a per-call lock serializing finalization of the same call id;
//   - the reaper, evicting a call's footprint a fixed retention window after
//     its terminal event.
//
// [MemState] keeps everything in process memory. The redisstate sub-package
// provides the same contract on top of Redis for deployments running more
// than one replica behind the provider's webhook URL.
package callstate

import (
	"context"
	"time"

	"github.com/MrWong99/callrelay/pkg/callctx"
)

// DefaultRetention is how long a call's context and finalization marker
// survive after its terminal event.
const DefaultRetention = 10 * time.Minute

// DefaultIdleTTL bounds the lifetime of contexts for calls that never
// produced a terminal event.
const DefaultIdleTTL = 2 * time.Hour

// DefaultLockTTL is the lease of a distributed per-call lock. Work done
// under the lock must finish well inside it.
const DefaultLockTTL = 30 * time.Second

// Store maps provider call ids to accumulated call metadata.
type Store interface {
	// Merge layers update onto the record stored under callID using
	// [callctx.Record.Merge] and returns the merged result. The read-modify-write
	// is atomic with respect to other Merge calls for the same id.
	Merge(ctx context.Context, callID string, update callctx.Record) (callctx.Record, error)

	// Get returns the record for callID. The boolean is false when none exists.
	Get(ctx context.Context, callID string) (callctx.Record, bool, error)
}

// Guard tracks which calls have been finalized.
type Guard interface {
	// IsFinalized reports whether callID carries a finalization marker.
	IsFinalized(ctx context.Context, callID string) (bool, error)

	// MarkFinalized adds the finalization marker for callID. Adding an
	// existing marker is a no-op.
	MarkFinalized(ctx context.Context, callID string) error
}

// Locker serializes work on a single call id.
type Locker interface {
	// Lock blocks until the caller holds the lock for callID or ctx is done.
	// The returned function releases the lock and must be called exactly once.
	Lock(ctx context.Context, callID string) (unlock func(), err error)
}

// Reaper schedules eviction of a call's context and finalization marker.
type Reaper interface {
	// ScheduleEviction arranges for callID's state to be removed once the
	// retention window has elapsed. Scheduling the same id more than once is
	// allowed; eviction of an absent id is a no-op.
	ScheduleEviction(ctx context.Context, callID string) error
}

// State bundles every per-call state concern behind one dependency.
type State interface {
	Store
	Guard
	Locker
	Reaper

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close stops background work and releases resources.
	Close() error
}
