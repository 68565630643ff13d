// Package finalize performs the one-time side effects of a finished call.
//
// A [Finalizer] is invoked by the webhook ingestor for every terminal event
// that carries a transcript. Providers redeliver terminal events and send
// several terminal event types per call, so Finalize serializes on the call
// id, consults the finalization guard, and runs the persistence fan-out only
// for the first invocation that gets through. The guard is set after the
// fan-out regardless of per-destination failures: a call that partially
// failed to persist is not retried into duplicate partial writes.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/callctx"
	"github.com/MrWong99/callrelay/pkg/records"
)

// ErrPersistenceWriteFailed wraps every per-destination write failure.
var ErrPersistenceWriteFailed = errors.New("finalize: persistence write failed")

// Destination labels used in logs and metrics.
const (
	DestinationTranscript   = "transcript"
	DestinationArchive      = "archive"
	DestinationConversation = "conversation"
)

// Outcome describes what a Finalize call did.
type Outcome string

const (
	// Persisted means this invocation ran the fan-out and set the guard.
	Persisted Outcome = observe.OutcomePersisted

	// Duplicate means the call was already finalized.
	Duplicate Outcome = observe.OutcomeDuplicate

	// Skipped means there was no call id or no transcript.
	Skipped Outcome = observe.OutcomeSkipped
)

// StateBackend is the subset of call state the finalizer needs.
type StateBackend interface {
	callstate.Store
	callstate.Guard
	callstate.Locker
}

// Request is one finalization attempt.
type Request struct {
	CallID    string
	EventType string

	// Call is the provider's call object from the webhook payload. Its
	// "metadata" entry is merged into the call context before fan-out.
	Call map[string]any

	// Transcript is the normalized transcript text.
	Transcript string
}

// WriteBudget returns how long the work done under a per-call lock with the
// given lease may take: two thirds of the lease, leaving the rest for the
// guard check and marker. A non-positive lease uses
// [callstate.DefaultLockTTL].
func WriteBudget(lockTTL time.Duration) time.Duration {
	if lockTTL <= 0 {
		lockTTL = callstate.DefaultLockTTL
	}
	return lockTTL * 2 / 3
}

// Finalizer runs the persistence fan-out at most once per call id.
type Finalizer struct {
	state       StateBackend
	store       records.Store
	leads       records.LeadDirectory
	provider    string
	metrics     *observe.Metrics
	now         func() time.Time
	writeBudget time.Duration
}

// Option configures a [Finalizer].
type Option func(*Finalizer)

// WithProviderName sets the provider label written into record metadata.
// Default: "retell".
func WithProviderName(name string) Option {
	return func(f *Finalizer) {
		if name != "" {
			f.provider = name
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

// WithWriteBudget bounds the metadata merge, owner lookup and persistence
// writes of one finalization. Writes still running when it elapses are
// cancelled and count as failed. It must stay below the lease of the call
// state's lock, or a redelivery on another replica can take the expired
// lock and persist again. Default: [WriteBudget] of
// [callstate.DefaultLockTTL].
func WithWriteBudget(d time.Duration) Option {
	return func(f *Finalizer) {
		if d > 0 {
			f.writeBudget = d
		}
	}
}

// WithClock overrides the time source used for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) { f.now = now }
}

// New creates a Finalizer. leads may be nil, in which case the owner is only
// taken from call metadata.
func New(state StateBackend, store records.Store, leads records.LeadDirectory, opts ...Option) *Finalizer {
	f := &Finalizer{
		state:       state,
		store:       store,
		leads:       leads,
		provider:    "retell",
		now:         time.Now,
		writeBudget: WriteBudget(callstate.DefaultLockTTL),
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// Finalize persists req's transcript unless the call was already finalized.
// Per-destination write failures are logged and counted but never returned;
// the returned error reports call state backend failures only, in which case
// nothing was written.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (Outcome, error) {
	if req.CallID == "" || strings.TrimSpace(req.Transcript) == "" {
		f.metrics.RecordFinalization(ctx, string(Skipped))
		return Skipped, nil
	}

	ctx, span, log := observe.StartCallSpan(ctx, "finalize", req.CallID,
		attribute.String("event_type", req.EventType),
	)
	defer span.End()

	unlock, err := f.state.Lock(ctx, req.CallID)
	if err != nil {
		return Skipped, fmt.Errorf("finalize: lock %s: %w", req.CallID, err)
	}
	defer unlock()

	done, err := f.state.IsFinalized(ctx, req.CallID)
	if err != nil {
		return Skipped, fmt.Errorf("finalize: check guard %s: %w", req.CallID, err)
	}
	if done {
		log.Debug("call already finalized", "event_type", req.EventType)
		f.metrics.RecordFinalization(ctx, string(Duplicate))
		return Duplicate, nil
	}

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, f.writeBudget)
	rec := f.resolve(wctx, log, req)
	f.fanOut(wctx, log, req, rec)
	cancel()
	f.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())

	if err := f.state.MarkFinalized(ctx, req.CallID); err != nil {
		return Persisted, fmt.Errorf("finalize: mark finalized %s: %w", req.CallID, err)
	}
	f.metrics.RecordFinalization(ctx, string(Persisted))
	log.Info("call finalized",
		"event_type", req.EventType,
		"conversation_id", rec.ConversationID,
		"user_id", rec.OwnerID,
		"lead_id", rec.LeadID,
	)
	return Persisted, nil
}

// resolve merges the final call metadata into the stored context and fills
// in the owner from the lead directory when metadata did not carry one.
func (f *Finalizer) resolve(ctx context.Context, log *slog.Logger, req Request) callctx.Record {
	update := callctx.FromMetadata(callctx.ParseMetadata(req.Call["metadata"]))
	rec, err := f.state.Merge(ctx, req.CallID, update)
	if err != nil {
		log.Warn("failed to merge final call metadata", "err", err)
		rec = update
	}

	if rec.OwnerID == "" && rec.LeadID != "" && f.leads != nil {
		owner, err := f.leads.OwnerOf(ctx, rec.LeadID)
		if err != nil {
			log.Warn("failed to resolve lead owner", "lead_id", rec.LeadID, "err", err)
		}
		rec.OwnerID = owner
	}
	return rec
}

// fanOut runs the three independent writes concurrently. Each goroutine
// swallows its own error so that one failing destination never cancels or
// hides the others.
func (f *Finalizer) fanOut(ctx context.Context, log *slog.Logger, req Request, rec callctx.Record) {
	capturedAt := f.now().UTC()
	var g errgroup.Group

	write := func(dest string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(ctx)
			f.metrics.RecordPersistenceWrite(ctx, dest, err)
			if err != nil {
				err = fmt.Errorf("%w: %s: %w", ErrPersistenceWriteFailed, dest, err)
				log.Warn("persistence write failed", "destination", dest, "err", err)
			}
			return nil
		})
	}

	if rec.ConversationID != "" {
		write(DestinationTranscript, func(ctx context.Context) error {
			return f.store.InsertTranscript(ctx, records.Transcript{
				ConversationID: rec.ConversationID,
				Role:           records.RoleAssistant,
				Content:        req.Transcript,
				Metadata: records.TranscriptMetadata{
					Provider:   f.provider,
					CallID:     req.CallID,
					EventType:  req.EventType,
					CapturedAt: capturedAt,
				},
			})
		})
		write(DestinationConversation, func(ctx context.Context) error {
			return f.store.CompleteConversation(ctx, rec.ConversationID, capturedAt)
		})
	}

	if rec.OwnerID != "" {
		write(DestinationArchive, func(ctx context.Context) error {
			return f.store.InsertArchive(ctx, records.Archive{
				OwnerID:  rec.OwnerID,
				Category: records.CategoryVoiceCall,
				Title:    ArchiveTitle(capturedAt),
				Content:  req.Transcript,
				Meta: records.ArchiveMeta{
					Provider:     f.provider,
					CallID:       req.CallID,
					EventType:    req.EventType,
					LeadID:       rec.LeadID,
					AssistantKey: rec.AssistantKey,
				},
			})
		})
	}

	_ = g.Wait()
}

// ArchiveTitle returns the human label for an archive captured at t.
func ArchiveTitle(t time.Time) string {
	return "Voice Call " + t.UTC().Format(time.DateOnly)
}
