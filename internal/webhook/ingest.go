// Package webhook ingests asynchronous call events from the voice provider.
//
// The HTTP handler acknowledges every delivery with 200 {"received":true}
// before any processing happens, so slow persistence never causes provider
// retries. Processing then runs on a detached goroutine: the event's metadata
// is merged into the call context, terminal events with a transcript are
// handed to the finalizer, and every terminal event schedules eviction of the
// call's state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/internal/finalize"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/callctx"
)

// maxBodyBytes caps the size of a webhook body.
const maxBodyBytes = 4 << 20

// Finalizer runs the one-time persistence for a finished call.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (finalize.Outcome, error)
}

// StateBackend is the subset of call state the ingestor touches directly.
type StateBackend interface {
	callstate.Store
	callstate.Reaper
}

// Ingestor processes webhook deliveries. It is safe for concurrent use.
type Ingestor struct {
	state     StateBackend
	finalizer Finalizer
	metrics   *observe.Metrics

	inflight sync.WaitGroup
}

// Option configures an [Ingestor].
type Option func(*Ingestor)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(in *Ingestor) { in.metrics = m }
}

// NewIngestor creates an Ingestor.
func NewIngestor(state StateBackend, finalizer Finalizer, opts ...Option) *Ingestor {
	in := &Ingestor{state: state, finalizer: finalizer}
	for _, o := range opts {
		o(in)
	}
	if in.metrics == nil {
		in.metrics = observe.DefaultMetrics()
	}
	return in
}

// Process handles one decoded webhook payload synchronously. Deliveries
// without a call id are dropped with a warning and a nil error. The returned
// error is for logging only; nothing about it is reported to the provider.
func (in *Ingestor) Process(ctx context.Context, payload map[string]any) error {
	ev := Parse(payload)
	if ev.CallID == "" {
		in.metrics.RecordWebhookDropped(ctx)
		observe.Logger(ctx).Warn("webhook missing call id", "event_type", ev.Type)
		return nil
	}

	terminal := ev.Terminal()
	ctx, span, log := observe.StartCallSpan(ctx, "webhook.process", ev.CallID,
		attribute.String("event_type", ev.Type),
		attribute.Bool("terminal", terminal),
	)
	defer span.End()
	in.metrics.RecordWebhookEvent(ctx, ev.Type, terminal)
	log.Debug("webhook received", "event_type", ev.Type, "status", ev.Status, "terminal", terminal)

	var errs []error
	if _, err := in.state.Merge(ctx, ev.CallID, callctx.FromMetadata(ev.Metadata)); err != nil {
		errs = append(errs, fmt.Errorf("webhook: merge context: %w", err))
	}

	if !terminal {
		return errors.Join(errs...)
	}

	if ev.Transcript != "" {
		if _, err := in.finalizer.Finalize(ctx, finalize.Request{
			CallID:     ev.CallID,
			EventType:  ev.Type,
			Call:       ev.Call,
			Transcript: ev.Transcript,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := in.state.ScheduleEviction(ctx, ev.CallID); err != nil {
		errs = append(errs, fmt.Errorf("webhook: schedule eviction: %w", err))
	}
	return errors.Join(errs...)
}

// ServeHTTP acknowledges the delivery and processes it in the background.
// An unreadable body degrades to an empty payload, which is then dropped for
// lacking a call id.
func (in *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload := decodePayload(io.LimitReader(r.Body, maxBodyBytes))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}` + "\n"))
	// Not every writer can flush; the ack still goes out when the handler returns.
	_ = http.NewResponseController(w).Flush()

	ctx := context.WithoutCancel(r.Context())
	in.inflight.Go(func() {
		defer func() {
			if p := recover(); p != nil {
				observe.Logger(ctx).Error("webhook processing panicked", "panic", p)
			}
		}()
		if err := in.Process(ctx, payload); err != nil {
			observe.Logger(ctx).Error("webhook processing failed", "err", err)
		}
	})
}

// Wait blocks until all background processing started by ServeHTTP has
// finished or ctx is done.
func (in *Ingestor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		in.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook: waiting for in-flight deliveries: %w", ctx.Err())
	}
}

func decodePayload(r io.Reader) map[string]any {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return map[string]any{}
	}
	return payload
}
