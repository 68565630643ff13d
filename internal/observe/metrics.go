// Package observe provides application-wide observability primitives for
// callrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callrelay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Finalization outcomes recorded on [Metrics.Finalizations].
const (
	OutcomePersisted = "persisted"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// WebhookEvents counts accepted webhook deliveries. Attributes:
	//   event_type, terminal ("true"/"false")
	WebhookEvents metric.Int64Counter

	// WebhookDropped counts deliveries without an identifiable call id.
	WebhookDropped metric.Int64Counter

	// Finalizations counts finalization attempts. Attribute: outcome.
	Finalizations metric.Int64Counter

	// FinalizeDuration tracks the wall time of a persistence fan-out.
	FinalizeDuration metric.Float64Histogram

	// PersistenceWrites counts per-destination writes. Attributes:
	//   destination, status ("ok"/"error")
	PersistenceWrites metric.Int64Counter

	// ProviderRequests counts voice provider API calls. Attributes:
	//   provider, status ("ok"/"error"/"circuit_open")
	ProviderRequests metric.Int64Counter

	// ProviderDuration tracks voice provider API latency.
	ProviderDuration metric.Float64Histogram

	// BreakerTransitions counts provider circuit breaker state changes.
	// Attributes: breaker, state (the state entered)
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, route
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// database writes and provider HTTPS round-trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Webhook ingestion.
	if met.WebhookEvents, err = m.Int64Counter("callrelay.webhook.events",
		metric.WithDescription("Webhook deliveries by event type and terminality."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDropped, err = m.Int64Counter("callrelay.webhook.dropped",
		metric.WithDescription("Webhook deliveries dropped because no call id could be found."),
	); err != nil {
		return nil, err
	}

	// Finalization.
	if met.Finalizations, err = m.Int64Counter("callrelay.finalizations",
		metric.WithDescription("Finalization attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("callrelay.finalize.duration",
		metric.WithDescription("Duration of the persistence fan-out for one call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistenceWrites, err = m.Int64Counter("callrelay.persistence.writes",
		metric.WithDescription("Record store writes by destination and status."),
	); err != nil {
		return nil, err
	}

	// Voice provider.
	if met.ProviderRequests, err = m.Int64Counter("callrelay.provider.requests",
		metric.WithDescription("Voice provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("callrelay.provider.duration",
		metric.WithDescription("Latency of voice provider API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("callrelay.provider.breaker.transitions",
		metric.WithDescription("Provider circuit breaker state changes by state entered."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordWebhookEvent counts one accepted webhook delivery.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType string, terminal bool) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("terminal", strconv.FormatBool(terminal)),
		),
	)
}

// RecordWebhookDropped counts one delivery without a call id.
func (m *Metrics) RecordWebhookDropped(ctx context.Context) {
	m.WebhookDropped.Add(ctx, 1)
}

// RecordFinalization counts one finalization attempt with the given outcome.
func (m *Metrics) RecordFinalization(ctx context.Context, outcome string) {
	m.Finalizations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordPersistenceWrite counts one write to destination.
func (m *Metrics) RecordPersistenceWrite(ctx context.Context, destination string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PersistenceWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("destination", destination),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest counts one provider API call and its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, seconds, attrs)
}

// RecordBreakerTransition counts one circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
