package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
)

// GuardedProvider implements [voicecall.Provider] by routing every call
// through a [CircuitBreaker] and recording provider metrics.
type GuardedProvider struct {
	inner   voicecall.Provider
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

var _ voicecall.Provider = (*GuardedProvider)(nil)

// NewGuardedProvider wraps p. Client errors (HTTP 4xx other than 429) do not
// trip the breaker. Every breaker transition is counted on metrics, after any
// OnStateChange already present in cfg. A nil metrics uses
// [observe.DefaultMetrics].
func NewGuardedProvider(p voicecall.Provider, cfg CircuitBreakerConfig, metrics *observe.Metrics) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = isBackendFailure
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	next := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		if next != nil {
			next(name, from, to)
		}
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	return &GuardedProvider{inner: p, breaker: NewCircuitBreaker(cfg), metrics: metrics}
}

// Name implements voicecall.Provider.
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for health reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }

// CreatePhoneCall implements voicecall.Provider.
func (g *GuardedProvider) CreatePhoneCall(ctx context.Context, req voicecall.CreateCallRequest) (*voicecall.CreateCallResponse, error) {
	start := time.Now()
	var res *voicecall.CreateCallResponse
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.CreatePhoneCall(ctx, req)
		return err
	})

	status := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	g.metrics.RecordProviderRequest(ctx, g.inner.Name(), status, time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return res, nil
}

func isBackendFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var reqErr *voicecall.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode >= 500 || reqErr.StatusCode == 429
	}
	return true
}
