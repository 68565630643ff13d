package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, _ := testMetricsReader(t)
	return m
}

func testMetricsReader(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// transitionCount sums the breaker transition counter for one target state.
func transitionCount(t *testing.T, reader *sdkmetric.ManualReader, state string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var n int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "callrelay.provider.breaker.transitions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("state")); ok && v.AsString() == state {
					n += dp.Value
				}
			}
		}
	}
	return n
}

func TestGuardedProvider_PassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{NameValue: "retell", Response: &voicecall.CreateCallResponse{CallID: "c1", Status: "registered"}}
	g := NewGuardedProvider(inner, CircuitBreakerConfig{}, testMetrics(t))

	res, err := g.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{ToNumber: "+1"})
	if err != nil {
		t.Fatalf("CreatePhoneCall: %v", err)
	}
	if res.CallID != "c1" {
		t.Errorf("CallID = %q, want c1", res.CallID)
	}
	if g.Name() != "retell" {
		t.Errorf("Name() = %q", g.Name())
	}
	if inner.CallCount() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.CallCount())
	}
}

func TestGuardedProvider_BreakerPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantOpen bool
	}{
		{"server error trips", &voicecall.RequestError{StatusCode: 502, Message: "bad gateway"}, true},
		{"rate limit trips", &voicecall.RequestError{StatusCode: 429, Message: "slow down"}, true},
		{"transport error trips", errors.New("dial tcp: refused"), true},
		{"client error ignored", &voicecall.RequestError{StatusCode: 400, Message: "invalid number"}, false},
		{"cancellation ignored", context.Canceled, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			inner := &mock.Provider{Err: tc.err}
			g := NewGuardedProvider(inner, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, testMetrics(t))

			for range 2 {
				if _, err := g.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{}); !errors.Is(err, tc.err) {
					t.Fatalf("err = %v, want %v", err, tc.err)
				}
			}
			_, err := g.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{})
			if gotOpen := errors.Is(err, ErrCircuitOpen); gotOpen != tc.wantOpen {
				t.Errorf("circuit open = %v, want %v (err=%v)", gotOpen, tc.wantOpen, err)
			}
			wantCalls := 3
			if tc.wantOpen {
				wantCalls = 2
			}
			if inner.CallCount() != wantCalls {
				t.Errorf("inner calls = %d, want %d", inner.CallCount(), wantCalls)
			}
		})
	}
}

func TestGuardedProvider_ReportsTransitions(t *testing.T) {
	t.Parallel()
	metrics, reader := testMetricsReader(t)
	inner := &mock.Provider{Err: &voicecall.RequestError{StatusCode: 503, Message: "unavailable"}}

	var hooked []State
	g := NewGuardedProvider(inner, CircuitBreakerConfig{
		Name:          "voicecall/retell",
		MaxFailures:   1,
		ResetTimeout:  time.Hour,
		OnStateChange: func(_ string, _, to State) { hooked = append(hooked, to) },
	}, metrics)

	_, _ = g.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{})
	if g.Breaker().State() != StateOpen {
		t.Fatalf("state = %v, want open", g.Breaker().State())
	}
	if got := transitionCount(t, reader, "open"); got != 1 {
		t.Errorf("open transitions = %d, want 1", got)
	}
	if len(hooked) != 1 || hooked[0] != StateOpen {
		t.Errorf("caller hook saw %v, want [open]", hooked)
	}

	g.Breaker().Reset()
	if got := transitionCount(t, reader, "closed"); got != 1 {
		t.Errorf("closed transitions = %d, want 1", got)
	}
}
