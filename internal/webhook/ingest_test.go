package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/internal/finalize"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/callctx"
	"github.com/MrWong99/callrelay/pkg/records/mock"
)

// fakeFinalizer records requests and optionally blocks until released.
type fakeFinalizer struct {
	mu       sync.Mutex
	requests []finalize.Request
	block    chan struct{}
}

func (f *fakeFinalizer) Finalize(_ context.Context, req finalize.Request) (finalize.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return finalize.Persisted, nil
}

func (f *fakeFinalizer) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// recordingState counts eviction schedules on top of a real MemState.
type recordingState struct {
	*callstate.MemState

	mu        sync.Mutex
	scheduled []string
}

func (s *recordingState) ScheduleEviction(ctx context.Context, callID string) error {
	s.mu.Lock()
	s.scheduled = append(s.scheduled, callID)
	s.mu.Unlock()
	return s.MemState.ScheduleEviction(ctx, callID)
}

func (s *recordingState) scheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestIngestor(t *testing.T, fin Finalizer) (*Ingestor, *recordingState) {
	t.Helper()
	mem := callstate.NewMemState(callstate.WithSweepInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	state := &recordingState{MemState: mem}
	return NewIngestor(state, fin, WithMetrics(testMetrics(t))), state
}

func TestProcess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		payload       map[string]any
		wantFinalize  int
		wantScheduled int
		wantContext   bool
	}{
		{
			name:        "non-terminal merges context only",
			payload:     map[string]any{"event": "call_started", "call": map[string]any{"call_id": "C1", "metadata": map[string]any{"lead_id": "L1"}}},
			wantContext: true,
		},
		{
			name:          "terminal with transcript finalizes",
			payload:       map[string]any{"event": "call_ended", "call": map[string]any{"call_id": "C1", "transcript": "agent: hi"}},
			wantFinalize:  1,
			wantScheduled: 1,
			wantContext:   true,
		},
		{
			name:          "terminal without transcript only schedules eviction",
			payload:       map[string]any{"event": "call_ended", "call": map[string]any{"call_id": "C1"}},
			wantScheduled: 1,
			wantContext:   true,
		},
		{
			name:          "terminal by status",
			payload:       map[string]any{"event": "status_update", "call": map[string]any{"call_id": "C1", "status": "ENDED", "transcript": "x"}},
			wantFinalize:  1,
			wantScheduled: 1,
			wantContext:   true,
		},
		{
			name:    "missing call id is dropped",
			payload: map[string]any{"event": "call_ended", "transcript": "x"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fin := &fakeFinalizer{}
			in, state := newTestIngestor(t, fin)

			if err := in.Process(context.Background(), tc.payload); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got := fin.CallCount(); got != tc.wantFinalize {
				t.Errorf("finalize calls = %d, want %d", got, tc.wantFinalize)
			}
			if got := state.scheduledCount(); got != tc.wantScheduled {
				t.Errorf("evictions scheduled = %d, want %d", got, tc.wantScheduled)
			}
			if got := state.Len() > 0; got != tc.wantContext {
				t.Errorf("context stored = %v, want %v", got, tc.wantContext)
			}
		})
	}
}

func TestProcess_MergesAcrossEvents(t *testing.T) {
	t.Parallel()
	fin := &fakeFinalizer{}
	in, state := newTestIngestor(t, fin)
	ctx := context.Background()

	_ = in.Process(ctx, map[string]any{"event": "call_started", "call_id": "C1", "metadata": map[string]any{"lead_id": "L1", "user_id": "U1"}})
	_ = in.Process(ctx, map[string]any{"event": "call_analyzed", "call_id": "C1", "metadata": `{"conversation_id":"conv-1","user_id":""}`})

	rec, ok, err := state.Get(ctx, "C1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	want := callctx.Record{CallID: "C1", OwnerID: "U1", LeadID: "L1", ConversationID: "conv-1"}
	if rec.CallID != want.CallID || rec.OwnerID != want.OwnerID || rec.LeadID != want.LeadID || rec.ConversationID != want.ConversationID {
		t.Errorf("record = %+v, want %+v", rec, want)
	}
}

func TestServeHTTP_AcknowledgesBeforeProcessing(t *testing.T) {
	t.Parallel()
	fin := &fakeFinalizer{block: make(chan struct{})}
	in, _ := newTestIngestor(t, fin)

	body := `{"event":"call_ended","call":{"call_id":"C1","transcript":"hi"}}`
	rec := httptest.NewRecorder()
	in.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(body)))

	// The handler returned while the finalizer is still blocked.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ack map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil || !ack["received"] {
		t.Fatalf("ack = %v (err %v), want received=true", ack, err)
	}
	if fin.CallCount() != 0 {
		t.Fatal("finalizer ran before acknowledgment")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := in.Wait(ctx); err == nil {
		t.Fatal("Wait returned before in-flight work finished")
	}

	close(fin.block)
	if err := in.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fin.CallCount() != 1 {
		t.Errorf("finalize calls = %d, want 1", fin.CallCount())
	}
}

func TestServeHTTP_BadBodyStillAcknowledged(t *testing.T) {
	t.Parallel()
	fin := &fakeFinalizer{}
	in, state := newTestIngestor(t, fin)

	for _, body := range []string{"", "not json", "[1,2,3]", "null"} {
		rec := httptest.NewRecorder()
		in.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Errorf("body %q: status = %d, want 200", body, rec.Code)
		}
	}
	if err := in.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fin.CallCount() != 0 || state.Len() != 0 {
		t.Errorf("bad bodies produced side effects: finalize=%d contexts=%d", fin.CallCount(), state.Len())
	}
}

func TestEndToEnd_RedeliveryPersistsOnce(t *testing.T) {
	t.Parallel()

	mem := callstate.NewMemState(callstate.WithSweepInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	store := &mock.Store{}
	metrics := testMetrics(t)
	fin := finalize.New(mem, store, &mock.LeadDirectory{}, finalize.WithMetrics(metrics))
	in := NewIngestor(mem, fin, WithMetrics(metrics))

	// State seeded the way the outbound initiator does after placing a call.
	if _, err := mem.Merge(context.Background(), "C1", callctx.Record{LeadID: "L1", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := `{"event":"call_ended","call":{"call_id":"C1","transcript":"agent: hello\ncaller: hi"}}`
	srv := httptest.NewServer(in)
	t.Cleanup(srv.Close)
	for range 2 {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	}
	if err := in.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	transcripts, _, completed := store.Snapshot()
	if len(transcripts) != 1 {
		t.Fatalf("transcripts = %d, want 1", len(transcripts))
	}
	if transcripts[0].Content != "agent: hello\ncaller: hi" {
		t.Errorf("content = %q", transcripts[0].Content)
	}
	if len(completed) != 1 || completed[0] != "conv-1" {
		t.Errorf("completed = %v, want [conv-1]", completed)
	}
}
