package retell_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall/retell"
)

func newServer(t *testing.T, status int, body string, inspect func(*http.Request, map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/create-phone-call" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(r, got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := retell.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestCreatePhoneCall_SendsRequest(t *testing.T) {
	t.Parallel()

	srv := newServer(t, http.StatusCreated, `{"call_id":"call_abc","call_status":"registered"}`,
		func(r *http.Request, got map[string]any) {
			if auth := r.Header.Get("Authorization"); auth != "Bearer key_123" {
				t.Errorf("Authorization = %q", auth)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if got["from_number"] != "+15550000000" || got["to_number"] != "+15551234567" {
				t.Errorf("numbers = %v / %v", got["from_number"], got["to_number"])
			}
			if got["override_agent_id"] != "agent_1" {
				t.Errorf("override_agent_id = %v", got["override_agent_id"])
			}
			meta, _ := got["metadata"].(map[string]any)
			if meta["lead_id"] != "L1" {
				t.Errorf("metadata = %v", meta)
			}
			vars, _ := got["retell_llm_dynamic_variables"].(map[string]any)
			if vars["lead_name"] != "Ada" {
				t.Errorf("dynamic variables = %v", vars)
			}
			if _, ok := vars["lead_email"]; ok {
				t.Error("empty dynamic variable was sent")
			}
		})

	// Trailing slashes on the base URL are trimmed.
	p, err := retell.New("key_123", retell.WithBaseURL(srv.URL+"//"), retell.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{
		FromNumber:       "+15550000000",
		ToNumber:         "+15551234567",
		AgentID:          "agent_1",
		Metadata:         map[string]string{"lead_id": "L1"},
		DynamicVariables: map[string]string{"lead_name": "Ada", "lead_email": ""},
	})
	if err != nil {
		t.Fatalf("CreatePhoneCall: %v", err)
	}
	if res.CallID != "call_abc" || res.Status != "registered" {
		t.Errorf("response = %+v", res)
	}
	if p.Name() != "retell" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestCreatePhoneCall_OmitsEmptyDynamicVariables(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `{"callId":"c2"}`, func(_ *http.Request, got map[string]any) {
		if _, ok := got["retell_llm_dynamic_variables"]; ok {
			t.Error("dynamic variables should be omitted when all values are empty")
		}
		if _, ok := got["metadata"].(map[string]any); !ok {
			t.Error("metadata should always be an object")
		}
	})

	p, _ := retell.New("k", retell.WithBaseURL(srv.URL))
	res, err := p.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{
		ToNumber:         "+1",
		DynamicVariables: map[string]string{"call_script": ""},
	})
	if err != nil {
		t.Fatalf("CreatePhoneCall: %v", err)
	}
	if res.CallID != "c2" {
		t.Errorf("CallID = %q, want camelCase fallback c2", res.CallID)
	}
	if res.Status != "queued" {
		t.Errorf("Status = %q, want default queued", res.Status)
	}
}

func TestCreatePhoneCall_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"message field", 400, `{"message":"invalid to_number","error":"bad"}`, "invalid to_number"},
		{"error field", 401, `{"error":"unauthorized"}`, "unauthorized"},
		{"raw text", 500, `upstream exploded`, "upstream exploded"},
		{"json without known fields", 422, `{"detail":"x"}`, `{"detail":"x"}`},
		{"empty body", 503, ``, "Retell API request failed (503)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tc.status, tc.body, nil)
			p, _ := retell.New("k", retell.WithBaseURL(srv.URL))

			_, err := p.CreatePhoneCall(context.Background(), voicecall.CreateCallRequest{ToNumber: "+1"})
			if !errors.Is(err, voicecall.ErrProviderRequestFailed) {
				t.Fatalf("err = %v, want ErrProviderRequestFailed", err)
			}
			var reqErr *voicecall.RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("err = %T, want *RequestError", err)
			}
			if reqErr.StatusCode != tc.status {
				t.Errorf("StatusCode = %d, want %d", reqErr.StatusCode, tc.status)
			}
			if reqErr.Message != tc.wantMessage {
				t.Errorf("Message = %q, want %q", reqErr.Message, tc.wantMessage)
			}
		})
	}
}

func TestCreatePhoneCall_ContextCancelled(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `{}`, nil)
	p, _ := retell.New("k", retell.WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.CreatePhoneCall(ctx, voicecall.CreateCallRequest{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
