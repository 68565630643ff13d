package webhook

import (
	"encoding/json"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType string
		status    string
		want      bool
	}{
		{"call_ended", "", true},
		{"call_analyzed", "", true},
		{"call_completed", "", true},
		{"call_hangup", "", true},
		{"call_finished", "", true},
		{"CALL_ENDED", "", true},
		{"call_started", "", false},
		{"call_started", "ongoing", false},
		{"", "ended", true},
		{"status_update", "Call_Ended_By_Agent", true},
		{"", "", false},
	}
	for _, tc := range tests {
		if got := IsTerminal(tc.eventType, tc.status); got != tc.want {
			t.Errorf("IsTerminal(%q, %q) = %v, want %v", tc.eventType, tc.status, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		payload      map[string]any
		wantType     string
		wantCallID   string
		wantStatus   string
		wantMeta     map[string]string
		wantTerminal bool
	}{
		{
			name:         "nested call object",
			payload:      map[string]any{"event": "call_ended", "call": map[string]any{"call_id": "C1", "call_status": "ended", "metadata": map[string]any{"lead_id": "L1"}}},
			wantType:     "call_ended",
			wantCallID:   "C1",
			wantStatus:   "ended",
			wantMeta:     map[string]string{"lead_id": "L1"},
			wantTerminal: true,
		},
		{
			name:       "event_type field lowercased",
			payload:    map[string]any{"event_type": "Call_Started", "call_id": "C2"},
			wantType:   "call_started",
			wantCallID: "C2",
		},
		{
			name:         "type field and camelCase call id",
			payload:      map[string]any{"type": "call_analyzed", "callId": "C3"},
			wantType:     "call_analyzed",
			wantCallID:   "C3",
			wantMeta:     map[string]string{},
			wantTerminal: true,
		},
		{
			name:       "nested call id wins over payload",
			payload:    map[string]any{"call_id": "outer", "call": map[string]any{"call_id": "inner"}},
			wantCallID: "inner",
		},
		{
			name:       "numeric call id",
			payload:    map[string]any{"call_id": json.Number("12345")},
			wantCallID: "12345",
		},
		{
			name:       "payload metadata as JSON string",
			payload:    map[string]any{"call_id": "C4", "metadata": `{"user_id":"U1"}`},
			wantCallID: "C4",
			wantMeta:   map[string]string{"user_id": "U1"},
		},
		{
			name:       "empty call metadata falls back to payload",
			payload:    map[string]any{"call": map[string]any{"call_id": "C5", "metadata": ""}, "metadata": map[string]any{"leadId": "L5"}},
			wantCallID: "C5",
			wantMeta:   map[string]string{"leadId": "L5"},
		},
		{
			name:       "malformed metadata",
			payload:    map[string]any{"call_id": "C6", "metadata": "{not json"},
			wantCallID: "C6",
			wantMeta:   map[string]string{},
		},
		{
			name:         "call is not an object",
			payload:      map[string]any{"call": "oops", "call_id": "C7", "status": "ended"},
			wantCallID:   "C7",
			wantStatus:   "ended",
			wantTerminal: true,
		},
		{
			name:         "payload status when call object has none",
			payload:      map[string]any{"event": "call_updated", "call": map[string]any{"call_id": "C8"}, "call_status": "ENDED"},
			wantType:     "call_updated",
			wantCallID:   "C8",
			wantStatus:   "ENDED",
			wantTerminal: true,
		},
		{
			name:       "call status wins over payload status",
			payload:    map[string]any{"call": map[string]any{"call_id": "C9", "call_status": "ongoing"}, "status": "ended"},
			wantCallID: "C9",
			wantStatus: "ongoing",
		},
		{
			name:    "empty payload",
			payload: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev := Parse(tc.payload)
			if ev.Type != tc.wantType {
				t.Errorf("Type = %q, want %q", ev.Type, tc.wantType)
			}
			if ev.CallID != tc.wantCallID {
				t.Errorf("CallID = %q, want %q", ev.CallID, tc.wantCallID)
			}
			if ev.Status != tc.wantStatus {
				t.Errorf("Status = %q, want %q", ev.Status, tc.wantStatus)
			}
			if ev.Call == nil || ev.Metadata == nil {
				t.Fatal("Call and Metadata must never be nil")
			}
			if tc.wantMeta != nil {
				if len(ev.Metadata) != len(tc.wantMeta) {
					t.Errorf("Metadata = %v, want %v", ev.Metadata, tc.wantMeta)
				}
				for k, v := range tc.wantMeta {
					if ev.Metadata[k] != v {
						t.Errorf("Metadata[%q] = %v, want %q", k, ev.Metadata[k], v)
					}
				}
			}
			if got := ev.Terminal(); got != tc.wantTerminal {
				t.Errorf("Terminal() = %v, want %v", got, tc.wantTerminal)
			}
		})
	}
}

func TestParse_ExtractsTranscript(t *testing.T) {
	t.Parallel()
	ev := Parse(map[string]any{
		"event": "call_ended",
		"call": map[string]any{
			"call_id":           "C1",
			"transcript_object": []any{map[string]any{"role": "agent", "content": "Hi"}},
		},
	})
	if ev.Transcript != "agent: Hi" {
		t.Errorf("Transcript = %q, want %q", ev.Transcript, "agent: Hi")
	}
}
