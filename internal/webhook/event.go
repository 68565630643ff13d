package webhook

import (
	"strings"

	"github.com/MrWong99/callrelay/internal/transcript"
	"github.com/MrWong99/callrelay/pkg/callctx"
)

// terminalEvents are the event names that signal a call has finished.
var terminalEvents = map[string]bool{
	"call_ended":     true,
	"call_analyzed":  true,
	"call_completed": true,
	"call_hangup":    true,
	"call_finished":  true,
}

// Event is the normalized view of one webhook delivery.
type Event struct {
	// Type is the lowercased event name, possibly empty.
	Type string

	// CallID is the provider call id, empty when the payload carried none.
	CallID string

	// Status is the call status string reported alongside the event.
	Status string

	// Call is the nested call object, never nil.
	Call map[string]any

	// Metadata is the parsed call metadata, never nil.
	Metadata map[string]any

	// Transcript is the normalized transcript text, possibly empty.
	Transcript string
}

// Terminal reports whether the event marks the end of the call.
func (e Event) Terminal() bool {
	return IsTerminal(e.Type, e.Status)
}

// IsTerminal reports whether eventType is one of the known terminal event
// names or status contains "ended" in any letter case. Some providers only
// signal completion through the status field.
func IsTerminal(eventType, status string) bool {
	return terminalEvents[strings.ToLower(eventType)] ||
		strings.Contains(strings.ToLower(status), "ended")
}

// Parse extracts an [Event] from a decoded webhook payload. It never fails:
// missing or malformed fields yield zero values. payload is not modified.
func Parse(payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	call, _ := payload["call"].(map[string]any)
	if call == nil {
		call = map[string]any{}
	}

	metaSource := call["metadata"]
	if !present(metaSource) {
		metaSource = payload["metadata"]
	}

	return Event{
		Type:       strings.ToLower(callctx.FirstScalar(payload["event"], payload["event_type"], payload["type"])),
		CallID:     callctx.FirstScalar(call["call_id"], payload["call_id"], payload["callId"]),
		Status:     callctx.FirstScalar(call["call_status"], call["status"], payload["call_status"], payload["status"]),
		Call:       call,
		Metadata:   callctx.ParseMetadata(metaSource),
		Transcript: transcript.Extract(payload, call),
	}
}

// present reports whether v holds a usable value. Empty strings count as
// absent so that a blank call-level metadata field falls through to the
// payload-level one.
func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}
