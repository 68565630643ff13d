// Package callctx defines the per-call metadata record accumulated while a
// voice call is in flight, together with the additive merge that keeps it
// consistent across out-of-order webhook deliveries.
//
// A [Record] is assembled from three loosely ordered sources: the metadata
// attached when the call is initiated, the metadata echoed back by the voice
// provider on every webhook, and the final call object on the terminal event.
// None of them is authoritative, so fields are merged rather than replaced:
// once a field holds a non-empty value, a later empty value never clears it.
package callctx

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
)

// Record is the accumulated metadata for one provider call id.
//
// The zero value is an empty record. Records are values; [Record.Merge]
// returns a new record and never mutates its receiver or argument.
type Record struct {
	// CallID is the provider call identifier. It is the primary key of the
	// record and is never changed by a merge once set.
	CallID string

	// OwnerID is the account or agent that owns the call.
	OwnerID string

	// LeadID is the contact being called.
	LeadID string

	// ConversationID correlates the call to a conversation record.
	ConversationID string

	// AssistantKey names the AI persona or script that handled the call.
	AssistantKey string

	// Extra carries any other scalar metadata fields verbatim. May be nil.
	Extra map[string]string
}

// Metadata key aliases. The first non-empty key in each list wins.
var (
	ownerKeys        = []string{"user_id", "userId"}
	leadKeys         = []string{"lead_id", "leadId"}
	conversationKeys = []string{"conversation_id", "conversationId"}
	assistantKeys    = []string{"assistant_key", "assistantKey", "bot_type", "botType"}
	callIDKeys       = []string{"call_id", "callId"}
)

// knownKeys is the set of metadata keys mapped onto typed fields; they are
// excluded from [Record.Extra].
var knownKeys = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, list := range [][]string{ownerKeys, leadKeys, conversationKeys, assistantKeys, callIDKeys} {
		for _, k := range list {
			m[k] = struct{}{}
		}
	}
	return m
}()

// Merge returns the result of layering update on top of r. For every field,
// a non-empty value in update replaces the value in r; an empty value in
// update leaves r's value untouched. Extra fields follow the same rule per key.
//
// CallID is immutable: it is only taken from update when r has none.
func (r Record) Merge(update Record) Record {
	out := r
	if out.CallID == "" {
		out.CallID = update.CallID
	}
	out.OwnerID = nonEmpty(update.OwnerID, r.OwnerID)
	out.LeadID = nonEmpty(update.LeadID, r.LeadID)
	out.ConversationID = nonEmpty(update.ConversationID, r.ConversationID)
	out.AssistantKey = nonEmpty(update.AssistantKey, r.AssistantKey)

	if len(r.Extra) > 0 || len(update.Extra) > 0 {
		out.Extra = make(map[string]string, len(r.Extra)+len(update.Extra))
		maps.Copy(out.Extra, r.Extra)
		for k, v := range update.Extra {
			if v != "" {
				out.Extra[k] = v
			}
		}
	}
	return out
}

// IsZero reports whether r carries no information at all.
func (r Record) IsZero() bool {
	return r.CallID == "" && r.OwnerID == "" && r.LeadID == "" &&
		r.ConversationID == "" && r.AssistantKey == "" && len(r.Extra) == 0
}

// Fields flattens r into the snake_case metadata keys used on the wire.
// Empty values are omitted.
func (r Record) Fields() map[string]string {
	out := make(map[string]string, 5+len(r.Extra))
	for k, v := range r.Extra {
		if v != "" {
			out[k] = v
		}
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("call_id", r.CallID)
	set("user_id", r.OwnerID)
	set("lead_id", r.LeadID)
	set("conversation_id", r.ConversationID)
	set("assistant_key", r.AssistantKey)
	return out
}

// FromMetadata maps a decoded provider metadata object onto a [Record].
// Aliased keys (user_id / userId, bot_type / assistant_key, ...) resolve to
// the first non-empty scalar. Remaining scalar values land in Extra;
// nested objects and arrays are dropped.
func FromMetadata(meta map[string]any) Record {
	if len(meta) == 0 {
		return Record{}
	}
	r := Record{
		CallID:         pickKeys(meta, callIDKeys),
		OwnerID:        pickKeys(meta, ownerKeys),
		LeadID:         pickKeys(meta, leadKeys),
		ConversationID: pickKeys(meta, conversationKeys),
		AssistantKey:   pickKeys(meta, assistantKeys),
	}
	for k, v := range meta {
		if _, known := knownKeys[k]; known {
			continue
		}
		s, ok := Scalar(v)
		if !ok || s == "" {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[k] = s
	}
	return r
}

// FromFields is the inverse of [Record.Fields].
func FromFields(fields map[string]string) Record {
	meta := make(map[string]any, len(fields))
	for k, v := range fields {
		meta[k] = v
	}
	return FromMetadata(meta)
}

// ParseMetadata decodes provider metadata that may arrive either as an
// object or as a JSON-encoded string. Anything else, including malformed
// JSON and JSON that is not an object, yields an empty map.
func ParseMetadata(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case string:
		if strings.TrimSpace(m) == "" {
			return map[string]any{}
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(m), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	default:
		return map[string]any{}
	}
}

// Scalar renders v as a string when it is a string, number, or boolean.
// The second return value is false for nil, objects, and arrays.
func Scalar(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}

// FirstScalar returns the first value in vals that renders to a non-empty
// scalar string, or "" when none does.
func FirstScalar(vals ...any) string {
	for _, v := range vals {
		if s, ok := Scalar(v); ok && s != "" {
			return s
		}
	}
	return ""
}

// FirstNonEmpty returns the first non-empty string in vals.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pickKeys(meta map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := Scalar(meta[k]); ok && s != "" {
			return s
		}
	}
	return ""
}

func nonEmpty(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}
