package transcript

import (
	"strings"

	"github.com/MrWong99/callrelay/pkg/callctx"
)

// defaultSpeaker labels segments that carry no speaker field.
const defaultSpeaker = "speaker"

// Segment field aliases, in lookup order.
var (
	speakerFields = []string{"role", "speaker", "participant", "source"}
	textFields    = []string{"content", "text", "transcript", "message"}
)

// Extract returns the canonical text transcript carried by a webhook payload
// and its nested call object. Sources are tried in order:
//
//  1. a direct transcript string (call.transcript, payload.transcript,
//     payload.call_transcript);
//  2. payload.transcript_with_tool_calls, trimmed;
//  3. a segmented conversation array (call.transcript_object,
//     payload.transcript_object, payload.conversation) rendered as
//     "speaker: text" lines.
//
// Extract returns "" when none of them yields content. It never mutates
// payload or call; either may be nil.
func Extract(payload, call map[string]any) string {
	if direct := callctx.FirstScalar(call["transcript"], payload["transcript"], payload["call_transcript"]); direct != "" {
		return direct
	}

	if withTools, ok := payload["transcript_with_tool_calls"].(string); ok {
		if trimmed := strings.TrimSpace(withTools); trimmed != "" {
			return trimmed
		}
	}

	return FromSegments(firstPresent(call["transcript_object"], payload["transcript_object"], payload["conversation"]))
}

// FromSegments renders a segmented conversation as newline-separated
// "speaker: text" lines. Non-object entries and segments without text are
// skipped. The speaker label falls back to "speaker".
func FromSegments(segments any) string {
	list, ok := segments.([]any)
	if !ok || len(list) == 0 {
		return ""
	}

	lines := make([]string, 0, len(list))
	for _, item := range list {
		seg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text := firstField(seg, textFields)
		if text == "" {
			continue
		}
		speaker := firstField(seg, speakerFields)
		if speaker == "" {
			speaker = defaultSpeaker
		}
		lines = append(lines, speaker+": "+text)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstField(seg map[string]any, fields []string) string {
	for _, f := range fields {
		if s, ok := callctx.Scalar(seg[f]); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstPresent mirrors a truthiness fallback: nil, empty strings and
// boolean false are skipped, anything else (including an empty array) is kept.
func firstPresent(vals ...any) any {
	for _, v := range vals {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			if x == "" {
				continue
			}
		case bool:
			if !x {
				continue
			}
		}
		return v
	}
	return nil
}
