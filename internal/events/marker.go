package events

import (
	"encoding/json"
	"strings"

	"github.com/spawner/orchestrator/internal/domain"
)

// Marker delimiters for events embedded inline in free text.
const (
	MarkerOpen  = "[SPAWNER_EVENT]"
	MarkerClose = "[/SPAWNER_EVENT]"
)

// markerEscaper rewrites delimiter text found inside JSON strings so payloads
// cannot close or reopen the frame. json.Unmarshal restores the original.
var markerEscaper = strings.NewReplacer(
	MarkerOpen, `\u005bSPAWNER_EVENT]`,
	MarkerClose, `\u005b/SPAWNER_EVENT]`,
)

// FormatEvent wraps the JSON form of e in marker delimiters.
func FormatEvent(e domain.OrchestrationEvent) string {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	payload, err := json.Marshal(e)
	if err != nil {
		// Unencodable payload values; keep the event recoverable without its data.
		payload, _ = json.Marshal(domain.OrchestrationEvent{
			Type:      e.Type,
			Timestamp: e.Timestamp,
			Data:      map[string]any{"encode_error": err.Error()},
		})
	}
	return MarkerOpen + markerEscaper.Replace(string(payload)) + MarkerClose
}

// ParseEvents recovers every well-formed marker from text in order.
// Truncated markers, invalid JSON and unknown event types are skipped.
func ParseEvents(text string) []domain.OrchestrationEvent {
	var out []domain.OrchestrationEvent
	rest := text
	for {
		start := strings.Index(rest, MarkerOpen)
		if start < 0 {
			return out
		}
		body := rest[start+len(MarkerOpen):]
		end := strings.Index(body, MarkerClose)
		if end < 0 {
			return out
		}
		// An opener before the closer means the earlier marker was cut off.
		if next := strings.Index(body, MarkerOpen); next >= 0 && next < end {
			rest = body[next:]
			continue
		}

		var ev domain.OrchestrationEvent
		if err := json.Unmarshal([]byte(body[:end]), &ev); err == nil && ev.Type.Valid() {
			if ev.Data == nil {
				ev.Data = map[string]any{}
			}
			out = append(out, ev)
		}
		rest = body[end+len(MarkerClose):]
	}
}

// StripEvents removes complete markers from text, leaving the surrounding prose.
func StripEvents(text string) string {
	var sb strings.Builder
	rest := text
	for {
		start := strings.Index(rest, MarkerOpen)
		if start < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		end := strings.Index(rest[start:], MarkerClose)
		if end < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		sb.WriteString(rest[:start])
		rest = rest[start+end+len(MarkerClose):]
	}
}
