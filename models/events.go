package models

import (
	"encoding/json"
	"fmt"
)

// Stream event types. The set is closed: anything else on the wire is
// handled as a framing error by the consumer, not a crash.
const (
	Event_Delta   = "delta"
	Event_Sources = "sources"
	Event_Done    = "done"
)

// Stream_Event is one NDJSON line of a streaming response.
type Stream_Event struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	Sources []Source `json:"sources,omitempty"`
}

// Delta_Event wraps an incremental text fragment.
func Delta_Event(text string) Stream_Event {
	return Stream_Event{Type: Event_Delta, Text: text}
}

// Sources_Event wraps a full replacement source list.
func Sources_Event(sources []Source) Stream_Event {
	return Stream_Event{Type: Event_Sources, Sources: sources}
}

// Done_Event marks end of stream; no events follow it.
func Done_Event() Stream_Event {
	return Stream_Event{Type: Event_Done}
}

// Decode_Stream_Event parses one NDJSON line into a Stream_Event.
// Invalid JSON and unknown tags both return an error so the caller can
// skip the line and keep the rest of the stream.
func Decode_Stream_Event(line []byte) (Stream_Event, error) {
	var event Stream_Event
	if err := json.Unmarshal(line, &event); err != nil {
		return Stream_Event{}, fmt.Errorf("invalid stream event: %w", err)
	}
	switch event.Type {
	case Event_Delta, Event_Sources, Event_Done:
		return event, nil
	default:
		return Stream_Event{}, fmt.Errorf("unknown stream event type: %q", event.Type)
	}
}
