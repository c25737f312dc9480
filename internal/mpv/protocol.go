// Package mpv implements the client side of mpv's JSON IPC protocol: newline
// delimited JSON objects over a local socket, with integer request ids tying
// commands to their responses and unsolicited event objects in between.
package mpv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is the outbound frame shape.
type Request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// Response resolves one in-flight request. Err holds the player's error
// string; the player reports success as the literal string "success".
type Response struct {
	RequestID int64
	Err       string
	Data      json.RawMessage
}

// Succeeded reports whether the player accepted the command.
func (r *Response) Succeeded() bool {
	return r.Err == "" || r.Err == "success"
}

// Event is an unsolicited notification from the player. Raw keeps the whole
// original object so unknown fields survive fan-out to subscribers.
type Event struct {
	Name string
	Raw  json.RawMessage
}

// PropertyChange extracts the observed property name and value from a
// property-change event. ok is false for any other event kind.
func (e *Event) PropertyChange() (name string, value json.RawMessage, ok bool) {
	if e.Name != "property-change" {
		return "", nil, false
	}
	var pc struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(e.Raw, &pc); err != nil || pc.Name == "" {
		return "", nil, false
	}
	return pc.Name, pc.Data, true
}

// Message is the decoded form of one inbound line. Exactly one of Response
// and Event is non-nil.
type Message struct {
	Response *Response
	Event    *Event
}

// wireMessage covers both inbound shapes; classification happens after a
// single decode rather than by poking at dynamic fields per call site.
type wireMessage struct {
	RequestID *int64          `json:"request_id"`
	Error     *string         `json:"error"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// DecodeLine parses one inbound line and classifies it. Objects carrying a
// request_id are responses; objects carrying an event name are events;
// anything else is malformed.
func DecodeLine(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, fmt.Errorf("empty line")
	}

	var wire wireMessage
	if err := json.Unmarshal(line, &wire); err != nil {
		return Message{}, fmt.Errorf("unparsable line: %w", err)
	}

	switch {
	case wire.RequestID != nil:
		if wire.Error == nil {
			return Message{}, fmt.Errorf("response %d missing error field", *wire.RequestID)
		}
		return Message{Response: &Response{
			RequestID: *wire.RequestID,
			Err:       *wire.Error,
			Data:      wire.Data,
		}}, nil
	case wire.Event != "":
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return Message{Event: &Event{Name: wire.Event, Raw: raw}}, nil
	default:
		return Message{}, fmt.Errorf("object is neither response nor event")
	}
}

// EncodeRequest serializes a request including the trailing newline the
// protocol requires.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
