// Package dispatch sits between the transports and the bridges: it routes
// commands to whichever session is currently connected and fans events out to
// subscribers with per-subscriber backpressure.
package dispatch

import (
	"encoding/json"
	"time"
)

// Event sources.
const (
	SourcePlayer  = "player"
	SourceWM      = "wm"
	SourceService = "service"
)

// EventRecord is one broadcast event. Seq is assigned at publish time and is
// strictly increasing, so a subscriber can detect its own gaps after being
// dropped and resubscribing.
type EventRecord struct {
	Source  string          `json:"source"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
}
