// Package ws is the HTTP and WebSocket gateway: REST endpoints for one-shot
// control, a WebSocket for the event stream and low-latency commands.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/kiosktv/backend/internal/dispatch"
	"github.com/kiosktv/backend/internal/player"
)

// Outbound message types.
const (
	MsgInitialState    = "initial_state"
	MsgEvent           = "event"
	MsgResponse        = "response"
	MsgConnectionCount = "connection_count"
	MsgError           = "error"
)

type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// InitialStatePayload is pushed once per connection, before any events, so a
// client starts from a coherent snapshot instead of an event replay.
type InitialStatePayload struct {
	Connection player.State     `json:"connection"`
	Snapshot   *player.Snapshot `json:"snapshot,omitempty"`
}

type ConnectionCountPayload struct {
	Count int `json:"count"`
}

// ResponsePayload answers one Command; ID echoes the client's correlation id.
type ResponsePayload struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Value   any    `json:"value,omitempty"`
}

type EventPayload struct {
	Event dispatch.EventRecord `json:"event"`
}

// Command is the inbound command vocabulary, shared by the WebSocket and the
// generic command endpoint. Fields beyond Action apply per action and are
// validated at execution.
type Command struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`

	URL   string   `json:"url,omitempty"`
	Value *float64 `json:"value,omitempty"`
	Index *int     `json:"index,omitempty"`
	From  *int     `json:"from,omitempty"`
	To    *int     `json:"to,omitempty"`
	Track *int     `json:"track,omitempty"`
	Loop  *bool    `json:"loop,omitempty"`
	Keys  []string `json:"keys,omitempty"`

	// Wait opts into a bounded wait for the player to connect instead of the
	// default fast failure.
	Wait bool `json:"wait,omitempty"`
}

func parseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	if cmd.Action == "" {
		return Command{}, fmt.Errorf("command has no action")
	}
	return cmd, nil
}

// errBadCommand marks validation failures, mapped to 400 on the REST side.
type errBadCommand struct{ msg string }

func (e errBadCommand) Error() string { return e.msg }

func badCommand(format string, args ...any) error {
	return errBadCommand{msg: fmt.Sprintf(format, args...)}
}
