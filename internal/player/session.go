package player

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kiosktv/backend/internal/mpv"
)

// Session is one live connection to the player. The supervisor replaces the
// whole Session on reconnect; the IPC client, its correlation counter, and
// the transport all die together.
type Session struct {
	client    *mpv.Client
	state     *StateCache
	startedAt time.Time
}

func newSession(client *mpv.Client) *Session {
	return &Session{
		client:    client,
		state:     NewStateCache(),
		startedAt: time.Now(),
	}
}

// Command forwards one raw command to the player and returns its data
// payload.
func (s *Session) Command(ctx context.Context, command ...any) (json.RawMessage, error) {
	return s.client.Send(ctx, command...)
}

// State returns the last-known property snapshot for this connection.
func (s *Session) State() Snapshot {
	return s.state.Snapshot()
}

// StartedAt reports when this connection was established.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// defaultObservedProperties is the set every session watches from the moment
// it connects, feeding both the snapshot cache and the broadcast stream.
var defaultObservedProperties = []string{
	"pause",
	"volume",
	"mute",
	"time-pos",
	"duration",
	"percent-pos",
	"playlist",
	"playlist-pos",
	"loop-playlist",
	"media-title",
	"track-list",
	"chapter-list",
	"paused-for-cache",
	"demuxer-cache-state",
}

// observeDefaults registers the default property observations. Ids only need
// to be distinct within this connection.
func (s *Session) observeDefaults(ctx context.Context) error {
	for i, prop := range defaultObservedProperties {
		if _, err := s.client.Send(ctx, "observe_property", i+1, prop); err != nil {
			return err
		}
	}
	return nil
}
