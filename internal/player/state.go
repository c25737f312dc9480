package player

import (
	"encoding/json"
	"sync"

	"github.com/kiosktv/backend/internal/mpv"
)

// Snapshot is the last-known view of the player's observed properties. It is
// what new subscribers and the status endpoint see before any events arrive
// for them.
type Snapshot struct {
	Pause        bool            `json:"pause"`
	Volume       float64         `json:"volume"`
	Mute         bool            `json:"mute"`
	TimePos      *float64        `json:"timePos"`
	Duration     *float64        `json:"duration"`
	PercentPos   *float64        `json:"percentPos"`
	PlaylistPos  int             `json:"playlistPos"`
	LoopPlaylist bool            `json:"loopPlaylist"`
	MediaTitle   string          `json:"mediaTitle"`
	Playlist     json.RawMessage `json:"playlist,omitempty"`
	TrackList    json.RawMessage `json:"trackList,omitempty"`
	ChapterList  json.RawMessage `json:"chapterList,omitempty"`
}

// StateCache folds property-change events into a Snapshot. Reads get a copy,
// so callers never observe a half-applied event.
type StateCache struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewStateCache() *StateCache {
	return &StateCache{snap: Snapshot{PlaylistPos: -1}}
}

func (c *StateCache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Apply folds one event into the snapshot. Non-property events and unknown
// properties are ignored.
func (c *StateCache) Apply(ev *mpv.Event) {
	name, value, ok := ev.PropertyChange()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case "pause":
		var v bool
		if json.Unmarshal(value, &v) == nil {
			c.snap.Pause = v
		}
	case "volume":
		var v float64
		if json.Unmarshal(value, &v) == nil {
			c.snap.Volume = v
		}
	case "mute":
		var v bool
		if json.Unmarshal(value, &v) == nil {
			c.snap.Mute = v
		}
	case "time-pos":
		c.snap.TimePos = decodeOptionalFloat(value)
	case "duration":
		c.snap.Duration = decodeOptionalFloat(value)
	case "percent-pos":
		c.snap.PercentPos = decodeOptionalFloat(value)
	case "playlist-pos":
		var v int
		if json.Unmarshal(value, &v) == nil {
			c.snap.PlaylistPos = v
		} else {
			c.snap.PlaylistPos = -1
		}
	case "loop-playlist":
		c.snap.LoopPlaylist = decodeLoop(value)
	case "media-title":
		var v string
		if json.Unmarshal(value, &v) == nil {
			c.snap.MediaTitle = v
		} else {
			c.snap.MediaTitle = ""
		}
	case "playlist":
		c.snap.Playlist = cloneRaw(value)
	case "track-list":
		c.snap.TrackList = cloneRaw(value)
	case "chapter-list":
		c.snap.ChapterList = cloneRaw(value)
	}
}

// decodeOptionalFloat maps JSON null (property unavailable) to nil.
func decodeOptionalFloat(value json.RawMessage) *float64 {
	var v *float64
	if json.Unmarshal(value, &v) != nil {
		return nil
	}
	return v
}

// decodeLoop normalizes the loop-playlist property, which the player reports
// as false, "inf", or a count.
func decodeLoop(value json.RawMessage) bool {
	var b bool
	if json.Unmarshal(value, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(value, &s) == nil {
		return s == "inf" || s == "force"
	}
	var n int
	if json.Unmarshal(value, &n) == nil {
		return n > 0
	}
	return false
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out
}
