package player

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wrappers around the player's command vocabulary. Each is a thin
// translation to the wire command; policy (routing, retries) lives upstream.

// PlaylistItem is one entry of the player's playlist property.
type PlaylistItem struct {
	Filename string `json:"filename"`
	Title    string `json:"title,omitempty"`
	Current  bool   `json:"current,omitempty"`
	Playing  bool   `json:"playing,omitempty"`
}

// TimeInfo reports playback position. Fields are nil while nothing is
// loaded.
type TimeInfo struct {
	Current   *float64 `json:"current"`
	Remaining *float64 `json:"remaining"`
	Total     *float64 `json:"total"`
}

// Load appends a URL or path to the playlist, starting playback if the
// player is idle.
func (s *Session) Load(ctx context.Context, url string) error {
	_, err := s.Command(ctx, "loadfile", url, "append-play")
	return err
}

func (s *Session) IsPaused(ctx context.Context) (bool, error) {
	data, err := s.Command(ctx, "get_property", "pause")
	if err != nil {
		return false, err
	}
	var paused bool
	if err := json.Unmarshal(data, &paused); err != nil {
		return false, fmt.Errorf("decode pause: %w", err)
	}
	return paused, nil
}

func (s *Session) SetPause(ctx context.Context, paused bool) error {
	_, err := s.Command(ctx, "set_property", "pause", paused)
	return err
}

func (s *Session) TogglePause(ctx context.Context) error {
	_, err := s.Command(ctx, "cycle", "pause")
	return err
}

func (s *Session) Volume(ctx context.Context) (float64, error) {
	data, err := s.Command(ctx, "get_property", "volume")
	if err != nil {
		return 0, err
	}
	var volume float64
	if err := json.Unmarshal(data, &volume); err != nil {
		return 0, fmt.Errorf("decode volume: %w", err)
	}
	return volume, nil
}

func (s *Session) SetVolume(ctx context.Context, volume float64) error {
	_, err := s.Command(ctx, "set_property", "volume", volume)
	return err
}

// Time reports current/remaining/total playback position. Total is derived
// because the player exposes no single property for it.
func (s *Session) Time(ctx context.Context) (*TimeInfo, error) {
	current, err := s.optionalFloat(ctx, "time-pos")
	if err != nil {
		return nil, err
	}
	remaining, err := s.optionalFloat(ctx, "time-remaining")
	if err != nil {
		return nil, err
	}

	info := &TimeInfo{Current: current, Remaining: remaining}
	if current != nil && remaining != nil {
		total := *current + *remaining
		info.Total = &total
	}
	return info, nil
}

// optionalFloat reads a numeric property that is null while nothing is
// loaded.
func (s *Session) optionalFloat(ctx context.Context, property string) (*float64, error) {
	data, err := s.Command(ctx, "get_property", property)
	if err != nil {
		return nil, err
	}
	var v *float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", property, err)
	}
	return v, nil
}

func (s *Session) SeekAbsolute(ctx context.Context, seconds float64) error {
	_, err := s.Command(ctx, "seek", seconds, "absolute")
	return err
}

func (s *Session) SeekPercent(ctx context.Context, percent float64) error {
	_, err := s.Command(ctx, "seek", percent, "absolute-percent")
	return err
}

func (s *Session) Playlist(ctx context.Context) ([]PlaylistItem, error) {
	data, err := s.Command(ctx, "get_property", "playlist")
	if err != nil {
		return nil, err
	}
	var items []PlaylistItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	return items, nil
}

func (s *Session) PlaylistNext(ctx context.Context) error {
	_, err := s.Command(ctx, "playlist-next")
	return err
}

func (s *Session) PlaylistPrev(ctx context.Context) error {
	_, err := s.Command(ctx, "playlist-prev")
	return err
}

func (s *Session) PlaylistGoto(ctx context.Context, index int) error {
	_, err := s.Command(ctx, "set_property", "playlist-pos", index)
	return err
}

func (s *Session) PlaylistClear(ctx context.Context) error {
	_, err := s.Command(ctx, "playlist-clear")
	return err
}

func (s *Session) PlaylistRemove(ctx context.Context, index int) error {
	_, err := s.Command(ctx, "playlist-remove", index)
	return err
}

func (s *Session) PlaylistMove(ctx context.Context, from, to int) error {
	_, err := s.Command(ctx, "playlist-move", from, to)
	return err
}

func (s *Session) PlaylistShuffle(ctx context.Context) error {
	_, err := s.Command(ctx, "playlist-shuffle")
	return err
}

func (s *Session) LoopPlaylist(ctx context.Context) (bool, error) {
	data, err := s.Command(ctx, "get_property", "loop-playlist")
	if err != nil {
		return false, err
	}
	return decodeLoop(data), nil
}

func (s *Session) SetLoopPlaylist(ctx context.Context, loop bool) error {
	value := "no"
	if loop {
		value = "inf"
	}
	_, err := s.Command(ctx, "set_property", "loop-playlist", value)
	return err
}

// SetSubtitleTrack selects a subtitle track; nil disables subtitles.
func (s *Session) SetSubtitleTrack(ctx context.Context, track *int) error {
	var value any = "no"
	if track != nil {
		value = *track
	}
	_, err := s.Command(ctx, "set_property", "sid", value)
	return err
}

// ShowSplash replaces the playlist with a single splash asset so the kiosk
// screen is never blank after startup.
func (s *Session) ShowSplash(ctx context.Context, path string) error {
	if err := s.PlaylistClear(ctx); err != nil {
		return err
	}
	return s.Load(ctx, path)
}
