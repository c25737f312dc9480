package ws

import (
	"context"

	"github.com/kiosktv/backend/internal/dispatch"
	"github.com/kiosktv/backend/internal/player"
)

// execute runs one command through the dispatcher and returns its value, if
// the action produces one. Player commands resolve a session up front; window
// manager commands go straight to the bridge.
func execute(ctx context.Context, d *dispatch.Dispatcher, cmd Command) (any, error) {
	switch cmd.Action {
	case "wm_keys":
		if len(cmd.Keys) == 0 {
			return nil, badCommand("wm_keys requires keys")
		}
		return nil, d.InjectKeys(ctx, cmd.Keys)
	case "wm_launch":
		return d.Launch(ctx, cmd.URL)
	}

	sess, err := resolveSession(ctx, d, cmd.Wait)
	if err != nil {
		return nil, err
	}

	switch cmd.Action {
	case "load":
		if cmd.URL == "" {
			return nil, badCommand("load requires url")
		}
		return nil, sess.Load(ctx, cmd.URL)

	case "play":
		return nil, sess.SetPause(ctx, false)

	case "pause":
		return nil, sess.SetPause(ctx, true)

	case "toggle_playback":
		if err := sess.TogglePause(ctx); err != nil {
			return nil, err
		}
		paused, err := sess.IsPaused(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"paused": paused}, nil

	case "volume":
		if cmd.Value != nil {
			return nil, sess.SetVolume(ctx, *cmd.Value)
		}
		volume, err := sess.Volume(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"volume": volume}, nil

	case "time":
		if cmd.Value != nil {
			return nil, sess.SeekAbsolute(ctx, *cmd.Value)
		}
		return sess.Time(ctx)

	case "seek_percent":
		if cmd.Value == nil {
			return nil, badCommand("seek_percent requires value")
		}
		return nil, sess.SeekPercent(ctx, *cmd.Value)

	case "playlist":
		return sess.Playlist(ctx)

	case "playlist_next":
		return nil, sess.PlaylistNext(ctx)

	case "playlist_previous":
		return nil, sess.PlaylistPrev(ctx)

	case "playlist_goto":
		if cmd.Index == nil {
			return nil, badCommand("playlist_goto requires index")
		}
		return nil, sess.PlaylistGoto(ctx, *cmd.Index)

	case "playlist_clear":
		return nil, sess.PlaylistClear(ctx)

	case "playlist_remove":
		if cmd.Index == nil {
			return nil, badCommand("playlist_remove requires index")
		}
		return nil, sess.PlaylistRemove(ctx, *cmd.Index)

	case "playlist_move":
		if cmd.From == nil || cmd.To == nil {
			return nil, badCommand("playlist_move requires from and to")
		}
		return nil, sess.PlaylistMove(ctx, *cmd.From, *cmd.To)

	case "shuffle":
		return nil, sess.PlaylistShuffle(ctx)

	case "set_looping":
		if cmd.Loop == nil {
			return nil, badCommand("set_looping requires loop")
		}
		return nil, sess.SetLoopPlaylist(ctx, *cmd.Loop)

	case "get_looping":
		loop, err := sess.LoopPlaylist(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"loop": loop}, nil

	case "set_subtitle_track":
		// Track absent means subtitles off.
		return nil, sess.SetSubtitleTrack(ctx, cmd.Track)

	default:
		return nil, badCommand("unknown action %q", cmd.Action)
	}
}

func resolveSession(ctx context.Context, d *dispatch.Dispatcher, wait bool) (*player.Session, error) {
	if wait {
		return d.SessionWait(ctx)
	}
	return d.Session()
}
