package wm

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kiosktv/backend/internal/bridge"
	"github.com/kiosktv/backend/internal/config"
)

// Bridge is the service's view of the window manager. It never starts the
// window manager; connections are made lazily per request, and an unreachable
// socket surfaces as an unavailable error rather than a spawn attempt.
type Bridge struct {
	cfg config.WMConfig

	mu   sync.Mutex
	conn *client

	events chan Event
}

func NewBridge(cfg config.WMConfig) *Bridge {
	return &Bridge{
		cfg:    cfg,
		events: make(chan Event, 64),
	}
}

// Events is the merged window manager event stream across reconnects.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Close drops the current connection, if any.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// InjectKeys sends a keystroke sequence for the window manager to replay into
// the focused surface.
func (b *Bridge) InjectKeys(ctx context.Context, keys []string) error {
	payload, err := json.Marshal(struct {
		Keys []string `json:"keys"`
	}{Keys: keys})
	if err != nil {
		return err
	}
	resp, err := b.roundtrip(ctx, frameKeys, payload)
	if err != nil {
		return err
	}
	return decodeResponse(resp)
}

// Launch asks the window manager to start the configured application with
// arg (typically a URL) in a fresh working directory, so no state leaks
// between kiosk sessions.
func (b *Bridge) Launch(ctx context.Context, arg string) (string, error) {
	workdir, err := os.MkdirTemp("", "kiosk-app-")
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(struct {
		Command string `json:"command"`
		Arg     string `json:"arg,omitempty"`
		Workdir string `json:"workdir"`
	}{Command: b.cfg.LaunchCommand, Arg: arg, Workdir: workdir})
	if err != nil {
		return "", err
	}

	resp, err := b.roundtrip(ctx, frameLaunch, payload)
	if err != nil {
		os.RemoveAll(workdir)
		return "", err
	}
	if err := decodeResponse(resp); err != nil {
		os.RemoveAll(workdir)
		return "", err
	}
	return workdir, nil
}

// Ping verifies the window manager is responsive.
func (b *Bridge) Ping(ctx context.Context) error {
	resp, err := b.roundtrip(ctx, framePing, nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp)
}

func (b *Bridge) roundtrip(ctx context.Context, typ uint32, payload []byte) ([]byte, error) {
	c, err := b.current()
	if err != nil {
		return nil, err
	}
	return c.roundtrip(ctx, typ, payload)
}

// current returns a live connection, dialing if needed. Dial failure is an
// availability problem for the caller, not something to retry here.
func (b *Bridge) current() (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.alive() {
		return b.conn, nil
	}

	conn, err := net.DialTimeout("unix", b.cfg.SocketPath, 2*time.Second)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrUnavailable, "window manager socket", err)
	}

	c := newClient(conn, b.cfg.RequestTimeout)
	b.conn = c
	go b.pump(c)
	log.Printf("wm: connected to %s", b.cfg.SocketPath)
	return c, nil
}

// pump forwards one connection's events onto the bridge stream.
func (b *Bridge) pump(c *client) {
	for ev := range c.Events() {
		select {
		case b.events <- ev:
		default:
			log.Printf("wm: dropping event frame %#x, stream backlogged", ev.Type)
		}
	}
}
