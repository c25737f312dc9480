// Package mock provides an in-process stand-in for the media player: a unix
// socket server speaking the real line protocol with a tiny property store
// behind it. Demo mode runs the full service against it, and the supervisor
// and gateway tests use it as their controlled process.
package mock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

type fakeConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	observed map[string]bool
}

func (c *fakeConn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// FakePlayer serves the player protocol on a unix socket.
type FakePlayer struct {
	listener net.Listener
	path     string

	mu     sync.Mutex
	props  map[string]any
	conns  map[*fakeConn]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewFakePlayer listens on socketPath and starts accepting connections.
func NewFakePlayer(socketPath string) (*FakePlayer, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	f := &FakePlayer{
		listener: ln,
		path:     socketPath,
		props: map[string]any{
			"pause":         false,
			"volume":        float64(100),
			"mute":          false,
			"playlist":      []any{},
			"playlist-pos":  float64(-1),
			"loop-playlist": false,
			"media-title":   "",
		},
		conns: make(map[*fakeConn]struct{}),
	}

	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

func (f *FakePlayer) Path() string {
	return f.path
}

// Close stops the server and drops all connections. The socket file is
// removed by the unix listener.
func (f *FakePlayer) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conns := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.listener.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	f.wg.Wait()
}

// SetProperty updates a property and notifies every connection observing it.
func (f *FakePlayer) SetProperty(name string, value any) {
	f.mu.Lock()
	f.props[name] = value
	conns := f.observers(name)
	f.mu.Unlock()

	f.notify(conns, name, value)
}

// EmitEvent pushes an arbitrary event object to every connection.
func (f *FakePlayer) EmitEvent(fields map[string]any) {
	f.mu.Lock()
	conns := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.writeLine(fields)
	}
}

// WriteRaw sends a raw line to every connection, newline appended. Tests use
// it to inject malformed frames.
func (f *FakePlayer) WriteRaw(line string) {
	f.mu.Lock()
	conns := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		c.conn.Write([]byte(line + "\n"))
		c.writeMu.Unlock()
	}
}

// Tick advances playback time while unpaused, so demo mode has movement.
// Runs until ctx is cancelled.
func (f *FakePlayer) Tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pos := 0.0
	for {
		select {
		case <-ticker.C:
			f.mu.Lock()
			paused, _ := f.props["pause"].(bool)
			f.mu.Unlock()
			if paused {
				continue
			}
			pos += interval.Seconds()
			f.SetProperty("time-pos", pos)
		case <-ctx.Done():
			return
		}
	}
}

func (f *FakePlayer) observers(name string) []*fakeConn {
	out := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		if c.observed[name] {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakePlayer) notify(conns []*fakeConn, name string, value any) {
	for _, c := range conns {
		c.writeLine(map[string]any{
			"event": "property-change",
			"id":    0,
			"name":  name,
			"data":  value,
		})
	}
}

func (f *FakePlayer) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		c := &fakeConn{conn: conn, observed: make(map[string]bool)}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conns[c] = struct{}{}
		f.wg.Add(1)
		f.mu.Unlock()

		go f.serve(c)
	}
}

func (f *FakePlayer) serve(c *fakeConn) {
	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		c.conn.Close()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(line, &req); err != nil || len(req.Command) == 0 {
			log.Printf("mock: ignoring unparsable request: %s", line)
			continue
		}

		data, errStr := f.handle(c, req.Command)
		resp := map[string]any{
			"request_id": req.RequestID,
			"error":      errStr,
		}
		if errStr == "success" {
			resp["data"] = data
		}
		if err := c.writeLine(resp); err != nil {
			return
		}
	}
}

// handle executes one command against the property store. Unknown commands
// succeed with null data, which is what a permissive player does for
// commands it treats as no-ops.
func (f *FakePlayer) handle(c *fakeConn, command []any) (any, string) {
	name, _ := command[0].(string)
	switch name {
	case "get_property":
		prop, _ := arg[string](command, 1)
		f.mu.Lock()
		value, ok := f.props[prop]
		f.mu.Unlock()
		if !ok {
			return nil, "property unavailable"
		}
		return value, "success"

	case "set_property":
		prop, _ := arg[string](command, 1)
		if len(command) < 3 {
			return nil, "invalid parameter"
		}
		f.SetProperty(prop, command[2])
		return nil, "success"

	case "observe_property":
		prop, ok := arg[string](command, 2)
		if !ok {
			return nil, "invalid parameter"
		}
		f.mu.Lock()
		c.observed[prop] = true
		value, known := f.props[prop]
		f.mu.Unlock()
		// The real player confirms a new observation with an immediate
		// property-change carrying the current value.
		if known {
			f.notify([]*fakeConn{c}, prop, value)
		}
		return nil, "success"

	case "cycle":
		prop, _ := arg[string](command, 1)
		f.mu.Lock()
		cur, _ := f.props[prop].(bool)
		f.mu.Unlock()
		f.SetProperty(prop, !cur)
		return nil, "success"

	case "loadfile":
		url, _ := arg[string](command, 1)
		f.mu.Lock()
		playlist, _ := f.props["playlist"].([]any)
		playlist = append(playlist, map[string]any{"filename": url})
		f.props["playlist"] = playlist
		conns := f.observers("playlist")
		f.mu.Unlock()
		f.notify(conns, "playlist", playlist)
		return nil, "success"

	case "playlist-clear":
		f.SetProperty("playlist", []any{})
		return nil, "success"

	default:
		return nil, "success"
	}
}

func arg[T any](command []any, i int) (T, bool) {
	var zero T
	if i >= len(command) {
		return zero, false
	}
	v, ok := command[i].(T)
	return v, ok
}

// SocketPathFor builds a short socket path for tests; unix socket paths have
// a tight length limit, so callers pass a short base dir.
func SocketPathFor(dir, name string) string {
	return fmt.Sprintf("%s/%s.sock", dir, name)
}
