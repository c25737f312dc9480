// Package player supervises the media player process and its control socket:
// it spawns the process when configured to, drives the connection state
// machine through reconnects, and exposes a single logical session to the
// dispatcher no matter how many physical connections come and go.
package player

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kiosktv/backend/internal/bridge"
	"github.com/kiosktv/backend/internal/config"
	"github.com/kiosktv/backend/internal/mpv"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDegraded:     "degraded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Supervisor owns the player session. Run drives the
// Disconnected→Connecting→Connected→Degraded loop until its context is
// cancelled; Session and WaitConnected are how the dispatcher reaches the
// current connection.
type Supervisor struct {
	cfg     config.PlayerConfig
	spawner *Spawner

	mu      sync.RWMutex
	session *Session
	state   State
	stateCh chan struct{} // closed and replaced on every transition

	events chan *mpv.Event

	firstOnce      sync.Once
	firstConnected chan struct{}
}

func NewSupervisor(cfg config.PlayerConfig, spawner *Spawner) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		spawner:        spawner,
		stateCh:        make(chan struct{}),
		events:         make(chan *mpv.Event, 256),
		firstConnected: make(chan struct{}),
	}
}

// Events is the merged, ordered event stream of the supervised player. It
// survives reconnects and closes only when Run returns.
func (s *Supervisor) Events() <-chan *mpv.Event {
	return s.events
}

// FirstConnected closes once, on the first successful connection. The
// liveness bridge keys its readiness signal off it.
func (s *Supervisor) FirstConnected() <-chan struct{} {
	return s.firstConnected
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session returns the current session, but only while it is connected.
func (s *Supervisor) Session() (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.session == nil {
		return nil, false
	}
	return s.session, true
}

// Snapshot returns the last-known property snapshot. It stays readable while
// degraded: the cache belongs to the most recent session, connected or not.
func (s *Supervisor) Snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Snapshot{}, false
	}
	return s.session.State(), true
}

// WaitConnected blocks until a session is connected or ctx expires. This is
// the opt-in bounded wait behind DispatchWait.
func (s *Supervisor) WaitConnected(ctx context.Context) (*Session, error) {
	for {
		s.mu.RLock()
		state, sess, ch := s.state, s.session, s.stateCh
		s.mu.RUnlock()

		if state == StateConnected && sess != nil {
			return sess, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, bridge.Wrap(bridge.ErrUnavailable, "player session", ctx.Err())
		}
	}
}

// WaitStateChange blocks until the state differs from prev, then returns the
// new state. The dispatcher uses it to publish transitions.
func (s *Supervisor) WaitStateChange(ctx context.Context, prev State) (State, error) {
	for {
		s.mu.RLock()
		state, ch := s.state, s.stateCh
		s.mu.RUnlock()

		if state != prev {
			return state, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return prev, ctx.Err()
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	if s.state != state {
		s.state = state
		close(s.stateCh)
		s.stateCh = make(chan struct{})
		log.Printf("player: session %s", state)
	}
	s.mu.Unlock()
}

// Run supervises until ctx is cancelled. Connection failures never propagate
// out of here; they show up to callers only as the terminal outcome of
// requests that were in flight when a connection died.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.events)
	defer s.setState(StateDisconnected)

	backoff := s.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		client, err := s.connect(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			log.Printf("player: connect failed: %v (retrying in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
			continue
		}
		backoff = s.cfg.BackoffMin

		sess := newSession(client)
		if err := sess.observeDefaults(ctx); err != nil {
			log.Printf("player: observing properties failed: %v", err)
			client.Close()
			continue
		}

		// The new session replaces the old one atomically: dispatchers
		// either see the dead one (refused, state != connected) or this
		// one, never both.
		s.mu.Lock()
		s.session = sess
		s.mu.Unlock()
		s.setState(StateConnected)
		s.firstOnce.Do(func() { close(s.firstConnected) })

		s.pump(ctx, client, sess)

		// Degraded: the client teardown has already resolved every pending
		// request with a connection error. Subscriptions live in the
		// broadcaster and survive untouched.
		s.setState(StateDegraded)
		client.Close()
		s.setState(StateDisconnected)
	}
}

// pump forwards the session's events onto the supervisor stream, folding
// each into the snapshot cache first. Returns when the connection dies or
// ctx is cancelled.
func (s *Supervisor) pump(ctx context.Context, client *mpv.Client, sess *Session) {
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					log.Printf("player: connection lost: %v", err)
				}
				return
			}
			sess.state.Apply(ev)
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// connect establishes one connection, spawning the player first when allowed
// and needed. Exactly one spawn attempt can be in flight (the spawner
// deduplicates).
func (s *Supervisor) connect(ctx context.Context) (*mpv.Client, error) {
	opts := mpv.Options{
		RequestTimeout:      s.cfg.RequestTimeout,
		MalformedFrameLimit: s.cfg.MalformedFrameLimit,
	}

	// Fast path: the socket is already there and accepting.
	if conn, err := dialSocket(s.cfg.SocketPath); err == nil {
		return mpv.NewClient(conn, opts), nil
	} else if !s.cfg.AutoStart {
		return nil, bridge.Wrap(bridge.ErrUnavailable, "player socket not reachable and auto-start disabled", err)
	}

	if err := prepareSocketPath(s.cfg); err != nil {
		return nil, err
	}
	if err := s.spawner.EnsureStarted(); err != nil {
		return nil, err
	}
	if err := waitForSocket(ctx, s.cfg.SocketPath, s.cfg.StartupTimeout); err != nil {
		return nil, err
	}

	conn, err := dialSocket(s.cfg.SocketPath)
	if err != nil {
		return nil, bridge.Wrap(bridge.ErrConnection, "dial after spawn", err)
	}
	return mpv.NewClient(conn, opts), nil
}

func dialSocket(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, 2*time.Second)
}

// waitForSocket blocks until the player creates its socket, watching the
// parent directory instead of polling.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return bridge.Wrap(bridge.ErrConnection, "socket watcher", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return bridge.Wrap(bridge.ErrConnection, "watch "+dir, err)
	}

	// Re-check after the watch is in place: the socket may have appeared in
	// between.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return bridge.Wrap(bridge.ErrConnection, "socket watcher", err)
		case <-deadline.C:
			return bridge.Wrap(bridge.ErrConnection, "player socket did not appear within "+timeout.String(), nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
