package wm

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/kiosktv/backend/internal/bridge"
)

// Event is an unsolicited frame from the window manager, forwarded to the
// broadcaster as-is.
type Event struct {
	Type    uint32
	Payload []byte
}

// client is one connection to the window manager socket. Responses arrive in
// request order, so pending requests form a queue: the oldest waiter owns the
// next response frame.
type client struct {
	conn           net.Conn
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending []chan result
	closed  bool

	events chan Event
	done   chan struct{}

	errOnce sync.Once
	err     error
}

type result struct {
	payload []byte
	err     error
}

func newClient(conn net.Conn, requestTimeout time.Duration) *client {
	c := &client{
		conn:           conn,
		requestTimeout: requestTimeout,
		events:         make(chan Event, 64),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *client) Events() <-chan Event {
	return c.events
}

func (c *client) Close() {
	c.fail(bridge.Wrap(bridge.ErrConnection, "wm connection closed", nil))
}

// roundtrip sends one request frame and waits for the matching response. The
// wait is bounded by the request timeout; a timeout poisons the connection,
// because with in-order correlation a late response would be credited to the
// next caller.
func (c *client) roundtrip(ctx context.Context, typ uint32, payload []byte) ([]byte, error) {
	respCh := make(chan result, 1)

	// Enqueue and write under the same lock: the queue order must be the
	// write order, or responses get credited to the wrong caller.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, bridge.Wrap(bridge.ErrConnection, "wm request", c.err)
	}
	c.pending = append(c.pending, respCh)
	c.mu.Unlock()
	err := writeFrame(c.conn, typ, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(bridge.Wrap(bridge.ErrConnection, "wm write", err))
		return nil, bridge.Wrap(bridge.ErrConnection, "wm write", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-respCh:
		return res.payload, res.err
	case <-timer.C:
		c.fail(bridge.Wrap(bridge.ErrRequestTimeout, "wm request", nil))
		return nil, bridge.Wrap(bridge.ErrRequestTimeout, "wm request", nil)
	case <-ctx.Done():
		c.fail(bridge.Wrap(bridge.ErrConnection, "wm request cancelled", ctx.Err()))
		return nil, ctx.Err()
	case <-c.done:
		return nil, bridge.Wrap(bridge.ErrConnection, "wm request", c.err)
	}
}

func (c *client) readLoop() {
	defer close(c.events)
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.fail(bridge.Wrap(bridge.ErrConnection, "wm read", err))
			return
		}

		if f.isEvent() {
			select {
			case c.events <- Event{Type: f.Type &^ eventBit, Payload: f.Payload}:
			case <-c.done:
				return
			default:
				// The bridge drains this channel continuously; a full buffer
				// means nobody is listening anymore.
				log.Printf("wm: dropping event frame %#x", f.Type)
			}
			continue
		}

		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.fail(bridge.Wrap(bridge.ErrProtocol, "wm read", errUnsolicitedResponse))
			return
		}
		respCh := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		respCh <- result{payload: f.Payload}
	}
}

var errUnsolicitedResponse = bridge.Wrap(bridge.ErrProtocol, "response frame with no pending request", nil)

// fail tears the connection down once: every queued waiter gets the cause,
// late callers get refused.
func (c *client) fail(cause error) {
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.conn.Close()
		for _, ch := range pending {
			ch <- result{err: bridge.Wrap(bridge.ErrConnection, "wm connection lost", cause)}
		}
		close(c.done)
	})
}

func (c *client) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
