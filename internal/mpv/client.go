package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/kiosktv/backend/internal/bridge"
)

// CommandError is a failure the player reported for a single command. The
// connection stays healthy; only the one request failed.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string {
	return "mpv: " + e.Reason
}

// Options tune a single client connection.
type Options struct {
	// RequestTimeout bounds how long a request may stay unresolved.
	RequestTimeout time.Duration
	// MalformedFrameLimit is the number of consecutive malformed lines
	// after which the connection is closed with a protocol error.
	MalformedFrameLimit int
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

func (o *Options) fillDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.MalformedFrameLimit < 1 {
		o.MalformedFrameLimit = 5
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
}

type result struct {
	data json.RawMessage
	err  error
}

// Client owns one connection to the player's control socket. It correlates
// requests to responses by id and demultiplexes unsolicited events onto the
// Events channel in arrival order. The correlation counter and pending table
// are scoped to this connection; a reconnect builds a fresh Client.
type Client struct {
	conn net.Conn
	opts Options

	// writeMu serializes socket writes (the write path is single-writer).
	// It is separate from mu so a blocking write never stalls response
	// resolution.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan result
	nextID  int64
	closed  bool

	events chan *Event
	done   chan struct{}

	errOnce sync.Once
	err     error
}

// NewClient wraps an established connection and starts the read loop.
func NewClient(conn net.Conn, opts Options) *Client {
	opts.fillDefaults()
	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[int64]chan result),
		events:  make(chan *Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events yields the player's unsolicited notifications in arrival order.
// The channel closes when the connection dies.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Done closes when the connection has failed or been closed; Err then
// reports the terminal cause.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close tears the connection down, resolving every in-flight request with a
// connection error.
func (c *Client) Close() error {
	c.fail(bridge.ErrConnection)
	return nil
}

// Send issues one command and waits for its response, the request timeout,
// ctx cancellation, or connection teardown, whichever comes first. A request
// that times out or is cancelled is unregistered, so its id slot cannot be
// resolved with a later stray response.
func (c *Client) Send(ctx context.Context, command ...any) (json.RawMessage, error) {
	id, ch, err := c.register()
	if err != nil {
		return nil, err
	}

	frame, err := EncodeRequest(Request{Command: command, RequestID: id})
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("encode command: %w", err)
	}

	c.writeMu.Lock()
	select {
	case <-c.done:
		c.writeMu.Unlock()
		c.unregister(id)
		return nil, bridge.Wrap(bridge.ErrConnection, "send", c.err)
	default:
	}
	_, werr := c.conn.Write(frame)
	c.writeMu.Unlock()
	if werr != nil {
		c.unregister(id)
		c.fail(bridge.Wrap(bridge.ErrConnection, "write", werr))
		return nil, bridge.Wrap(bridge.ErrConnection, "write", werr)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		c.unregister(id)
		return nil, bridge.Wrap(bridge.ErrRequestTimeout, fmt.Sprintf("request %d after %s", id, c.opts.RequestTimeout), nil)
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, bridge.Wrap(bridge.ErrConnection, fmt.Sprintf("request %d", id), c.err)
	}
}

func (c *Client) register() (int64, chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, bridge.Wrap(bridge.ErrConnection, "register", c.err)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan result, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	// The read loop is the sole sender on c.events, so it alone closes it.
	defer close(c.events)

	scanner := bufio.NewScanner(c.conn)
	// Playlist and track-list payloads can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	malformed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeLine(line)
		if err != nil {
			malformed++
			log.Printf("mpv: dropping malformed frame (%d/%d): %v", malformed, c.opts.MalformedFrameLimit, err)
			if malformed >= c.opts.MalformedFrameLimit {
				c.fail(bridge.Wrap(bridge.ErrProtocol, fmt.Sprintf("%d consecutive malformed frames", malformed), nil))
				return
			}
			continue
		}
		malformed = 0

		switch {
		case msg.Response != nil:
			c.resolve(msg.Response)
		case msg.Event != nil:
			// Blocking send: arrival order must survive to the session's
			// event path. The single consumer drains promptly and drops
			// slow subscribers downstream instead.
			select {
			case c.events <- msg.Event:
			case <-c.done:
				return
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("connection closed by peer")
	}
	c.fail(bridge.Wrap(bridge.ErrConnection, "read", err))
}

func (c *Client) resolve(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		// Already timed out or cancelled; the id slot was reclaimed.
		log.Printf("mpv: dropping response for unknown request %d", resp.RequestID)
		return
	}

	if resp.Succeeded() {
		ch <- result{data: resp.Data}
	} else {
		ch <- result{err: &CommandError{Reason: resp.Err}}
	}
}

// fail records the terminal error, closes the transport, and resolves every
// pending request with a connection error so nothing is left hanging.
func (c *Client) fail(cause error) {
	c.errOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		pending := c.pending
		c.pending = make(map[int64]chan result)
		c.mu.Unlock()

		c.conn.Close()
		for id, ch := range pending {
			ch <- result{err: bridge.Wrap(bridge.ErrConnection, fmt.Sprintf("request %d unresolved at teardown", id), nil)}
		}
		close(c.done)
	})
}
