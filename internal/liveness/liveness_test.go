package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiosktv/backend/internal/config"
)

// notifyListener receives sd_notify datagrams for assertions.
type notifyListener struct {
	conn *net.UnixConn
	path string
}

func newNotifyListener(t *testing.T) *notifyListener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &notifyListener{conn: conn, path: path}
}

// recv returns the next datagram, or "" once the deadline passes.
func (l *notifyListener) recv(timeout time.Duration) string {
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	n, err := l.conn.Read(buf)
	if err != nil {
		return ""
	}
	return string(buf[:n])
}

func TestNotifierSendsDatagrams(t *testing.T) {
	l := newNotifyListener(t)
	n := NewNotifier(l.path)

	if !n.Enabled() {
		t.Fatal("notifier should be enabled")
	}
	if err := n.Ready(); err != nil {
		t.Fatal(err)
	}
	if got := l.recv(time.Second); got != "READY=1" {
		t.Errorf("got %q", got)
	}

	if err := n.Status("playing"); err != nil {
		t.Fatal(err)
	}
	if got := l.recv(time.Second); got != "STATUS=playing" {
		t.Errorf("got %q", got)
	}
}

func TestNotifierDisabledIsInert(t *testing.T) {
	n := NewNotifier("")
	if n.Enabled() {
		t.Error("empty socket must disable the notifier")
	}
	if err := n.Ready(); err != nil {
		t.Errorf("disabled notifier errored: %v", err)
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "2000000")
	t.Setenv("WATCHDOG_PID", fmt.Sprint(os.Getpid()))
	d, ok := WatchdogInterval()
	if !ok || d != time.Second {
		t.Errorf("got %s, %v; want 1s, true", d, ok)
	}

	t.Setenv("WATCHDOG_PID", "1")
	if _, ok := WatchdogInterval(); ok {
		t.Error("watchdog for another pid must be ignored")
	}

	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	if _, ok := WatchdogInterval(); ok {
		t.Error("no budget means no watchdog")
	}
}

func TestPulserPulsesWhileHealthy(t *testing.T) {
	l := newNotifyListener(t)

	p := NewPulser(config.LivenessConfig{
		Interval:      10 * time.Millisecond,
		HealthTimeout: time.Second,
		MaxFailures:   3,
	}, NewNotifier(l.path), func(ctx context.Context) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 3; i++ {
		if got := l.recv(time.Second); got != "WATCHDOG=1" {
			t.Fatalf("pulse %d: got %q", i, got)
		}
	}
}

func TestPulserStopsAfterConsecutiveFailures(t *testing.T) {
	l := newNotifyListener(t)

	var healthy atomic.Bool
	healthy.Store(true)
	health := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("player gone")
	}

	p := NewPulser(config.LivenessConfig{
		Interval:      10 * time.Millisecond,
		HealthTimeout: time.Second,
		MaxFailures:   2,
	}, NewNotifier(l.path), health, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	if got := l.recv(time.Second); got != "WATCHDOG=1" {
		t.Fatalf("expected an initial pulse, got %q", got)
	}

	healthy.Store(false)

	// Run returns once the cutoff is reached.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pulser kept running past the failure cutoff")
	}

	// Drain the suspension status and anything buffered before it, then
	// verify silence.
	for {
		got := l.recv(100 * time.Millisecond)
		if got == "" {
			break
		}
		if got != "WATCHDOG=1" && !strings.HasPrefix(got, "STATUS=") {
			t.Errorf("unexpected datagram %q", got)
		}
	}
	if got := l.recv(100 * time.Millisecond); got != "" {
		t.Errorf("datagram after cutoff: %q", got)
	}
}

func TestPulserDisabledWithoutSocket(t *testing.T) {
	p := NewPulser(config.LivenessConfig{
		Interval:      10 * time.Millisecond,
		HealthTimeout: time.Second,
		MaxFailures:   3,
	}, NewNotifier(""), func(ctx context.Context) error { return nil }, nil)

	if p.Enabled() {
		t.Error("pulser enabled with no notify socket")
	}

	// Run must return immediately rather than spin.
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pulser did not return")
	}
}

func TestPulserStatusLine(t *testing.T) {
	l := newNotifyListener(t)

	p := NewPulser(config.LivenessConfig{
		Interval:      10 * time.Millisecond,
		HealthTimeout: time.Second,
		MaxFailures:   3,
	}, NewNotifier(l.path), func(ctx context.Context) error { return nil },
		func() string { return "[PLAY] Big Buck Bunny" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		got := l.recv(time.Second)
		if got == "STATUS=[PLAY] Big Buck Bunny" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("status line never arrived, last datagram %q", got)
		default:
		}
	}
}
