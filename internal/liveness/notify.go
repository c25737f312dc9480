// Package liveness integrates with the host process manager: a readiness
// signal once the first player connection is up, and watchdog pulses that
// stop when the service is genuinely unhealthy, so the manager restarts it.
package liveness

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Notifier sends sd_notify datagrams. A Notifier with no socket is inert, so
// callers never need to special-case running outside the process manager.
type Notifier struct {
	socket string
}

// NewNotifier targets an explicit notification socket; empty means disabled.
func NewNotifier(socket string) *Notifier {
	return &Notifier{socket: socket}
}

// NotifierFromEnv reads NOTIFY_SOCKET the way the process manager passes it.
func NotifierFromEnv() *Notifier {
	return NewNotifier(os.Getenv("NOTIFY_SOCKET"))
}

func (n *Notifier) Enabled() bool {
	return n.socket != ""
}

// Ready reports startup complete. Sent exactly once by the caller, after the
// first player connection.
func (n *Notifier) Ready() error {
	return n.send("READY=1")
}

// Stopping reports orderly shutdown has begun.
func (n *Notifier) Stopping() error {
	return n.send("STOPPING=1")
}

// Watchdog is one keep-alive pulse.
func (n *Notifier) Watchdog() error {
	return n.send("WATCHDOG=1")
}

// Status publishes a one-line human-readable state.
func (n *Notifier) Status(msg string) error {
	return n.send("STATUS=" + msg)
}

// send writes one datagram. Each send dials fresh; the socket is connectionless
// and the manager only cares about the payload.
func (n *Notifier) send(state string) error {
	if n.socket == "" {
		return nil
	}

	name := n.socket
	if name[0] == '@' {
		// Abstract socket namespace.
		name = "\x00" + name[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: name, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("notify socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("notify %q: %w", state, err)
	}
	return nil
}

// WatchdogInterval derives the pulse interval from the process manager's
// watchdog budget: half of WATCHDOG_USEC, so a pulse can be late once without
// tripping the deadline. Returns false when no watchdog is armed for this
// process.
func WatchdogInterval() (time.Duration, bool) {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return 0, false
	}
	usec, err := strconv.ParseInt(usecStr, 10, 64)
	if err != nil || usec <= 0 {
		return 0, false
	}

	// WATCHDOG_PID scopes the watchdog to one process; ignore a budget meant
	// for someone else.
	if pidStr := os.Getenv("WATCHDOG_PID"); pidStr != "" {
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid != os.Getpid() {
			return 0, false
		}
	}

	return time.Duration(usec) * time.Microsecond / 2, true
}
