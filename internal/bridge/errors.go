// Package bridge holds the error taxonomy shared by every controlled-process
// bridge (the player session and the window-manager session). Callers classify
// failures with errors.Is against the sentinels below; the HTTP gateway maps
// them to status codes.
package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the transport was lost or never established.
	// Every request in flight when a connection dies resolves with it.
	ErrConnection = errors.New("connection lost")

	// ErrProtocol means a malformed frame arrived on an otherwise live
	// connection. A single occurrence is absorbed; repeated occurrences
	// escalate to a reconnect.
	ErrProtocol = errors.New("protocol error")

	// ErrRequestTimeout means no response arrived within the request
	// deadline. The request is not resent automatically.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrProcessSpawn means auto-start failed to launch the controlled
	// process.
	ErrProcessSpawn = errors.New("process spawn failed")

	// ErrUnavailable means there is no live session to route to.
	ErrUnavailable = errors.New("bridge unavailable")
)

// Wrap tags err with one of the sentinel markers above while keeping the
// original error in the chain for errors.Is/As.
func Wrap(marker error, detail string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}
