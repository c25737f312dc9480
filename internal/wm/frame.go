// Package wm talks to the window manager's control socket. The protocol is
// binary: every frame starts with a fixed magic, then a big-endian length and
// type tag. Responses come back in request order, so correlation is a FIFO
// rather than an id table.
package wm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kiosktv/backend/internal/bridge"
)

var frameMagic = [4]byte{'W', 'M', 'B', '1'}

const (
	// Frame types. The high bit marks unsolicited event frames; everything
	// else is a request/response pair.
	frameKeys   uint32 = 0x01
	frameLaunch uint32 = 0x02
	framePing   uint32 = 0x03

	eventBit uint32 = 0x8000_0000

	// maxFramePayload bounds a single frame. Anything larger is a framing
	// desync, not a real message.
	maxFramePayload = 1 << 20
)

type frame struct {
	Type    uint32
	Payload []byte
}

func (f frame) isEvent() bool {
	return f.Type&eventBit != 0
}

// writeFrame emits magic | length | type | payload, where length covers the
// type tag and the payload.
func writeFrame(w io.Writer, typ uint32, payload []byte) error {
	if len(payload) > maxFramePayload {
		return bridge.Wrap(bridge.ErrProtocol, "wm frame", fmt.Errorf("payload of %d bytes exceeds limit", len(payload)))
	}

	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, frameMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, typ)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame consumes one frame. A bad magic or oversized length means the
// stream is desynced and the connection is unusable.
func readFrame(r io.Reader) (frame, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	if [4]byte(header[:4]) != frameMagic {
		return frame{}, bridge.Wrap(bridge.ErrProtocol, "wm frame", fmt.Errorf("bad magic %x", header[:4]))
	}

	length := binary.BigEndian.Uint32(header[4:])
	if length < 4 || length > maxFramePayload+4 {
		return frame{}, bridge.Wrap(bridge.ErrProtocol, "wm frame", fmt.Errorf("implausible length %d", length))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	return frame{
		Type:    binary.BigEndian.Uint32(body[:4]),
		Payload: body[4:],
	}, nil
}

// Response payloads are JSON: {"success":bool,"error":string}.
func decodeResponse(payload []byte) error {
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return bridge.Wrap(bridge.ErrProtocol, "wm response", err)
	}
	if !body.Success {
		return fmt.Errorf("window manager refused: %s", body.Error)
	}
	return nil
}
