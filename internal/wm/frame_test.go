package wm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/kiosktv/backend/internal/bridge"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"keys":["F5"]}`)
	if err := writeFrame(&buf, frameKeys, payload); err != nil {
		t.Fatal(err)
	}

	f, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frameKeys {
		t.Errorf("type = %#x", f.Type)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = %q", f.Payload)
	}
	if f.isEvent() {
		t.Error("request frame classified as event")
	}
}

func TestFrameEventBit(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, frameKeys|eventBit, nil); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !f.isEvent() {
		t.Error("event bit lost")
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'X', 'X', 'X', 'X', 0, 0, 0, 4, 0, 0, 0, 1})
	if _, err := readFrame(buf); !errors.Is(err, bridge.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadFrameImplausibleLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frameMagic[:])
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], maxFramePayload+5)
	buf.Write(length[:])
	if _, err := readFrame(&buf); !errors.Is(err, bridge.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestWriteFrameOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frameKeys, make([]byte, maxFramePayload+1))
	if !errors.Is(err, bridge.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodeResponse(t *testing.T) {
	if err := decodeResponse([]byte(`{"success":true}`)); err != nil {
		t.Errorf("success: %v", err)
	}
	err := decodeResponse([]byte(`{"success":false,"error":"no such key"}`))
	if err == nil || !strings.Contains(err.Error(), "no such key") {
		t.Errorf("refusal: %v", err)
	}
	if err := decodeResponse(nil); !errors.Is(err, bridge.ErrProtocol) {
		t.Errorf("empty payload: %v", err)
	}
	if err := decodeResponse([]byte("not json")); !errors.Is(err, bridge.ErrProtocol) {
		t.Errorf("garbage payload: %v", err)
	}
}
