package mock

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
)

// FakeWM serves the window manager control protocol on a unix socket: magic,
// big-endian length and type tag, responses in request order.
type FakeWM struct {
	listener net.Listener
	path     string

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	keysLog  [][]string
	launches []LaunchRequest
	refuse   string
	stalled  bool
	closed   bool

	wg sync.WaitGroup
}

// LaunchRequest is one recorded launch command.
type LaunchRequest struct {
	Command string `json:"command"`
	Arg     string `json:"arg"`
	Workdir string `json:"workdir"`
}

var wmMagic = [4]byte{'W', 'M', 'B', '1'}

const (
	wmFrameKeys   uint32 = 0x01
	wmFrameLaunch uint32 = 0x02
	wmFramePing   uint32 = 0x03
	wmEventBit    uint32 = 0x8000_0000
)

func NewFakeWM(socketPath string) (*FakeWM, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	f := &FakeWM{
		listener: ln,
		path:     socketPath,
		conns:    make(map[net.Conn]struct{}),
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

func (f *FakeWM) Path() string {
	return f.path
}

func (f *FakeWM) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conns := make([]net.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	f.wg.Wait()
}

// KeyLog returns every keystroke sequence received so far.
func (f *FakeWM) KeyLog() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.keysLog))
	copy(out, f.keysLog)
	return out
}

// Launches returns every launch request received so far.
func (f *FakeWM) Launches() []LaunchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LaunchRequest, len(f.launches))
	copy(out, f.launches)
	return out
}

// SetRefuse makes subsequent requests fail with msg; empty restores success.
func (f *FakeWM) SetRefuse(msg string) {
	f.mu.Lock()
	f.refuse = msg
	f.mu.Unlock()
}

// SetStall makes the server read requests without ever answering, for
// timeout tests.
func (f *FakeWM) SetStall(stalled bool) {
	f.mu.Lock()
	f.stalled = stalled
	f.mu.Unlock()
}

// EmitEvent pushes an unsolicited event frame to every connection.
func (f *FakeWM) EmitEvent(typ uint32, payload []byte) {
	f.mu.Lock()
	conns := make([]net.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		writeWMFrame(c, typ|wmEventBit, payload)
	}
}

func (f *FakeWM) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conns[conn] = struct{}{}
		f.wg.Add(1)
		f.mu.Unlock()

		go f.serve(conn)
	}
}

func (f *FakeWM) serve(conn net.Conn) {
	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	for {
		typ, payload, err := readWMFrame(conn)
		if err != nil {
			return
		}

		f.mu.Lock()
		refuse, stalled := f.refuse, f.stalled
		f.mu.Unlock()

		if stalled {
			continue
		}
		if refuse != "" {
			writeWMResponse(conn, typ, refuse)
			continue
		}

		switch typ {
		case wmFrameKeys:
			var req struct {
				Keys []string `json:"keys"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				writeWMResponse(conn, typ, "bad keys payload")
				continue
			}
			f.mu.Lock()
			f.keysLog = append(f.keysLog, req.Keys)
			f.mu.Unlock()
			writeWMResponse(conn, typ, "")

		case wmFrameLaunch:
			var req LaunchRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				writeWMResponse(conn, typ, "bad launch payload")
				continue
			}
			f.mu.Lock()
			f.launches = append(f.launches, req)
			f.mu.Unlock()
			writeWMResponse(conn, typ, "")

		case wmFramePing:
			writeWMResponse(conn, typ, "")

		default:
			writeWMResponse(conn, typ, "unknown frame type")
		}
	}
}

// writeWMResponse answers a request; an empty errMsg means success.
func writeWMResponse(w io.Writer, typ uint32, errMsg string) error {
	body := struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}{Success: errMsg == "", Error: errMsg}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return writeWMFrame(w, typ, payload)
}

func writeWMFrame(w io.Writer, typ uint32, payload []byte) error {
	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, wmMagic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(4+len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, typ)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readWMFrame(r io.Reader) (uint32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[4:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(body[:4]), body[4:], nil
}
