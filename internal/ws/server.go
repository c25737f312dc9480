package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kiosktv/backend/internal/bridge"
	"github.com/kiosktv/backend/internal/config"
	"github.com/kiosktv/backend/internal/dispatch"
	"github.com/kiosktv/backend/internal/mpv"
	"github.com/kiosktv/backend/internal/player"
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueue hands a marshalled message to the write pump without blocking;
// false means the client is hopelessly behind.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendMessage(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal error: %v", err)
		return true
	}
	return c.enqueue(data)
}

// Server is the gateway. It owns no player state: everything routes through
// the dispatcher.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	spawner    *player.Spawner

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu      sync.Mutex
	clients map[*client]bool
}

func NewServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, spawner *player.Spawner) *Server {
	s := &Server{
		cfg:            cfg,
		dispatcher:     dispatcher,
		spawner:        spawner,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		clients:        make(map[*client]bool),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/load", s.handleLoad)
	mux.HandleFunc("/api/play", s.handlePlay)
	mux.HandleFunc("/api/volume", s.handleVolume)
	mux.HandleFunc("/api/time", s.handleTime)
	mux.HandleFunc("/api/playlist", s.handlePlaylist)
	mux.HandleFunc("/api/playlist/", s.handlePlaylistRoutes)
	mux.HandleFunc("/api/subtitle", s.handleSubtitle)
	mux.HandleFunc("/api/wm/keys", s.handleWMKeys)
	mux.HandleFunc("/api/wm/launch", s.handleWMLaunch)
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// --- WebSocket ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	log.Printf("ws: client connected: %s", r.RemoteAddr)
	c := newClient(conn)

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	// The snapshot goes out before the subscription starts delivering, so
	// the client never sees an event older than its baseline.
	c.sendMessage(WSMessage{Type: MsgInitialState, Payload: s.initialState()})

	sub := s.dispatcher.Broadcaster().Subscribe(nil)
	go s.eventPump(c, sub)

	s.publishConnectionCount()

	defer func() {
		s.dispatcher.Broadcaster().Unsubscribe(sub.ID)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		s.publishConnectionCount()
		log.Printf("ws: client disconnected: %s", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleWSCommand(r.Context(), c, data)
	}
}

func (s *Server) initialState() InitialStatePayload {
	payload := InitialStatePayload{Connection: s.dispatcher.PlayerState()}
	if snap, ok := s.dispatcher.Snapshot(); ok {
		payload.Snapshot = &snap
	}
	return payload
}

// eventPump forwards one subscription to one client until either side drops.
func (s *Server) eventPump(c *client, sub *dispatch.Subscription) {
	for ev := range sub.Events() {
		msg := WSMessage{Type: MsgEvent, Payload: EventPayload{Event: ev}}
		if ev.Source == dispatch.SourceService && ev.Name == "connection_count" {
			var payload ConnectionCountPayload
			if json.Unmarshal(ev.Payload, &payload) == nil {
				msg = WSMessage{Type: MsgConnectionCount, Payload: payload}
			}
		}
		if !c.sendMessage(msg) {
			log.Printf("ws: client too slow, disconnecting")
			break
		}
	}
	// Subscription evicted or unsubscribed; tear the socket down so the
	// client reconnects for a fresh snapshot instead of resuming a gapped
	// stream.
	c.close()
}

func (s *Server) handleWSCommand(ctx context.Context, c *client, data []byte) {
	cmd, err := parseCommand(data)
	if err != nil {
		c.sendMessage(WSMessage{Type: MsgError, Payload: ResponsePayload{Error: err.Error()}})
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.cfg.Player.RequestTimeout)
	defer cancel()

	s.cfg.Debugf("ws: command %s (id %q)", cmd.Action, cmd.ID)
	value, err := execute(cmdCtx, s.dispatcher, cmd)
	resp := ResponsePayload{ID: cmd.ID, Success: err == nil, Value: value}
	if err != nil {
		resp.Error = err.Error()
	}
	c.sendMessage(WSMessage{Type: MsgResponse, Payload: resp})
}

func (s *Server) publishConnectionCount() {
	payload, err := json.Marshal(ConnectionCountPayload{Count: s.ClientCount()})
	if err != nil {
		return
	}
	s.dispatcher.Broadcaster().Publish(dispatch.SourceService, "connection_count", payload)
}

// --- REST ---

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func writeResult(w http.ResponseWriter, value any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(httpStatus(err))
		json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(envelope{Success: true, Value: value})
}

// httpStatus maps the error taxonomy onto status codes: refusals are the
// client's fault, availability and transport failures are gateway errors.
func httpStatus(err error) int {
	var bad errBadCommand
	var cmdErr *mpv.CommandError
	switch {
	case errors.As(err, &bad), errors.As(err, &cmdErr):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrConnection), errors.Is(err, bridge.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) run(r *http.Request, cmd Command) (any, error) {
	if r.URL.Query().Get("wait") == "true" {
		cmd.Wait = true
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Player.RequestTimeout)
	defer cancel()
	return execute(ctx, s.dispatcher, cmd)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badCommand("malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var cmd Command
	if err := decodeBody(r, &cmd); err != nil {
		writeResult(w, nil, err)
		return
	}
	if cmd.Action == "" {
		writeResult(w, nil, badCommand("command has no action"))
		return
	}
	value, err := s.run(r, cmd)
	writeResult(w, value, err)
}

// StatusPayload is the /api/status body.
type StatusPayload struct {
	Connection player.State         `json:"connection"`
	Snapshot   *player.Snapshot     `json:"snapshot,omitempty"`
	Process    *player.ProcessStats `json:"process,omitempty"`
	Clients    int                  `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := StatusPayload{
		Connection: s.dispatcher.PlayerState(),
		Clients:    s.ClientCount(),
	}
	if snap, ok := s.dispatcher.Snapshot(); ok {
		payload.Snapshot = &snap
	}
	if s.spawner != nil {
		if stats, err := s.spawner.Stats(); err == nil {
			payload.Process = stats
		}
	}
	writeResult(w, payload, nil)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeResult(w, nil, err)
		return
	}
	if body.URL == "" {
		body.URL = r.URL.Query().Get("path")
	}
	value, err := s.run(r, Command{Action: "load", URL: body.URL})
	writeResult(w, value, err)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.dispatcher.Session()
		if err != nil {
			writeResult(w, nil, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Player.RequestTimeout)
		defer cancel()
		paused, err := sess.IsPaused(ctx)
		if err != nil {
			writeResult(w, nil, err)
			return
		}
		writeResult(w, map[string]bool{"playing": !paused}, nil)
	case http.MethodPost:
		var body struct {
			Play *bool `json:"play"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeResult(w, nil, err)
			return
		}
		cmd := Command{Action: "toggle_playback"}
		if body.Play != nil {
			if *body.Play {
				cmd = Command{Action: "play"}
			} else {
				cmd = Command{Action: "pause"}
			}
		}
		value, err := s.run(r, cmd)
		writeResult(w, value, err)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		value, err := s.run(r, Command{Action: "volume"})
		writeResult(w, value, err)
	case http.MethodPost:
		var body struct {
			Volume *float64 `json:"volume"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeResult(w, nil, err)
			return
		}
		if body.Volume == nil {
			writeResult(w, nil, badCommand("volume requires a volume field"))
			return
		}
		value, err := s.run(r, Command{Action: "volume", Value: body.Volume})
		writeResult(w, value, err)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		value, err := s.run(r, Command{Action: "time"})
		writeResult(w, value, err)
	case http.MethodPost:
		var body struct {
			Pos     *float64 `json:"pos"`
			Percent *float64 `json:"percent"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeResult(w, nil, err)
			return
		}
		var cmd Command
		switch {
		case body.Pos != nil:
			cmd = Command{Action: "time", Value: body.Pos}
		case body.Percent != nil:
			cmd = Command{Action: "seek_percent", Value: body.Percent}
		default:
			writeResult(w, nil, badCommand("seek requires pos or percent"))
			return
		}
		value, err := s.run(r, cmd)
		writeResult(w, value, err)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		value, err := s.run(r, Command{Action: "playlist"})
		writeResult(w, value, err)
	case http.MethodDelete:
		value, err := s.run(r, Command{Action: "playlist_clear"})
		writeResult(w, value, err)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlaylistRoutes(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/playlist/")
	if action == "loop" && r.Method == http.MethodGet {
		value, err := s.run(r, Command{Action: "get_looping"})
		writeResult(w, value, err)
		return
	}
	if !requirePost(w, r) {
		return
	}

	var body struct {
		Index *int  `json:"index"`
		From  *int  `json:"from"`
		To    *int  `json:"to"`
		Loop  *bool `json:"loop"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeResult(w, nil, err)
		return
	}

	var cmd Command
	switch action {
	case "next":
		cmd = Command{Action: "playlist_next"}
	case "previous":
		cmd = Command{Action: "playlist_previous"}
	case "goto":
		cmd = Command{Action: "playlist_goto", Index: body.Index}
	case "clear":
		cmd = Command{Action: "playlist_clear"}
	case "remove":
		cmd = Command{Action: "playlist_remove", Index: body.Index}
	case "move":
		cmd = Command{Action: "playlist_move", From: body.From, To: body.To}
	case "shuffle":
		cmd = Command{Action: "shuffle"}
	case "loop":
		cmd = Command{Action: "set_looping", Loop: body.Loop}
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	value, err := s.run(r, cmd)
	writeResult(w, value, err)
}

func (s *Server) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Track *int `json:"track"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeResult(w, nil, err)
		return
	}
	value, err := s.run(r, Command{Action: "set_subtitle_track", Track: body.Track})
	writeResult(w, value, err)
}

func (s *Server) handleWMKeys(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeResult(w, nil, err)
		return
	}
	value, err := s.run(r, Command{Action: "wm_keys", Keys: body.Keys})
	writeResult(w, value, err)
}

func (s *Server) handleWMLaunch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeResult(w, nil, err)
		return
	}
	value, err := s.run(r, Command{Action: "wm_launch", URL: body.URL})
	writeResult(w, value, err)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
