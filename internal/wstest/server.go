// Package wstest runs an in-process realtime server that speaks the status
// page websocket protocol, for tests.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one protocol message as seen by the server.
type Frame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	rooms   map[string]bool
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *client) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is an httptest server with a websocket endpoint at /ws. Other paths
// can be mounted with Handle.
type Server struct {
	srv      *httptest.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[*client]struct{}
	commands    []Frame
	authHeaders []string
	handshakes  int
	rejecting   bool
	greeting    string

	commandCh chan Frame
	connectCh chan struct{}
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*client]struct{}),
		greeting:  "connected",
		commandCh: make(chan Frame, 256),
		connectCh: make(chan struct{}, 64),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.srv = httptest.NewServer(s.mux)
	return s
}

// URL is the http base URL of the server.
func (s *Server) URL() string { return s.srv.URL }

// Handle mounts h at pattern next to the websocket endpoint.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Reject makes subsequent handshakes fail with 503 while on is true.
func (s *Server) Reject(on bool) {
	s.mu.Lock()
	s.rejecting = on
	s.mu.Unlock()
}

// SetGreeting changes the type of the first frame sent to new connections.
func (s *Server) SetGreeting(typ string) {
	s.mu.Lock()
	s.greeting = typ
	s.mu.Unlock()
}

// Handshakes counts upgrade attempts, including rejected ones.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// AuthHeaders returns the Authorization header of every handshake, in order.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.authHeaders)
}

// Commands returns every frame received so far, in order.
func (s *Server) Commands() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// NextCommand waits for the next received frame.
func (s *Server) NextCommand(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-s.commandCh:
		return f, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

// WaitConnected waits for the next accepted connection.
func (s *Server) WaitConnected(timeout time.Duration) bool {
	select {
	case <-s.connectCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Connections counts live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Rooms lists the rooms with at least one member, sorted.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for c := range s.clients {
		for room := range c.rooms {
			if !slices.Contains(out, room) {
				out = append(out, room)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Broadcast sends a frame to every member of room and returns how many
// connections received it.
func (s *Server) Broadcast(room, typ string, payload any) int {
	s.mu.Lock()
	var targets []*client
	for c := range s.clients {
		if c.rooms[room] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if c.write(map[string]any{"type": typ, "payload": payload}) == nil {
			sent++
		}
	}
	return sent
}

// SendAll sends a frame to every connection.
func (s *Server) SendAll(typ string, payload any) {
	for _, c := range s.snapshot() {
		c.write(map[string]any{"type": typ, "payload": payload})
	}
}

// SendRaw writes data as a text frame to every connection.
func (s *Server) SendRaw(data []byte) {
	for _, c := range s.snapshot() {
		c.writeRaw(data)
	}
}

// DropAll closes every connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.snapshot() {
		c.ws.Close()
	}
}

func (s *Server) snapshot() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	rejecting := s.rejecting
	greeting := s.greeting
	s.mu.Unlock()

	if rejecting {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, rooms: make(map[string]bool)}

	message := "Connected to public status updates"
	if r.Header.Get("Authorization") != "" {
		message = "Connected to status updates"
	}
	if err := c.write(map[string]any{"type": greeting, "payload": map[string]string{"message": message}}); err != nil {
		ws.Close()
		return
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	select {
	case s.connectCh <- struct{}{}:
	default:
	}

	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.write(map[string]any{"type": "error", "payload": map[string]string{"message": "invalid frame"}})
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, f)
		s.mu.Unlock()
		select {
		case s.commandCh <- f:
		default:
		}

		s.reply(c, f)
	}
}

func (s *Server) reply(c *client, f Frame) {
	str := func(key string) string {
		v, _ := f.Payload[key].(string)
		return v
	}
	ack := func(typ, message, room string) {
		c.write(map[string]any{"type": typ, "payload": map[string]string{"message": message, "room": room}})
	}
	fail := func(message string) {
		c.write(map[string]any{"type": "error", "payload": map[string]string{"message": message}})
	}

	switch f.Type {
	case "join_organization", "leave_organization":
		id := str("organization_id")
		if id == "" {
			fail("Organization ID required")
			return
		}
		room := "org_" + id
		s.setRoom(c, room, f.Type == "join_organization")
		if f.Type == "join_organization" {
			ack("joined", "Joined organization "+id+" updates", room)
		} else {
			ack("left", "Left organization "+id+" updates", room)
		}
	case "join_public_status", "leave_public_status":
		slug := str("org_slug")
		if slug == "" {
			fail("Organization slug required")
			return
		}
		room := "public_" + slug
		s.setRoom(c, room, f.Type == "join_public_status")
		if f.Type == "join_public_status" {
			ack("joined_public", "Joined public status updates for "+slug, room)
		} else {
			ack("left_public", "Left public status updates for "+slug, room)
		}
	case "ping":
		c.write(map[string]any{"type": "pong", "payload": map[string]string{
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.999999"),
		}})
	}
}

func (s *Server) setRoom(c *client, room string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if member {
		c.rooms[room] = true
	} else {
		delete(c.rooms, room)
	}
}
