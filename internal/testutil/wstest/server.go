// Package wstest provides an in-process orchestration server for tests that
// exercise the agent over a real WebSocket.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stamn/agent/internal/wire"
)

// Options configures the fake server's automatic replies.
type Options struct {
	// APIKey, when set, enables automatic authentication: matching keys are
	// answered with server:authenticated, anything else with server:auth_error.
	APIKey string
	// AckHeartbeats answers every agent:heartbeat with server:heartbeat_ack.
	AckHeartbeats bool
	// ServerVersion is reported in server:authenticated.
	ServerVersion string
}

// Server is a fake orchestration server. At most one agent connection is
// considered current; earlier ones are kept open until closed by either side.
type Server struct {
	srv      *httptest.Server
	opts     Options
	upgrader gorilla.Upgrader

	mu      sync.Mutex
	current *gorilla.Conn
	writeMu sync.Mutex
	accepts int

	frames   chan wire.Envelope
	accepted chan struct{}
}

// New starts a fake server and registers its shutdown with t.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.ServerVersion == "" {
		opts.ServerVersion = "1.0"
	}
	s := &Server{
		opts:     opts,
		upgrader: gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		frames:   make(chan wire.Envelope, 1024),
		accepted: make(chan struct{}, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", s.handle)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL returns the HTTP base address of the server.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server and every connection down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.current != nil {
		_ = s.current.Close()
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.current = conn
	s.accepts++
	s.mu.Unlock()
	s.accepted <- struct{}{}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		s.autoReply(conn, env)
		s.frames <- env
	}
}

func (s *Server) autoReply(conn *gorilla.Conn, env wire.Envelope) {
	switch env.Event {
	case wire.EventAuthenticate:
		if s.opts.APIKey == "" {
			return
		}
		var p wire.AuthenticatePayload
		_ = json.Unmarshal(env.Data, &p)
		if p.APIKey == s.opts.APIKey {
			s.writeTo(conn, wire.EventAuthenticated, wire.AuthenticatedPayload{
				AgentID:       p.AgentID,
				ServerVersion: s.opts.ServerVersion,
			})
			return
		}
		s.writeTo(conn, wire.EventAuthError, wire.AuthErrorPayload{Reason: "invalid api key"})
	case wire.EventHeartbeat:
		if s.opts.AckHeartbeats {
			s.writeTo(conn, wire.EventHeartbeatAck, map[string]any{})
		}
	}
}

func (s *Server) writeTo(conn *gorilla.Conn, event string, data any) {
	raw, err := wire.Encode(event, data)
	if err != nil {
		return
	}
	s.writeRawTo(conn, raw)
}

func (s *Server) writeRawTo(conn *gorilla.Conn, raw []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(gorilla.TextMessage, raw)
}

func (s *Server) conn() *gorilla.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Send writes an envelope to the current connection.
func (s *Server) Send(t testing.TB, event string, data any) {
	t.Helper()
	raw, err := wire.Encode(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	s.SendRaw(t, raw)
}

// SendRaw writes raw bytes as a text frame to the current connection.
func (s *Server) SendRaw(t testing.TB, raw []byte) {
	t.Helper()
	conn := s.conn()
	if conn == nil {
		t.Fatalf("no agent connected")
	}
	s.writeRawTo(conn, raw)
}

// CloseCurrent sends a close frame with code and closes the current
// connection.
func (s *Server) CloseCurrent(code int, reason string) {
	conn := s.conn()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
}

// Accepts returns how many connections were accepted so far.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// WaitAccept blocks until one more connection is accepted.
func (s *Server) WaitAccept(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.accepted:
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for agent connection")
	}
}

// Expect returns the next received frame tagged event, discarding frames with
// other tags.
func (s *Server) Expect(t testing.TB, event string, timeout time.Duration) wire.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-s.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", event)
			return wire.Envelope{}
		}
	}
}

// ExpectNone asserts that no frame tagged event arrives within window.
func (s *Server) ExpectNone(t testing.TB, event string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env := <-s.frames:
			if env.Event == event {
				t.Fatalf("unexpected %s frame: %s", event, env.Data)
			}
		case <-deadline:
			return
		}
	}
}
