// Package hatest provides a fake Home Assistant websocket API for tests.
package hatest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"nhooyr.io/websocket"
)

// Version is the version announced by the fake.
const Version = "2024.3.0"

// Server accepts a single access token and records the commands it receives.
type Server struct {
	// URL is the http URL of the server, usable as host by ha.NewConnection.
	URL   string
	Token string
	// Fail, if set, is the error code returned to recorder/import_statistics.
	Fail string

	mu       sync.Mutex
	commands []map[string]any
}

// NewServer starts a fake accepting token. It is closed with the test.
func NewServer(t testing.TB, token string) *Server {
	t.Helper()
	s := &Server{Token: token}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Commands returns the commands received after the authentication, decoded as generic JSON.
func (s *Server) Commands() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.commands...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "")
	// import_statistics of a couple of years is above the default limit.
	c.SetReadLimit(16 << 20)
	ctx := r.Context()

	send := func(v any) error {
		b, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		return c.Write(ctx, websocket.MessageText, b)
	}
	recv := func() (map[string]any, error) {
		_, b, err := c.Read(ctx)
		if err != nil {
			return nil, err
		}
		m := map[string]any{}
		return m, sonic.Unmarshal(b, &m)
	}

	if send(map[string]any{"type": "auth_required", "ha_version": Version}) != nil {
		return
	}
	auth, err := recv()
	if err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != s.Token {
		send(map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
		return
	}
	if send(map[string]any{"type": "auth_ok", "ha_version": Version}) != nil {
		return
	}

	for {
		cmd, err := recv()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		fail := s.Fail
		s.mu.Unlock()

		id := cmd["id"]
		// Subscribers get events between the answers.
		send(map[string]any{"id": 999, "type": "event"})
		switch cmd["type"] {
		case "ping":
			send(map[string]any{"id": id, "type": "pong"})
		case "recorder/import_statistics":
			if fail != "" {
				send(map[string]any{"id": id, "type": "result", "success": false, "error": map[string]string{"code": fail, "message": "rejected"}})
				continue
			}
			send(map[string]any{"id": id, "type": "result", "success": true, "result": nil})
		default:
			send(map[string]any{"id": id, "type": "result", "success": false, "error": map[string]string{"code": "unknown_command", "message": "Unknown command."}})
		}
	}
}
