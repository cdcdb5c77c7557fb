package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// authorizeTerminal accepts the bearer header or a token query param,
// since browser WebSocket clients cannot set headers.
func (s *Server) authorizeTerminal(r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	if s.cfg.AuthToken == "" {
		return false
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// handleTaskTerminal upgrades to a WebSocket and bridges it to the
// task's sandbox attach stream. The session is opened before the
// upgrade so attach failures surface as plain HTTP statuses.
func (s *Server) handleTaskTerminal(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeTerminal(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Sessions == nil {
		http.Error(w, "terminal sessions disabled", http.StatusServiceUnavailable)
		return
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		user = "api"
	}

	sess, err := s.cfg.Sessions.Open(r.Context(), taskID, user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		_ = sess.Close()
		return
	}
	s.logger.Info("terminal attached", "task_id", taskID, "user", user, "session_id", sess.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() {
		_ = sess.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		s.logger.Info("terminal detached", "task_id", taskID, "session_id", sess.ID)
	}()

	// Sandbox output -> WebSocket.
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Warn("terminal read failed", "task_id", taskID, "error", err)
				}
				return
			}
		}
	}()

	// WebSocket -> sandbox input.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if _, err := sess.Write(data); err != nil {
			s.logger.Warn("terminal write failed", "task_id", taskID, "error", err)
			return
		}
	}
}
