// Package transport attaches chat sessions to websocket connections.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/router"
	"github.com/zigzag/zzchat/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// A full-length message of four-byte runes plus its envelope.
	maxMessageSize = 16 << 10
)

type Options struct {
	// AllowedOrigins lists the browser origins accepted on the handshake.
	// Empty allows every origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the http.Handler for the websocket endpoint.
type Server struct {
	router   *router.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

func NewServer(r *router.Router, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		router:   r,
		logger:   opts.Logger,
		sessions: make(map[string]*session.Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP authenticates before upgrading, so a rejected client gets a
// plain HTTP error instead of a websocket close.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.upgrader.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := s.router.Open(r.Context(), CredentialFromRequest(r))
	if err != nil {
		s.logger.Debug("handshake rejected", "error", err)
		WriteAuthError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade error", "error", err)
		s.router.Close(sess)
		return
	}

	if !s.track(sess) {
		s.router.Close(sess)
		ws.Close()
		return
	}
	defer s.untrack(sess)

	if err := s.router.Activate(sess); err != nil {
		s.logger.Error("activate session", "session", sess.ID(), "error", err)
		s.router.Close(sess)
		ws.Close()
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c := &conn{ws: ws, sess: sess}
	go c.writePump()
	go c.readPump(ctx)

	if err := sess.Run(ctx, s.router); err != nil {
		sess.Logger().Error("session ended", "error", err)
	}
	s.router.Close(sess)
}

func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Close stops every live session. Each connection receives a close frame
// after its pending frames and new handshakes are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}

// Len returns the number of attached connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// conn pumps frames between a websocket and its session.
type conn struct {
	ws   *websocket.Conn
	sess *session.Session
}

func (c *conn) readPump(ctx context.Context) {
	defer func() {
		c.sess.Stop()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.sess.Logger().Warn("read error", "error", err)
			}
			return
		}

		ev, err := model.DecodeInbound(data)
		if err != nil {
			ev = model.InvalidEvent{Err: err}
		}
		if err := c.sess.Enqueue(ctx, ev); err != nil {
			return
		}
	}
}

func (c *conn) writePump() {
	outbox := c.sess.Outbox()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.sess.Stop()
	}()

	for {
		select {
		case <-outbox.Ready():
			if !c.flush() {
				return
			}
		case <-outbox.Done():
			if c.flush() {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) flush() bool {
	for _, frame := range c.sess.Outbox().Drain() {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
	}
	return true
}
