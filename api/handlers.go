// Package api serves the request/response side of the chat service:
// hydration reads, identity issuance, health and stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/ratelimit"
	"github.com/zigzag/zzchat/router"
	"github.com/zigzag/zzchat/store"
	"github.com/zigzag/zzchat/transport"
)

const (
	DefaultRegisterLimit  = 20
	DefaultRegisterWindow = 15 * time.Minute

	registerKey = "register"
)

type Options struct {
	Router *router.Router

	// Issuer enables POST /api/auth/register when set.
	Issuer *auth.Issuer

	// RegisterLimiter throttles identity issuance. Nil uses
	// DefaultRegisterLimit per DefaultRegisterWindow.
	RegisterLimiter router.Limiter

	// Connections reports attached websockets for the stats endpoint.
	Connections func() int

	Logger *slog.Logger
}

type Handler struct {
	router      *router.Router
	issuer      *auth.Issuer
	limiter     router.Limiter
	connections func() int
	logger      *slog.Logger

	// history collapses concurrent hydration reads of the same room.
	history singleflight.Group
}

func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RegisterLimiter == nil {
		opts.RegisterLimiter = ratelimit.New(DefaultRegisterLimit, DefaultRegisterWindow, nil)
	}
	return &Handler{
		router:      opts.Router,
		issuer:      opts.Issuer,
		limiter:     opts.RegisterLimiter,
		connections: opts.Connections,
		logger:      opts.Logger,
	}
}

// Routes registers every endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chat/messages", h.messages)
	mux.HandleFunc("GET /api/auth/me", h.me)
	if h.issuer != nil {
		mux.HandleFunc("POST /api/auth/register", h.register)
	}
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)
}

// messages returns the most recent messages of a room, oldest first.
func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	if _, err := h.router.Authenticate(r.Context(), transport.CredentialFromRequest(r)); err != nil {
		h.authFailed(w, err)
		return
	}

	q := r.URL.Query()
	room := model.GlobalRoom
	if raw := q.Get("room"); raw != "" {
		var err error
		if room, err = model.NormalizeRoomName(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		limit = store.DefaultRecent
	}

	msgs, err := h.recent(r.Context(), room, limit)
	if err != nil {
		h.logger.Error("recent messages", "room", room, "error", err)
		writeError(w, http.StatusServiceUnavailable, "messages unavailable")
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// recent shares one store read between callers asking for the same page.
// The shared read is detached from any single caller's cancellation.
func (h *Handler) recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	key := fmt.Sprintf("%s:%d", room, limit)
	v, err, _ := h.history.Do(key, func() (any, error) {
		return h.router.Recent(context.WithoutCancel(ctx), room, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.ChatMessage), nil
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, err := h.router.Authenticate(r.Context(), transport.CredentialFromRequest(r))
	if err != nil {
		h.authFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// register issues a fresh anonymous identity. The token is returned once.
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	if h.limiter.Check(registerKey) == ratelimit.Limited {
		writeError(w, http.StatusTooManyRequests, "too many registrations, try again later")
		return
	}

	reg, err := h.issuer.Register(r.Context())
	if err != nil {
		h.logger.Error("register identity", "error", err)
		writeError(w, http.StatusServiceUnavailable, "registration unavailable")
		return
	}
	h.logger.Info("identity registered", "alias", reg.Alias)
	writeJSON(w, http.StatusCreated, reg)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	router.Stats
	Sockets int `json:"sockets"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Stats: h.router.Stats()}
	if h.connections != nil {
		resp.Sockets = h.connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) authFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrUnavailable) {
		h.logger.Error("authenticate request", "error", err)
	}
	transport.WriteAuthError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
