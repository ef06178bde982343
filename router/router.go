// Package router is the chat coordinator. It authenticates new sessions,
// validates inbound events, persists messages and fans frames out to room
// members through the presence registry.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/presence"
	"github.com/zigzag/zzchat/ratelimit"
	"github.com/zigzag/zzchat/sanitize"
	"github.com/zigzag/zzchat/session"
	"github.com/zigzag/zzchat/store"
)

const (
	DefaultTypingTimeout      = 2 * time.Second
	DefaultMaxRoomsPerSession = 16
)

// Authenticator resolves a connection credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (model.Identity, error)
}

// Limiter throttles sends per session.
type Limiter interface {
	Check(key string) ratelimit.Decision
	Release(key string)
}

type Config struct {
	Authenticator Authenticator
	Limiter       Limiter
	Store         store.MessageStore
	Presence      *presence.Registry
	Clock         clock.Clock
	Logger        *slog.Logger

	QueueSize          int
	InboundBuffer      int
	TypingTimeout      time.Duration
	MaxRoomsPerSession int
}

type Router struct {
	auth     Authenticator
	limiter  Limiter
	store    store.MessageStore
	presence *presence.Registry
	clock    clock.Clock
	logger   *slog.Logger

	queueSize     int
	inboundBuffer int
	typingTimeout time.Duration
	maxRooms      int

	connections atomic.Int64
	messages    atomic.Int64
	limited     atomic.Int64
}

func New(cfg Config) (*Router, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("router: authenticator is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("router: message store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow, cfg.Clock)
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.MaxRoomsPerSession <= 0 {
		cfg.MaxRoomsPerSession = DefaultMaxRoomsPerSession
	}

	return &Router{
		auth:          cfg.Authenticator,
		limiter:       cfg.Limiter,
		store:         cfg.Store,
		presence:      cfg.Presence,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		queueSize:     cfg.QueueSize,
		inboundBuffer: cfg.InboundBuffer,
		typingTimeout: cfg.TypingTimeout,
		maxRooms:      cfg.MaxRoomsPerSession,
	}, nil
}

// Open authenticates credential and returns a session in the Authenticated
// state. On failure the session is closed and the auth error returned.
func (r *Router) Open(ctx context.Context, credential string) (*session.Session, error) {
	sess := session.New(session.Options{
		Clock:         r.clock,
		QueueSize:     r.queueSize,
		InboundBuffer: r.inboundBuffer,
		Logger:        r.logger,
	})

	identity, err := r.auth.Authenticate(ctx, credential)
	if err != nil {
		sess.Fail()
		return nil, err
	}
	sess.Authenticate(identity)
	return sess, nil
}

// Activate joins sess to the global room, announces it and moves it to
// Active.
func (r *Router) Activate(sess *session.Session) error {
	if sess.State() != session.Authenticated {
		return ErrNotAuthenticated
	}
	sess.JoinRoom(model.GlobalRoom)
	r.enterRoom(sess, model.GlobalRoom)
	if !sess.Activate() {
		return ErrNotAuthenticated
	}
	r.connections.Add(1)
	sess.Logger().Info("session active", "alias", sess.Identity().Alias)
	return nil
}

// Close tears sess down: typing indicators are cleared, every room is left
// with a fresh occupancy announcement and limiter state is released.
func (r *Router) Close(sess *session.Session) {
	wasActive := sess.State() == session.Active
	if !sess.BeginClose() {
		return
	}

	alias := sess.Identity().Alias
	for _, room := range sess.StopAllTyping() {
		r.broadcast(room, model.EventStopTyping, model.TypingPayload{Alias: alias, Room: room}, sess.ID())
	}
	for _, room := range sess.Rooms() {
		sess.LeaveRoom(room)
		r.exitRoom(sess, room)
	}
	r.limiter.Release(sess.ID())

	sess.Finish()
	if wasActive {
		r.connections.Add(-1)
	}
	sess.Logger().Info("session closed", "alias", alias, "dropped", sess.Outbox().Dropped())
}

// Handle implements session.Handler.
func (r *Router) Handle(ctx context.Context, sess *session.Session, ev model.InboundEvent) {
	var err error
	switch ev := ev.(type) {
	case model.SendEvent:
		err = r.handleSend(ctx, sess, ev)
	case model.TypingStartEvent:
		err = r.handleTypingStart(sess, ev)
	case model.TypingStopEvent:
		err = r.handleTypingStop(sess, ev)
	case model.RoomJoinEvent:
		err = r.handleRoomJoin(sess, ev)
	case model.RoomLeaveEvent:
		err = r.handleRoomLeave(sess, ev)
	case model.InvalidEvent:
		err = invalid(CodeBadFrame, "%v", ev.Err)
	default:
		err = invalid(CodeBadFrame, "unsupported event %T", ev)
	}
	if err != nil {
		r.reject(sess, err)
	}
}

func (r *Router) reject(sess *session.Session, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		r.unicast(sess, model.EventError, model.ErrorPayload{Code: verr.Code, Message: verr.Message})
	case errors.Is(err, ErrRateLimited):
		r.limited.Add(1)
		r.unicast(sess, model.EventRateLimited, nil)
	case errors.Is(err, store.ErrUnavailable):
		sess.Logger().Error("message dropped", "error", err)
	default:
		sess.Logger().Error("event failed", "error", err)
	}
}

func (r *Router) handleSend(ctx context.Context, sess *session.Session, ev model.SendEvent) error {
	room, err := r.memberRoom(sess, ev.Room)
	if err != nil {
		return err
	}
	if r.limiter.Check(sess.ID()) == ratelimit.Limited {
		return ErrRateLimited
	}

	msg, err := buildMessage(ev)
	if err != nil {
		return err
	}
	msg.Sender = sess.Identity()
	msg.Room = room

	stored, err := r.store.Append(ctx, msg)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	r.messages.Add(1)

	if sess.StopTyping(room, false) {
		r.broadcast(room, model.EventStopTyping, model.TypingPayload{Alias: msg.Sender.Alias, Room: room}, sess.ID())
	}
	r.broadcast(room, model.EventMessage, stored, "")
	return nil
}

func buildMessage(ev model.SendEvent) (model.ChatMessage, error) {
	content := sanitize.Text(ev.Content)
	if content == "" {
		return model.ChatMessage{}, invalid(CodeEmptyMessage, "message is empty")
	}
	if n := utf8.RuneCountInString(content); n > model.MaxContentLength {
		return model.ChatMessage{}, invalid(CodeMessageTooLong, "message is %d characters, limit is %d", n, model.MaxContentLength)
	}

	msg := model.ChatMessage{Content: content, Kind: model.KindText}
	if ev.Kind == model.KindImage {
		if !validImageURL(ev.ImageURL) {
			return model.ChatMessage{}, invalid(CodeInvalidImageURL, "image URL must be an absolute http or https URL")
		}
		msg.Kind = model.KindImage
		msg.ImageURL = ev.ImageURL
	}
	return msg, nil
}

func validImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// memberRoom resolves the target room of an event, defaulting to global,
// and checks that sess has joined it.
func (r *Router) memberRoom(sess *session.Session, raw string) (string, error) {
	if raw == "" {
		return model.GlobalRoom, nil
	}
	room, err := model.NormalizeRoomName(raw)
	if err != nil {
		return "", invalid(CodeInvalidRoom, "%v", err)
	}
	if !sess.InRoom(room) {
		return "", invalid(CodeNotInRoom, "not a member of %q", room)
	}
	return room, nil
}

func (r *Router) handleTypingStart(sess *session.Session, ev model.TypingStartEvent) error {
	room, err := r.memberRoom(sess, ev.Room)
	if err != nil {
		return err
	}
	if sess.StartTyping(room, r.typingTimeout) {
		r.broadcast(room, model.EventTyping, model.TypingPayload{Alias: sess.Identity().Alias, Room: room}, sess.ID())
	}
	return nil
}

func (r *Router) handleTypingStop(sess *session.Session, ev model.TypingStopEvent) error {
	room := ev.Room
	if room == "" {
		room = model.GlobalRoom
	}
	if sess.StopTyping(room, ev.Expired) {
		r.broadcast(room, model.EventStopTyping, model.TypingPayload{Alias: sess.Identity().Alias, Room: room}, sess.ID())
	}
	return nil
}

func (r *Router) handleRoomJoin(sess *session.Session, ev model.RoomJoinEvent) error {
	room, err := model.NormalizeRoomName(ev.Name)
	if err != nil {
		return invalid(CodeInvalidRoom, "%v", err)
	}
	if sess.InRoom(room) {
		r.unicast(sess, model.EventRoomJoined, model.RoomPayload{Name: room})
		return nil
	}
	if sess.RoomCount() >= r.maxRooms {
		return invalid(CodeTooManyRooms, "at most %d rooms per connection", r.maxRooms)
	}

	sess.JoinRoom(room)
	r.unicast(sess, model.EventRoomJoined, model.RoomPayload{Name: room})
	r.enterRoom(sess, room)
	return nil
}

func (r *Router) handleRoomLeave(sess *session.Session, ev model.RoomLeaveEvent) error {
	room, err := model.NormalizeRoomName(ev.Name)
	if err != nil {
		return invalid(CodeInvalidRoom, "%v", err)
	}
	if room == model.GlobalRoom {
		return invalid(CodeCannotLeave, "the global room cannot be left")
	}

	if sess.StopTyping(room, false) {
		r.broadcast(room, model.EventStopTyping, model.TypingPayload{Alias: sess.Identity().Alias, Room: room}, sess.ID())
	}
	if sess.LeaveRoom(room) {
		r.exitRoom(sess, room)
	}
	r.unicast(sess, model.EventRoomLeft, model.RoomPayload{Name: room})
	return nil
}

// enterRoom adds sess to room's presence and announces the new occupancy.
// The count is the one computed by the join itself.
func (r *Router) enterRoom(sess *session.Session, room string) {
	count := r.presence.Join(room, sess)
	alias := sess.Identity().Alias
	r.broadcast(room, model.EventUserJoined, model.PresencePayload{Alias: alias, Room: room}, sess.ID())
	r.broadcast(room, model.EventPresenceCount, model.PresenceCountPayload{Room: room, Count: count}, "")
}

func (r *Router) exitRoom(sess *session.Session, room string) {
	count, left := r.presence.Leave(room, sess)
	if !left {
		return
	}
	alias := sess.Identity().Alias
	r.broadcast(room, model.EventUserLeft, model.PresencePayload{Alias: alias, Room: room}, "")
	r.broadcast(room, model.EventPresenceCount, model.PresenceCountPayload{Room: room, Count: count}, "")
}

// broadcast encodes once and queues the frame on every member of room
// except exceptID.
func (r *Router) broadcast(room string, t model.EventType, payload any, exceptID string) {
	frame, err := model.Encode(t, payload)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	r.presence.Broadcast(room, frame, exceptID)
}

func (r *Router) unicast(sess *session.Session, t model.EventType, payload any) {
	frame, err := model.Encode(t, payload)
	if err != nil {
		r.logger.Error("encode frame", "type", t, "error", err)
		return
	}
	sess.Send(frame)
}

// Stats is a point-in-time summary for the stats endpoint.
type Stats struct {
	Connections int64 `json:"connections"`
	Rooms       int   `json:"rooms"`
	Members     int   `json:"members"`
	Messages    int64 `json:"messages"`
	RateLimited int64 `json:"rateLimited"`
}

func (r *Router) Stats() Stats {
	rooms, members := r.presence.Stats()
	return Stats{
		Connections: r.connections.Load(),
		Rooms:       rooms,
		Members:     members,
		Messages:    r.messages.Load(),
		RateLimited: r.limited.Load(),
	}
}

// Recent serves hydration reads for the HTTP API.
func (r *Router) Recent(ctx context.Context, room string, limit int) ([]model.ChatMessage, error) {
	return r.store.Recent(ctx, room, store.ClampLimit(limit))
}

// Authenticate exposes the router's authenticator to HTTP handlers.
func (r *Router) Authenticate(ctx context.Context, credential string) (model.Identity, error) {
	return r.auth.Authenticate(ctx, credential)
}
