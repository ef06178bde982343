// Package session holds the per-connection state machine. A Session is
// owned by the goroutine running Run; other goroutines reach it only by
// enqueueing inbound events or pushing frames to its Outbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
)

const DefaultInboundBuffer = 16

var (
	ErrStopped = errors.New("session stopped")
	ErrPanic   = errors.New("session handler panicked")
)

// Handler processes inbound events for a session, one at a time.
type Handler interface {
	Handle(ctx context.Context, s *Session, ev model.InboundEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, ev model.InboundEvent)

func (f HandlerFunc) Handle(ctx context.Context, s *Session, ev model.InboundEvent) {
	f(ctx, s, ev)
}

type Options struct {
	Clock         clock.Clock
	QueueSize     int
	InboundBuffer int
	Logger        *slog.Logger
}

type typingEntry struct {
	timer *clock.Timer
	until time.Time
}

type Session struct {
	id      string
	state   atomic.Int32
	clock   clock.Clock
	logger  *slog.Logger
	outbox  *Outbox
	inbound chan model.InboundEvent

	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	identity model.Identity
	rooms    map[string]struct{}
	typing   map[string]*typingEntry
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultInboundBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		clock:   opts.Clock,
		logger:  opts.Logger.With("session", id),
		outbox:  NewOutbox(opts.QueueSize),
		inbound: make(chan model.InboundEvent, opts.InboundBuffer),
		stop:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
		typing:  make(map[string]*typingEntry),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) Outbox() *Outbox { return s.outbox }

// Send queues an outbound frame. It never blocks.
func (s *Session) Send(frame []byte) bool { return s.outbox.Push(frame) }

func (s *Session) Identity() model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Authenticate binds identity and moves Connecting to Authenticated.
func (s *Session) Authenticate(identity model.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transition(Connecting, Authenticated) {
		return false
	}
	s.identity = identity
	return true
}

// Fail ends a session whose authentication did not succeed.
func (s *Session) Fail() bool {
	if !s.transition(Connecting, Closed) {
		return false
	}
	s.Stop()
	s.outbox.Close()
	return true
}

func (s *Session) Activate() bool { return s.transition(Authenticated, Active) }

// BeginClose moves an authenticated or active session to Closing. Only the
// first caller wins.
func (s *Session) BeginClose() bool {
	if s.transition(Active, Closing) {
		return true
	}
	return s.transition(Authenticated, Closing)
}

// Finish completes a close started with BeginClose. Frames already queued
// remain available to the writer.
func (s *Session) Finish() bool {
	if !s.transition(Closing, Closed) {
		return false
	}
	s.Stop()
	s.outbox.Close()
	return true
}

// JoinRoom records membership and reports whether it is new.
func (s *Session) JoinRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

// LeaveRoom drops membership and reports whether the session was a member.
func (s *Session) LeaveRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	return true
}

func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Rooms returns the joined rooms sorted by name.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (s *Session) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// StartTyping marks the session as typing in room for d and reports whether
// it was not typing there before. Repeated calls push the deadline out.
// When the deadline passes a TypingStopEvent with Expired set is enqueued.
func (s *Session) StartTyping(room string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.clock.Now().Add(d)
	if entry, ok := s.typing[room]; ok {
		entry.until = until
		entry.timer.Reset(d)
		return false
	}
	s.typing[room] = &typingEntry{
		until: until,
		timer: s.clock.AfterFunc(d, func() {
			s.inject(model.TypingStopEvent{Room: room, Expired: true})
		}),
	}
	return true
}

// StopTyping clears the typing state for room and reports whether it was
// set. An expired stop is ignored when the deadline was pushed out after
// the timer fired.
func (s *Session) StopTyping(room string, expired bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.typing[room]
	if !ok {
		return false
	}
	if expired && s.clock.Now().Before(entry.until) {
		return false
	}
	entry.timer.Stop()
	delete(s.typing, room)
	return true
}

// IsTyping reports whether the session is typing in room.
func (s *Session) IsTyping(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[room]
	return ok
}

// StopAllTyping cancels every typing timer and returns the affected rooms.
func (s *Session) StopAllTyping() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.typing))
	for room, entry := range s.typing {
		entry.timer.Stop()
		rooms = append(rooms, room)
	}
	clear(s.typing)
	sort.Strings(rooms)
	return rooms
}

func (s *Session) inject(ev model.InboundEvent) {
	select {
	case s.inbound <- ev:
	case <-s.stop:
	}
}

// Enqueue hands ev to the session loop, blocking while the inbound buffer
// is full.
func (s *Session) Enqueue(ctx context.Context, ev model.InboundEvent) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	select {
	case s.inbound <- ev:
		return nil
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run return after the event in progress. Safe to call more
// than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once Stop has been called.
func (s *Session) Done() <-chan struct{} { return s.stop }

// Run processes inbound events in receipt order until ctx is cancelled or
// Stop is called. A panicking handler ends only this session.
func (s *Session) Run(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session handler panicked", "panic", r)
			s.Stop()
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case ev := <-s.inbound:
			h.Handle(ctx, s, ev)
		}
	}
}
