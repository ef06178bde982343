package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.InboundEvent
}

func (r *recorder) Handle(_ context.Context, _ *Session, ev model.InboundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) getEvents() []model.InboundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.InboundEvent(nil), r.events...)
}

func runSession(t *testing.T, s *Session, h Handler) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), h) }()
	t.Cleanup(s.Stop)
	return errc
}

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		steps func(s *Session) bool
		want  State
	}{
		{
			name: "happy path",
			steps: func(s *Session) bool {
				return s.Authenticate(model.Identity{AnonID: "a"}) && s.Activate() && s.BeginClose() && s.Finish()
			},
			want: Closed,
		},
		{
			name:  "auth failure",
			steps: func(s *Session) bool { return s.Fail() },
			want:  Closed,
		},
		{
			name: "close before activation",
			steps: func(s *Session) bool {
				return s.Authenticate(model.Identity{AnonID: "a"}) && s.BeginClose() && s.Finish()
			},
			want: Closed,
		},
		{
			name:  "activate without auth",
			steps: func(s *Session) bool { return s.Activate() },
			want:  Connecting,
		},
		{
			name: "second authenticate",
			steps: func(s *Session) bool {
				s.Authenticate(model.Identity{AnonID: "a"})
				return s.Authenticate(model.Identity{AnonID: "b"})
			},
			want: Authenticated,
		},
		{
			name: "fail after auth",
			steps: func(s *Session) bool {
				s.Authenticate(model.Identity{AnonID: "a"})
				return s.Fail()
			},
			want: Authenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{})
			ok := tt.steps(s)
			assert.Equal(t, tt.want, s.State())
			assert.Equal(t, tt.want == Closed, ok)
		})
	}
}

func TestSession_BeginCloseOnce(t *testing.T) {
	s := New(Options{})
	s.Authenticate(model.Identity{AnonID: "a"})
	s.Activate()

	assert.True(t, s.BeginClose())
	assert.False(t, s.BeginClose())
	assert.True(t, s.Finish())
	assert.False(t, s.Send([]byte("x")), "outbox closed after finish")
}

func TestSession_ProcessesInReceiptOrder(t *testing.T) {
	s := New(Options{})
	rec := &recorder{}
	runSession(t, s, rec)

	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, model.RoomJoinEvent{Name: "one"}))
	require.NoError(t, s.Enqueue(ctx, model.SendEvent{Content: "two"}))
	require.NoError(t, s.Enqueue(ctx, model.RoomLeaveEvent{Name: "three"}))

	require.Eventually(t, func() bool { return len(rec.getEvents()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.InboundEvent{
		model.RoomJoinEvent{Name: "one"},
		model.SendEvent{Content: "two"},
		model.RoomLeaveEvent{Name: "three"},
	}, rec.getEvents())
}

func TestSession_EnqueueAfterStop(t *testing.T) {
	s := New(Options{})
	s.Stop()
	assert.ErrorIs(t, s.Enqueue(context.Background(), model.SendEvent{}), ErrStopped)
}

func TestSession_PanicEndsOnlyThisSession(t *testing.T) {
	bad := New(Options{})
	good := New(Options{})
	rec := &recorder{}

	badErr := runSession(t, bad, HandlerFunc(func(context.Context, *Session, model.InboundEvent) {
		panic("boom")
	}))
	runSession(t, good, rec)

	require.NoError(t, bad.Enqueue(context.Background(), model.SendEvent{}))
	select {
	case err := <-badErr:
		assert.ErrorIs(t, err, ErrPanic)
	case <-time.After(time.Second):
		t.Fatal("panicking session kept running")
	}

	require.NoError(t, good.Enqueue(context.Background(), model.SendEvent{}))
	require.Eventually(t, func() bool { return len(rec.getEvents()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_Rooms(t *testing.T) {
	s := New(Options{})
	assert.True(t, s.JoinRoom("global"))
	assert.True(t, s.JoinRoom("lab"))
	assert.False(t, s.JoinRoom("lab"))
	assert.Equal(t, []string{"global", "lab"}, s.Rooms())

	assert.True(t, s.LeaveRoom("lab"))
	assert.False(t, s.LeaveRoom("lab"))
	assert.False(t, s.InRoom("lab"))
	assert.Equal(t, 1, s.RoomCount())
}

func TestSession_TypingExpiresIntoInbound(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Options{Clock: clk})
	rec := &recorder{}
	runSession(t, s, rec)

	assert.True(t, s.StartTyping("global", 2*time.Second))
	assert.False(t, s.StartTyping("global", 2*time.Second), "already typing")

	clk.Advance(time.Second)
	assert.Empty(t, rec.getEvents())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.getEvents()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.TypingStopEvent{Room: "global", Expired: true}, rec.getEvents()[0])

	assert.True(t, s.StopTyping("global", true))
	assert.False(t, s.IsTyping("global"))
}

func TestSession_TypingRefreshPushesDeadline(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Options{Clock: clk})
	rec := &recorder{}
	runSession(t, s, rec)

	s.StartTyping("global", 2*time.Second)
	clk.Advance(1500 * time.Millisecond)
	s.StartTyping("global", 2*time.Second)
	clk.Advance(1500 * time.Millisecond)

	assert.Empty(t, rec.getEvents())
	assert.True(t, s.IsTyping("global"))

	clk.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.getEvents()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_StaleExpiryIgnored(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Options{Clock: clk})

	s.StartTyping("global", 2*time.Second)
	clk.Advance(time.Second)
	s.StartTyping("global", 2*time.Second)

	assert.False(t, s.StopTyping("global", true), "deadline still ahead")
	assert.True(t, s.StopTyping("global", false))
}

func TestSession_StopAllTyping(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(Options{Clock: clk})

	s.StartTyping("lab", 2*time.Second)
	s.StartTyping("global", 2*time.Second)

	assert.Equal(t, []string{"global", "lab"}, s.StopAllTyping())
	assert.Equal(t, 0, clk.Pending())
	assert.Empty(t, s.StopAllTyping())
}
