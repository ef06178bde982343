package router

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigzag/zzchat/auth"
	"github.com/zigzag/zzchat/clock"
	"github.com/zigzag/zzchat/model"
	"github.com/zigzag/zzchat/presence"
	"github.com/zigzag/zzchat/ratelimit"
	"github.com/zigzag/zzchat/session"
	"github.com/zigzag/zzchat/store"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	clk    *clock.FakeClock
	ids    *auth.MemoryStore
	hasher *auth.Hasher
	msgs   *store.MemoryStore
	router *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	ids := auth.NewMemoryStore(clk, 0)
	hasher := auth.NewHasher("test-pepper")
	msgs := store.NewMemoryStore(clk, 0)

	r, err := New(Config{
		Authenticator:      auth.NewAuthenticator(ids, hasher, nil),
		Limiter:            ratelimit.New(30, time.Minute, clk),
		Store:              msgs,
		Presence:           presence.New(),
		Clock:              clk,
		MaxRoomsPerSession: 3,
	})
	require.NoError(t, err)

	return &harness{t: t, clk: clk, ids: ids, hasher: hasher, msgs: msgs, router: r}
}

func (h *harness) register(alias string) string {
	h.t.Helper()
	token := alias + "-token"
	identity := model.Identity{AnonID: "anon-" + alias, Alias: alias}
	require.NoError(h.t, h.ids.CreateIdentity(context.Background(), identity, h.hasher.Hash(token)))
	return token
}

// connect registers alias, opens and activates its session, and discards
// the frames produced by joining.
func (h *harness) connect(alias string) *session.Session {
	h.t.Helper()
	sess, err := h.router.Open(context.Background(), h.register(alias))
	require.NoError(h.t, err)
	require.NoError(h.t, h.router.Activate(sess))
	return sess
}

func (h *harness) handle(sess *session.Session, ev model.InboundEvent) {
	h.router.Handle(context.Background(), sess, ev)
}

type frame struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func drain(t *testing.T, sess *session.Session) []frame {
	t.Helper()
	var out []frame
	for _, raw := range sess.Outbox().Drain() {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func typesOf(frames []frame) []model.EventType {
	out := make([]model.EventType, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func TestRouter_OpenRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		credential string
		wantErr    error
	}{
		{name: "missing", credential: "  ", wantErr: auth.ErrMissingCredential},
		{name: "unknown", credential: "nope", wantErr: auth.ErrInvalidOrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := h.router.Open(context.Background(), tt.credential)
			assert.Nil(t, sess)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, int64(0), h.router.Stats().Connections)
}

func TestRouter_ActivateAnnouncesPresence(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")

	frames := drain(t, a)
	require.Equal(t, []model.EventType{model.EventPresenceCount}, typesOf(frames))
	assert.Equal(t, model.PresenceCountPayload{Room: "global", Count: 1}, decode[model.PresenceCountPayload](t, frames[0]))

	b := h.connect("bob")

	frames = drain(t, a)
	require.Equal(t, []model.EventType{model.EventUserJoined, model.EventPresenceCount}, typesOf(frames))
	assert.Equal(t, "bob", decode[model.PresencePayload](t, frames[0]).Alias)
	assert.Equal(t, 2, decode[model.PresenceCountPayload](t, frames[1]).Count)

	frames = drain(t, b)
	require.Equal(t, []model.EventType{model.EventPresenceCount}, typesOf(frames), "no self join notice")
	assert.Equal(t, 2, decode[model.PresenceCountPayload](t, frames[0]).Count)

	assert.Equal(t, session.Active, b.State())
	assert.ErrorIs(t, h.router.Activate(b), ErrNotAuthenticated)
}

func TestRouter_SendReachesRoomMembersOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	c := h.connect("carol")
	h.handle(a, model.RoomJoinEvent{Name: "lab"})
	h.handle(b, model.RoomJoinEvent{Name: "lab"})
	drain(t, a)
	drain(t, b)
	drain(t, c)

	h.handle(a, model.SendEvent{Content: "hello"})

	for _, sess := range []*session.Session{a, b, c} {
		frames := drain(t, sess)
		require.Equal(t, []model.EventType{model.EventMessage}, typesOf(frames))
		msg := decode[model.ChatMessage](t, frames[0])
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "global", msg.Room)
		assert.Equal(t, model.Identity{AnonID: "anon-alice", Alias: "alice"}, msg.Sender)
		assert.NotEmpty(t, msg.ID)
		assert.True(t, msg.CreatedAt.Equal(epoch))
	}

	h.handle(a, model.SendEvent{Content: "lab only", Room: "lab"})

	assert.Equal(t, []model.EventType{model.EventMessage}, typesOf(drain(t, a)))
	assert.Equal(t, []model.EventType{model.EventMessage}, typesOf(drain(t, b)))
	assert.Empty(t, drain(t, c), "outsider must not receive lab traffic")

	recent, err := h.msgs.Recent(context.Background(), "lab", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "lab only", recent[0].Content)
}

func TestRouter_SendRateLimited(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	drain(t, a)
	drain(t, b)

	for i := 0; i < 30; i++ {
		h.handle(a, model.SendEvent{Content: "spam"})
	}
	assert.Len(t, drain(t, b), 30)
	drain(t, a)

	h.handle(a, model.SendEvent{Content: "one too many"})

	assert.Equal(t, []model.EventType{model.EventRateLimited}, typesOf(drain(t, a)))
	assert.Empty(t, drain(t, b), "rejection is private")

	recent, err := h.msgs.Recent(context.Background(), "global", 100)
	require.NoError(t, err)
	assert.Len(t, recent, 30)
	for _, m := range recent {
		assert.NotEqual(t, "one too many", m.Content)
	}
	assert.Equal(t, int64(1), h.router.Stats().RateLimited)

	h.clk.Advance(time.Minute + time.Millisecond)
	h.handle(a, model.SendEvent{Content: "new window"})
	assert.Equal(t, []model.EventType{model.EventMessage}, typesOf(drain(t, a)))
}

func TestRouter_SendValidation(t *testing.T) {
	tests := []struct {
		name     string
		ev       model.SendEvent
		wantCode string
	}{
		{name: "empty", ev: model.SendEvent{Content: "   "}, wantCode: CodeEmptyMessage},
		{name: "only markup", ev: model.SendEvent{Content: "<script>alert(1)</script>"}, wantCode: CodeEmptyMessage},
		{name: "too long", ev: model.SendEvent{Content: strings.Repeat("x", 2001)}, wantCode: CodeMessageTooLong},
		{name: "image without url", ev: model.SendEvent{Content: "pic", Kind: model.KindImage}, wantCode: CodeInvalidImageURL},
		{name: "image with relative url", ev: model.SendEvent{Content: "pic", Kind: model.KindImage, ImageURL: "/x.png"}, wantCode: CodeInvalidImageURL},
		{name: "image with script url", ev: model.SendEvent{Content: "pic", Kind: model.KindImage, ImageURL: "javascript:alert(1)"}, wantCode: CodeInvalidImageURL},
		{name: "room not joined", ev: model.SendEvent{Content: "hi", Room: "lab"}, wantCode: CodeNotInRoom},
		{name: "bad room", ev: model.SendEvent{Content: "hi", Room: "!!!"}, wantCode: CodeInvalidRoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.connect("alice")
			b := h.connect("bob")
			drain(t, a)
			drain(t, b)

			h.handle(a, tt.ev)

			frames := drain(t, a)
			require.Equal(t, []model.EventType{model.EventError}, typesOf(frames))
			assert.Equal(t, tt.wantCode, decode[model.ErrorPayload](t, frames[0]).Code)
			assert.Empty(t, drain(t, b))
			assert.Equal(t, 0, h.msgs.Len())
		})
	}
}

func TestRouter_SendAccepted(t *testing.T) {
	tests := []struct {
		name string
		ev   model.SendEvent
		want model.ChatMessage
	}{
		{
			name: "markup neutralized",
			ev:   model.SendEvent{Content: "<script>alert(1)</script>hi <b>there</b>"},
			want: model.ChatMessage{Content: "hi there", Kind: model.KindText},
		},
		{
			name: "entities escaped",
			ev:   model.SendEvent{Content: "a < b & c"},
			want: model.ChatMessage{Content: "a &lt; b &amp; c", Kind: model.KindText},
		},
		{
			name: "exactly the limit",
			ev:   model.SendEvent{Content: strings.Repeat("é", 2000)},
			want: model.ChatMessage{Content: strings.Repeat("é", 2000), Kind: model.KindText},
		},
		{
			name: "unknown kind is text",
			ev:   model.SendEvent{Content: "hi", Kind: "video", ImageURL: "https://x.test/a.png"},
			want: model.ChatMessage{Content: "hi", Kind: model.KindText},
		},
		{
			name: "image",
			ev:   model.SendEvent{Content: "look", Kind: model.KindImage, ImageURL: "https://img.example.com/cat.png"},
			want: model.ChatMessage{Content: "look", Kind: model.KindImage, ImageURL: "https://img.example.com/cat.png"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.connect("alice")
			drain(t, a)

			h.handle(a, tt.ev)

			frames := drain(t, a)
			require.Equal(t, []model.EventType{model.EventMessage}, typesOf(frames))
			got := decode[model.ChatMessage](t, frames[0])
			assert.Equal(t, tt.want.Content, got.Content)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.ImageURL, got.ImageURL)
		})
	}
}

func TestRouter_StoreUnavailableDropsSilently(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	drain(t, a)
	drain(t, b)
	require.NoError(t, h.msgs.Close())

	h.handle(a, model.SendEvent{Content: "lost"})

	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, b))
	assert.Equal(t, int64(0), h.router.Stats().Messages)
}

func TestRouter_CloseAnnouncesDeparture(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	c := h.connect("carol")
	h.handle(a, model.RoomJoinEvent{Name: "lab"})
	h.handle(b, model.RoomJoinEvent{Name: "lab"})
	drain(t, a)
	drain(t, b)
	drain(t, c)

	h.router.Close(a)

	frames := drain(t, b)
	require.Equal(t, []model.EventType{
		model.EventUserLeft, model.EventPresenceCount,
		model.EventUserLeft, model.EventPresenceCount,
	}, typesOf(frames))
	assert.Equal(t, model.PresencePayload{Alias: "alice", Room: "global"}, decode[model.PresencePayload](t, frames[0]))
	assert.Equal(t, model.PresenceCountPayload{Room: "global", Count: 2}, decode[model.PresenceCountPayload](t, frames[1]))
	assert.Equal(t, model.PresencePayload{Alias: "alice", Room: "lab"}, decode[model.PresencePayload](t, frames[2]))
	assert.Equal(t, model.PresenceCountPayload{Room: "lab", Count: 1}, decode[model.PresenceCountPayload](t, frames[3]))

	frames = drain(t, c)
	require.Equal(t, []model.EventType{model.EventUserLeft, model.EventPresenceCount}, typesOf(frames))
	assert.Equal(t, 2, decode[model.PresenceCountPayload](t, frames[1]).Count)

	assert.Equal(t, session.Closed, a.State())
	assert.Empty(t, a.Rooms())
	assert.Equal(t, int64(2), h.router.Stats().Connections)

	h.router.Close(a)
	assert.Empty(t, drain(t, b), "second close is a no-op")
}

func TestRouter_CloseClearsTypingAndLimiter(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")

	for i := 0; i < 30; i++ {
		h.handle(a, model.SendEvent{Content: "x"})
	}
	h.handle(a, model.TypingStartEvent{})
	drain(t, b)

	h.router.Close(a)

	frames := drain(t, b)
	require.NotEmpty(t, frames)
	assert.Equal(t, model.EventStopTyping, frames[0].Type)
	assert.Equal(t, 0, h.clk.Pending(), "typing timer cancelled")

	reconnected, err := h.router.Open(context.Background(), "alice-token")
	require.NoError(t, err)
	require.NoError(t, h.router.Activate(reconnected))
	drain(t, reconnected)
	h.handle(reconnected, model.SendEvent{Content: "fresh window"})
	assert.Equal(t, []model.EventType{model.EventMessage}, typesOf(drain(t, reconnected)))
}

func TestRouter_TypingNeverEchoedAndExpires(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	drain(t, a)
	drain(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, h.router)

	require.NoError(t, a.Enqueue(ctx, model.TypingStartEvent{}))
	require.Eventually(t, func() bool { return a.IsTyping("global") }, time.Second, 5*time.Millisecond)

	h.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return !a.IsTyping("global") }, time.Second, 5*time.Millisecond)

	frames := drain(t, b)
	require.Equal(t, []model.EventType{model.EventTyping, model.EventStopTyping}, typesOf(frames))
	assert.Equal(t, model.TypingPayload{Alias: "alice", Room: "global"}, decode[model.TypingPayload](t, frames[0]))
	assert.Empty(t, drain(t, a), "typing is never echoed")
}

func TestRouter_ExplicitTypingStop(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	drain(t, b)

	h.handle(a, model.TypingStopEvent{})
	assert.Empty(t, drain(t, b), "stop without start is silent")

	h.handle(a, model.TypingStartEvent{})
	h.handle(a, model.TypingStartEvent{})
	h.handle(a, model.TypingStopEvent{})
	assert.Equal(t, []model.EventType{model.EventTyping, model.EventStopTyping}, typesOf(drain(t, b)))

	h.handle(a, model.TypingStartEvent{})
	drain(t, b)
	h.handle(a, model.SendEvent{Content: "done typing"})
	assert.Equal(t, []model.EventType{model.EventStopTyping, model.EventMessage}, typesOf(drain(t, b)))
}

func TestRouter_RoomJoinLeave(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	b := h.connect("bob")
	h.handle(b, model.RoomJoinEvent{Name: "lab"})
	drain(t, a)
	drain(t, b)

	h.handle(a, model.RoomJoinEvent{Name: "l@b"})
	frames := drain(t, a)
	require.Equal(t, []model.EventType{model.EventRoomJoined, model.EventPresenceCount}, typesOf(frames))
	assert.Equal(t, "lab", decode[model.RoomPayload](t, frames[0]).Name, "name is normalized")
	assert.Equal(t, 2, decode[model.PresenceCountPayload](t, frames[1]).Count)

	frames = drain(t, b)
	require.Equal(t, []model.EventType{model.EventUserJoined, model.EventPresenceCount}, typesOf(frames))

	h.handle(a, model.RoomJoinEvent{Name: "lab"})
	assert.Equal(t, []model.EventType{model.EventRoomJoined}, typesOf(drain(t, a)))
	assert.Empty(t, drain(t, b), "rejoin is silent")

	h.handle(a, model.RoomLeaveEvent{Name: "lab"})
	assert.Equal(t, []model.EventType{model.EventRoomLeft}, typesOf(drain(t, a)))
	frames = drain(t, b)
	require.Equal(t, []model.EventType{model.EventUserLeft, model.EventPresenceCount}, typesOf(frames))
	assert.Equal(t, 1, decode[model.PresenceCountPayload](t, frames[1]).Count)

	h.handle(a, model.RoomLeaveEvent{Name: "lab"})
	assert.Equal(t, []model.EventType{model.EventRoomLeft}, typesOf(drain(t, a)))
	assert.Empty(t, drain(t, b), "second leave is a no-op")
}

func TestRouter_RoomRejections(t *testing.T) {
	tests := []struct {
		name     string
		ev       model.InboundEvent
		wantCode string
	}{
		{name: "join empty", ev: model.RoomJoinEvent{Name: ""}, wantCode: CodeInvalidRoom},
		{name: "join only symbols", ev: model.RoomJoinEvent{Name: "<>!"}, wantCode: CodeInvalidRoom},
		{name: "join too long", ev: model.RoomJoinEvent{Name: strings.Repeat("a", 51)}, wantCode: CodeInvalidRoom},
		{name: "leave global", ev: model.RoomLeaveEvent{Name: "global"}, wantCode: CodeCannotLeave},
		{name: "leave bad name", ev: model.RoomLeaveEvent{Name: "***"}, wantCode: CodeInvalidRoom},
		{name: "bad frame", ev: model.InvalidEvent{Err: model.ErrUnknownEvent}, wantCode: CodeBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.connect("alice")
			b := h.connect("bob")
			drain(t, a)
			drain(t, b)

			h.handle(a, tt.ev)

			frames := drain(t, a)
			require.Equal(t, []model.EventType{model.EventError}, typesOf(frames))
			assert.Equal(t, tt.wantCode, decode[model.ErrorPayload](t, frames[0]).Code)
			assert.Empty(t, drain(t, b))
			assert.Equal(t, []string{"global"}, a.Rooms())
		})
	}
}

func TestRouter_MaxRoomsPerSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")

	h.handle(a, model.RoomJoinEvent{Name: "one"})
	h.handle(a, model.RoomJoinEvent{Name: "two"})
	drain(t, a)

	h.handle(a, model.RoomJoinEvent{Name: "three"})

	frames := drain(t, a)
	require.Equal(t, []model.EventType{model.EventError}, typesOf(frames))
	assert.Equal(t, CodeTooManyRooms, decode[model.ErrorPayload](t, frames[0]).Code)
	assert.Equal(t, []string{"global", "one", "two"}, a.Rooms())
}

func TestRouter_Stats(t *testing.T) {
	h := newHarness(t)
	a := h.connect("alice")
	h.connect("bob")
	h.handle(a, model.RoomJoinEvent{Name: "lab"})
	h.handle(a, model.SendEvent{Content: "hi"})

	assert.Equal(t, Stats{Connections: 2, Rooms: 2, Members: 2, Messages: 1}, h.router.Stats())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: store.NewMemoryStore(nil, 0)})
	assert.Error(t, err)

	_, err = New(Config{Authenticator: auth.NewAuthenticator(auth.NewMemoryStore(nil, 0), nil, nil)})
	assert.Error(t, err)
}
