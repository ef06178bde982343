package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a websocket frame.
type EventType string

// Inbound event types.
const (
	EventSend        EventType = "send"
	EventTypingStart EventType = "typing-start"
	EventTypingStop  EventType = "typing-stop"
	EventRoomJoin    EventType = "room-join"
	EventRoomLeave   EventType = "room-leave"
)

// Outbound event types.
const (
	EventMessage       EventType = "message"
	EventTyping        EventType = "typing"
	EventStopTyping    EventType = "stop-typing"
	EventPresenceCount EventType = "presence-count"
	EventUserJoined    EventType = "user-joined"
	EventUserLeft      EventType = "user-left"
	EventRateLimited   EventType = "rate-limited"
	EventRoomJoined    EventType = "room-joined"
	EventRoomLeft      EventType = "room-left"
	EventError         EventType = "error"
)

// Event is the wrapper for every outbound websocket frame.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// envelope is the inbound counterpart of Event with the payload left raw
// until the type is known.
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// InboundEvent is the closed set of events a client may send. The session
// loop dispatches on it with a single type switch.
type InboundEvent interface {
	inbound()
}

type SendEvent struct {
	Content  string `json:"content"`
	Kind     Kind   `json:"kind"`
	ImageURL string `json:"imageUrl,omitempty"`
	Room     string `json:"room,omitempty"`
}

type TypingStartEvent struct {
	Room string `json:"room,omitempty"`
}

// TypingStopEvent is sent by clients, and synthesized by the session with
// Expired set when its typing timer runs out.
type TypingStopEvent struct {
	Room    string `json:"room,omitempty"`
	Expired bool   `json:"-"`
}

type RoomJoinEvent struct {
	Name string `json:"name"`
}

type RoomLeaveEvent struct {
	Name string `json:"name"`
}

// InvalidEvent carries a frame that could not be decoded so the rejection
// is reported in receipt order.
type InvalidEvent struct {
	Err error
}

func (SendEvent) inbound()        {}
func (TypingStartEvent) inbound() {}
func (TypingStopEvent) inbound()  {}
func (RoomJoinEvent) inbound()    {}
func (RoomLeaveEvent) inbound()   {}
func (InvalidEvent) inbound()     {}

var ErrUnknownEvent = errors.New("unknown event type")

// DecodeInbound parses one client frame.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev InboundEvent
	var err error
	switch env.Type {
	case EventSend:
		var p SendEvent
		err = decodePayload(env.Payload, &p)
		ev = p
	case EventTypingStart:
		var p TypingStartEvent
		err = decodePayload(env.Payload, &p)
		ev = p
	case EventTypingStop:
		var p TypingStopEvent
		err = decodePayload(env.Payload, &p)
		ev = p
	case EventRoomJoin:
		var p RoomJoinEvent
		err = decodePayload(env.Payload, &p)
		ev = p
	case EventRoomLeave:
		var p RoomLeaveEvent
		err = decodePayload(env.Payload, &p)
		ev = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, target)
}

// Outbound payloads.

type TypingPayload struct {
	Alias string `json:"alias"`
	Room  string `json:"room"`
}

type PresencePayload struct {
	Alias string `json:"alias"`
	Room  string `json:"room"`
}

type PresenceCountPayload struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type RoomPayload struct {
	Name string `json:"name"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals an outbound frame. Broadcasts encode once and share the
// bytes across every recipient.
func Encode(t EventType, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(Event{Type: t, Payload: payload})
}
