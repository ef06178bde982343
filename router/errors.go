package router

import (
	"errors"
	"fmt"
)

// Validation codes carried in error frames.
const (
	CodeEmptyMessage    = "empty_message"
	CodeMessageTooLong  = "message_too_long"
	CodeInvalidImageURL = "invalid_image_url"
	CodeInvalidRoom     = "invalid_room"
	CodeNotInRoom       = "not_in_room"
	CodeCannotLeave     = "cannot_leave_global"
	CodeTooManyRooms    = "too_many_rooms"
	CodeBadFrame        = "bad_frame"
)

var (
	// ErrRateLimited rejects a send that exceeded the sender's window.
	ErrRateLimited = errors.New("rate limited")

	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// ValidationError rejects a single inbound event. It is reported only to the
// session that sent the event and never ends the session.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
