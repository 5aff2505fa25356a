package realtime

import (
	"errors"
	"fmt"

	"github.com/classpulse/live-backend/internal/models"
)

// ErrorKind classifies errors surfaced on the reply channel of a request.
type ErrorKind string

const (
	KindAccessDenied    ErrorKind = "AccessDenied"
	KindUserDisabled    ErrorKind = "UserDisabled"
	KindValidation      ErrorKind = "ValidationError"
	KindNotFound        ErrorKind = "NotFound"
	KindSessionFinished ErrorKind = "SessionFinished"
	KindService         ErrorKind = "ServiceError"
)

// Error is the request error delivered to clients. It is always returned via
// the reply channel of the originating request, never thrown into the event
// loop.
type Error struct {
	Kind    ErrorKind            `json:"kind"`
	Message string               `json:"message"`
	Fields  map[string]string    `json:"fields,omitempty"`
	Session *models.RoomSnapshot `json:"session,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrAccessDenied builds an access-denied error.
func ErrAccessDenied(msg string) *Error {
	return &Error{Kind: KindAccessDenied, Message: msg}
}

// ErrUserDisabled builds the disabled-user error.
func ErrUserDisabled() *Error {
	return &Error{Kind: KindUserDisabled, Message: "user is disabled"}
}

// ErrValidation builds a validation error with per-field messages.
func ErrValidation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

// ErrNotFound builds a not-found error.
func ErrNotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// ErrSessionFinished builds the terminal-session error carrying the room
// snapshot so the client can render final state.
func ErrSessionFinished(snapshot *models.RoomSnapshot) *Error {
	return &Error{Kind: KindSessionFinished, Message: "session is finished", Session: snapshot}
}

// ErrService wraps a downstream failure.
func ErrService(err error) *Error {
	return &Error{Kind: KindService, Message: err.Error()}
}

// AsError coerces any error into an *Error, wrapping unknown errors as
// service errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrService(err)
}
