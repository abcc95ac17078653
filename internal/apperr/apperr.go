package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindPersistence    Kind = "persistence"
	KindDelivery       Kind = "delivery"
	KindDecryption     Kind = "decryption"
	KindNetwork        Kind = "network"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is the application error type shared by the gateway and REST handlers.
type Error struct {
	Kind    Kind
	Message string // safe to show to the client
	Err     error  // original cause, never sent over the wire
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind and message, so predefined errors
// keep working with errors.Is after Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a copy of e carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// Message returns the client-safe message of err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to the REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPersistence, KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrTokenMissing   = New(KindAuthentication, "missing authentication token")
	ErrTokenInvalid   = New(KindAuthentication, "invalid token")
	ErrTokenExpired   = New(KindAuthentication, "token expired")
	ErrNotRoomMember  = New(KindAuthorization, "not a member of this conversation")
	ErrNotAuthor      = New(KindAuthorization, "only the author can change this message")
	ErrNotJoined      = New(KindAuthorization, "join the conversation first")
	ErrBadEvent       = New(KindValidation, "malformed event")
	ErrUnknownEvent   = New(KindValidation, "unknown event type")
	ErrMessageMissing = New(KindNotFound, "message not found")
	ErrRoomMissing    = New(KindNotFound, "conversation not found")
	ErrStorage        = New(KindPersistence, "could not save message")
	ErrInternal       = New(KindInternal, "internal error")
)

// Respond writes err as a JSON body with the status mapped from its kind.
func Respond(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": Message(err),
		"kind":  string(KindOf(err)),
	})
}
