package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      New(KindValidation, "bad input"),
			expected: "[validation] bad input",
		},
		{
			name:     "with wrapped error",
			err:      New(KindPersistence, "save failed").Wrap(errors.New("conn reset")),
			expected: "[persistence] save failed: conn reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestWrapKeepsIdentity(t *testing.T) {
	cause := errors.New("pq: deadlock")
	err := fmt.Errorf("send: %w", ErrStorage.Wrap(cause))

	if !errors.Is(err, ErrStorage) {
		t.Error("expected wrapped error to match ErrStorage")
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped error to expose its cause")
	}
	if errors.Is(err, ErrNotAuthor) {
		t.Error("did not expect match with a different predefined error")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"app error", ErrNotRoomMember, KindAuthorization},
		{"wrapped app error", fmt.Errorf("join: %w", ErrTokenExpired), KindAuthentication},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrTokenInvalid, http.StatusUnauthorized},
		{ErrNotAuthor, http.StatusForbidden},
		{ErrBadEvent, http.StatusBadRequest},
		{ErrMessageMissing, http.StatusNotFound},
		{ErrStorage, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMessageHidesCause(t *testing.T) {
	err := ErrStorage.Wrap(errors.New("password=hunter2"))
	if got := Message(err); got != "could not save message" {
		t.Errorf("Message() = %q", got)
	}
	if got := Message(errors.New("raw")); got != "internal error" {
		t.Errorf("Message() = %q, want internal error", got)
	}
}

func TestRespond(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, ErrNotAuthor)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["kind"] != "authorization" || body["error"] != ErrNotAuthor.Message {
		t.Errorf("body = %v", body)
	}
}
