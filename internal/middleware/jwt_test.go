package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-messenger/internal/apperr"
	"go-messenger/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(tok string) (int64, string, error) {
	switch tok {
	case "good":
		return 42, "alice", nil
	case "expired":
		return 0, "", apperr.ErrTokenExpired
	default:
		return 0, "", errors.New("signature mismatch")
	}
}

func TestAuthMiddleware(t *testing.T) {
	var failures int
	am := NewAuthMiddleware(stubValidator{}).OnFailure(func(error) { failures++ })

	h := am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, name, ok := UserFrom(r.Context())
		if !ok || id != 42 || name != "alice" {
			t.Errorf("UserFrom = %d %q %v", id, name, ok)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer good", "", http.StatusNoContent},
		{"query fallback", "", "good", http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed header", "good", "", http.StatusUnauthorized},
		{"expired", "Bearer expired", "", http.StatusUnauthorized},
		{"invalid", "Bearer forged", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("token", tt.query)
				req.URL.RawQuery = q.Encode()
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if failures != 4 {
		t.Errorf("failure hook called %d times, want 4", failures)
	}
}

func TestRequestLoggerRecordsRoute(t *testing.T) {
	m := metrics.NewUnregistered()
	r := chi.NewRouter()
	r.Use(RequestLogger(zap.NewNop(), m))
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/7", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/items/{id}", "418")); got != 1 {
		t.Errorf("request counter = %v, want 1", got)
	}
}
