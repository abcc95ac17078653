package middleware

import (
	"context"
	"net/http"
	"strings"

	"go-messenger/internal/apperr"
)

// 1. Context keys (exported so other packages can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// 2. What we need from the user service
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

// 3. The middleware
type AuthMiddleware struct {
	validator TokenValidator
	onFailure func(error)
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// OnFailure registers a callback for refused requests (metrics).
func (am *AuthMiddleware) OnFailure(fn func(error)) *AuthMiddleware {
	am.onFailure = fn
	return am
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter (browsers cannot set headers on websocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// 4. The handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			am.fail(w, apperr.ErrTokenMissing)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			if !apperr.IsKind(err, apperr.KindAuthentication) {
				err = apperr.ErrTokenInvalid.Wrap(err)
			}
			am.fail(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

func (am *AuthMiddleware) fail(w http.ResponseWriter, err error) {
	if am.onFailure != nil {
		am.onFailure(err)
	}
	apperr.Respond(w, err)
}

// WithUser injects the authenticated identity into ctx.
func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// UserFrom returns the identity set by Handle.
func UserFrom(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(UserKey).(int64)
	username, ok2 := ctx.Value(UsernameKey).(string)
	if !ok || !ok2 {
		return 0, "", false
	}
	return userID, username, true
}
