package middleware

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
)

type contextKey string

const UserIDContextKey contextKey = "userID"

// UserIDHeader carries the caller identity established by the upstream gateway.
const UserIDHeader = "X-User-ID"

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDContextKey).(string); ok {
		return id
	}
	return ""
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

// RequireUser rejects requests that arrive without a caller identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeError(w, apperrors.Unauthorized("Missing user identity"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// ExtractToken reads a bearer credential from the query string or the
// Authorization header. EventSource clients cannot set headers, hence the query.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
