// internal/auth/middleware.go

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/utils"
)

type contextKey string

const userIDKey contextKey = "userID"

// Middleware verifies bearer tokens issued by the auth provider. The chat
// gateway does not issue tokens itself.
type Middleware struct {
	secret string
}

func NewMiddleware(secret string) *Middleware {
	return &Middleware{secret: secret}
}

// Authenticate is the main middleware function that protects routes.
// It verifies the JWT and adds the user id to the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			utils.ErrorResponse(w, "Missing or invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := utils.ValidateJWT(token, m.secret)
		if err != nil {
			utils.ErrorResponse(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		// refresh tokens must not open sessions
		if claims.Type != utils.TokenTypeAccess {
			utils.ErrorResponse(w, "Invalid token type", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
	})
}

// AuthenticateFunc wraps a single handler func.
func (m *Middleware) AuthenticateFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.Authenticate(next).ServeHTTP
}

// extractToken reads "Bearer <token>" from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so the token query parameter is
// accepted as well.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return ""
		}
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserIDFromContext extracts user ID from request context
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
