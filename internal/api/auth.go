package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const adminContextKey contextKey = "authenticatedAdmin"

// ContextWithAdmin stores the authenticated admin identifier in the context.
func ContextWithAdmin(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminContextKey, adminID)
}

// AdminFromContext retrieves the authenticated admin identifier if present.
func AdminFromContext(ctx context.Context) (string, bool) {
	adminID, ok := ctx.Value(adminContextKey).(string)
	return adminID, ok
}

// AuthenticateRequest validates the session token on the request and returns
// the admin identifier it belongs to.
func (h *Handler) AuthenticateRequest(r *http.Request) (string, error) {
	token := ExtractToken(r)
	if token == "" {
		return "", fmt.Errorf("missing session token")
	}
	adminID, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return "", fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("invalid or expired session")
	}
	return adminID, nil
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	adminID, ok := AdminFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return "", false
	}
	return adminID, true
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
