package auth

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is used for storing the user in the request context.
type ContextKey string

// UserContextKey holds the authenticated *User.
const UserContextKey ContextKey = "user"

// SessionCookie is the name of the session cookie.
const SessionCookie = "mimosa_session"

// APIKeyHeader carries a static API key for automation clients.
const APIKeyHeader = "X-API-Key"

// Middleware gates HTTP handlers on authentication.
type Middleware struct {
	manager *Manager
	enabled bool
}

// NewMiddleware builds the middleware. With enabled false every request
// passes as an anonymous admin; meant for closed lab networks only.
func NewMiddleware(m *Manager, enabled bool) *Middleware {
	return &Middleware{manager: m, enabled: enabled}
}

// RequireAuth wraps a handler to require a valid session or API key.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.UserFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps a handler to require the admin role.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.UserFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if user.Role != RoleAdmin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromRequest extracts and validates the caller. Cookie first, then
// bearer token, then static API key.
func (m *Middleware) UserFromRequest(r *http.Request) (*User, error) {
	if !m.enabled {
		return &User{Username: "anonymous", Role: RoleAdmin}, nil
	}

	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return m.manager.ValidateSession(cookie.Value)
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return m.manager.ValidateSession(strings.TrimPrefix(header, "Bearer "))
	}

	if user, ok := m.manager.ValidateAPIKey(r.Header.Get(APIKeyHeader)); ok {
		return user, nil
	}

	return nil, ErrInvalidSession
}

// UserFromContext retrieves the user stored by the middleware.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(UserContextKey).(*User)
	return user
}

// SetSessionCookie sets the session cookie on a response.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})
}

// ClearSessionCookie clears the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
