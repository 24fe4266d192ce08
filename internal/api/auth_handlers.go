package api

import (
	"errors"
	"net/http"
	"time"

	"grimm.is/mimosa/internal/auth"
)

// Login attempts per source IP per minute.
const loginRateLimit = 5

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow("login:"+ip, loginRateLimit, time.Minute) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.auth.Authenticate(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.log.Warn("login failed", "username", req.Username, "ip", ip)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	s.limiter.Reset("login:" + ip)
	auth.SetSessionCookie(w, r, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"username":   sess.Username,
		"expires_at": sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		token = cookie.Value
	}
	if token != "" {
		if err := s.auth.Logout(token); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, user)
}
