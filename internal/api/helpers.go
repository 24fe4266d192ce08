package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"grimm.is/mimosa/internal/gateway"
	"grimm.is/mimosa/internal/store"
)

// ErrorResponse is the standard API error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, code int, message string, details ...string) {
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	writeJSON(w, code, resp)
}

// writeStoreError maps backend failures onto the status classes clients
// can act on: 404 for missing rows, 401 for bad firewall credentials,
// 502 for an unreachable appliance and 503 for a broken store.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, gateway.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "firewall rejected credentials")
	case errors.Is(err, gateway.ErrUnreachable):
		writeError(w, http.StatusBadGateway, "firewall unreachable", err.Error())
	case errors.Is(err, store.ErrStoreClosed):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// decodeBody reads a JSON request body into out. Unknown fields are
// rejected so typos surface as 400s instead of silent drops.
func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

// parseLimit enforces the documented 1..2000 bound.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 2000 {
		return 0, fmt.Errorf("limit must be between 1 and 2000")
	}
	return n, nil
}

// validWindows are the accepted values of the window query parameter.
var validWindows = map[string]bool{
	"1h": true, "24h": true, "7d": true,
	"current": true, "total": true, "realtime": true,
}

// parseWindow validates the window query parameter.
func parseWindow(r *http.Request, def string) (string, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return def, nil
	}
	if !validWindows[raw] {
		return "", fmt.Errorf("unknown window %q", raw)
	}
	return raw, nil
}

// parseBoolParam parses an explicit true/false query parameter.
func parseBoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	switch raw {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	default:
		return false, fmt.Errorf("%s must be true or false", name)
	}
}

// clientIP extracts the caller's IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		ip := strings.TrimSpace(first)
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
