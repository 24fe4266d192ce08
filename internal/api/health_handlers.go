package api

import "net/http"

// handleHealth is the liveness probe. It answers as long as the process
// can serve HTTP at all.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is the readiness probe: fails while the store is closed
// or unreachable so load balancers hold traffic during startup and
// shutdown.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountFirewalls(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
