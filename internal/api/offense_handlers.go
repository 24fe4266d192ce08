package api

import (
	"errors"
	"net/http"

	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

func (s *Server) handleListOffenses(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.OffenseFilter{
		IP:     r.URL.Query().Get("ip"),
		Plugin: r.URL.Query().Get("plugin"),
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		if !store.Severity(sev).Valid() {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
		filter.Severity = store.Severity(sev)
	}

	offenses, err := s.store.ListOffenses(filter, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offenses)
}

type manualOffenseRequest struct {
	SourceIP    string         `json:"source_ip"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Host        string         `json:"host"`
	Path        string         `json:"path"`
	Context     map[string]any `json:"context"`
}

// handleManualOffense feeds an operator-reported offense through the
// same pipeline the plugins use, rules and all.
func (s *Server) handleManualOffense(w http.ResponseWriter, r *http.Request) {
	var req manualOffenseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.pipeline.Submit(r.Context(), plugins.OffenseEvent{
		SourceIP:    req.SourceIP,
		Description: req.Description,
		Plugin:      "manual",
		Severity:    store.Severity(req.Severity),
		Host:        req.Host,
		Path:        req.Path,
		Context:     req.Context,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "manual_offense", req.SourceIP)
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	includeExpired, err := parseBoolParam(r, "include_expired")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.manager.List(includeExpired, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type manualBlockRequest struct {
	IP              string `json:"ip"`
	Reason          string `json:"reason"`
	DurationMinutes *int   `json:"duration_minutes"`
}

func (s *Server) handleManualBlock(w http.ResponseWriter, r *http.Request) {
	var req manualBlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	block, err := s.manager.Add(blocks.AddRequest{
		IP:              req.IP,
		Reason:          req.Reason,
		Source:          "api",
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "manual_block", req.IP)
	s.triggerSync()
	writeJSON(w, http.StatusCreated, block)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := validation.ValidateIP(ip); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.manager.Remove(ip, "api"); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active block for ip")
			return
		}
		writeStoreError(w, err)
		return
	}
	s.audit(r, "manual_unblock", ip)
	s.triggerSync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleBlockHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ip := r.URL.Query().Get("ip")
	if ip != "" {
		if err := validation.ValidateIP(ip); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	history, err := s.store.ListHistory(ip, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profiles, err := s.store.ListProfiles(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := validation.ValidateIP(ip); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.store.GetProfile(ip)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRefreshProfile forces re-enrichment, bypassing the TTL.
func (s *Server) handleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := validation.ValidateIP(ip); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment not configured")
		return
	}
	p, err := s.enricher.Refresh(r.Context(), ip)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
