package api

import (
	"net/http"
	"time"
)

// handleStats returns the dashboard summary plus, when a bucketed
// window is requested, the time series for it.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, "current")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.store.GlobalCounts()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]any{
		"summary":        summary,
		"window":         window,
		"subscribers":    s.hub.SubscriberCount(),
		"uptime_seconds": int64(s.clock.Since(s.startTime).Seconds()),
	}

	switch window {
	case "1h", "24h", "7d":
		series, err := s.store.OffenseStats(window)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp["series"] = series
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, "7d")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if window != "24h" && window != "7d" {
		writeError(w, http.StatusBadRequest, "heatmap window must be 24h or 7d")
		return
	}
	cells, err := s.store.OffenseHeatmap(window)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cells)
}

func (s *Server) handleBlocksByCountry(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.store.BlocksByCountry(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleTopIPs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profiles, err := s.store.TopOffenderProfiles(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleExpiringBlocks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	horizon := s.clock.Now().Add(24 * time.Hour)
	expiring, err := s.store.ExpiringBlocks(horizon, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expiring)
}

func (s *Server) handleBlockReasons(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reasons, err := s.store.BlockReasonCounts(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reasons)
}

// handleDashboardHealth reports per-subsystem status for the dashboard
// traffic lights.
func (s *Server) handleDashboardHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := true
	if _, err := s.store.CountFirewalls(); err != nil {
		storeOK = false
	}

	firewalls, _ := s.store.ListFirewalls()
	enabled := 0
	for _, fw := range firewalls {
		if fw.Enabled {
			enabled++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"store_ok":          storeOK,
		"firewalls_total":   len(firewalls),
		"firewalls_enabled": enabled,
		"active_blocks":     s.manager.Count(),
		"ws_subscribers":    s.hub.SubscriberCount(),
		"uptime_seconds":    int64(s.clock.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleIPTypes(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ClassificationCounts()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleReactionTime(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ReactionTimes()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
