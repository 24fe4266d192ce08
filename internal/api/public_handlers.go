package api

import (
	"net/http"
	"strings"
	"time"

	"grimm.is/mimosa/internal/store"
)

// publicOffense is the redacted feed entry. The source IP is masked so
// the public dashboard leaks no attacker-facing intelligence.
type publicOffense struct {
	IP          string    `json:"ip"`
	Description string    `json:"description"`
	Plugin      string    `json:"plugin,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// maskIP blanks the host portion: 203.0.113.10 becomes 203.0.113.x,
// IPv6 keeps the first two groups.
func maskIP(ip string) string {
	if strings.Contains(ip, ":") {
		groups := strings.Split(ip, ":")
		if len(groups) > 2 {
			return groups[0] + ":" + groups[1] + "::x"
		}
		return ip
	}
	octets := strings.Split(ip, ".")
	if len(octets) == 4 {
		return strings.Join(octets[:3], ".") + ".x"
	}
	return ip
}

func (s *Server) handlePublicFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offenses, err := s.store.ListOffenses(store.OffenseFilter{}, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	feed := make([]publicOffense, 0, len(offenses))
	for _, o := range offenses {
		feed = append(feed, publicOffense{
			IP:          maskIP(o.SourceIP),
			Description: o.DescriptionClean,
			Plugin:      o.Plugin,
			Severity:    string(o.Severity),
			CreatedAt:   o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handlePublicHeatmap(w http.ResponseWriter, r *http.Request) {
	s.handleHeatmap(w, r)
}

func (s *Server) handlePublicByCountry(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	counts, err := s.store.OffensesByCountry(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handlePublicOffenseTypes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	types, err := s.store.TopOffenseTypes(limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

// handlePublicLocation returns the defended site's position for the
// public attack map.
func (s *Server) handlePublicLocation(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil || s.cfg.Location == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	loc := s.cfg.Location
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": true,
		"label":      loc.Label,
		"latitude":   loc.Latitude,
		"longitude":  loc.Longitude,
	})
}
