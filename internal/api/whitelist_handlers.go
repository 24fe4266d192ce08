package api

import (
	"net/http"

	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListWhitelist()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type whitelistRequest struct {
	CIDR string `json:"cidr"`
	Note string `json:"note"`
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Entries may be a bare IP, a CIDR or an FQDN.
	if validation.ValidateIPOrCIDR(req.CIDR) != nil && validation.ValidateFQDN(req.CIDR) != nil {
		writeError(w, http.StatusBadRequest, "entry must be an IP, CIDR or FQDN")
		return
	}

	entry, err := s.store.AddWhitelistEntry(&store.WhitelistEntry{CIDR: req.CIDR, Note: req.Note})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.invalidateWhitelist()
	s.audit(r, "whitelist_add", req.CIDR)
	s.triggerSync()
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteWhitelistEntry(id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.invalidateWhitelist()
	s.audit(r, "whitelist_delete", r.PathValue("id"))
	s.triggerSync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) invalidateWhitelist() {
	if s.evaluator != nil {
		s.evaluator.InvalidateCache()
	}
}
