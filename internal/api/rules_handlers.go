package api

import (
	"fmt"
	"net/http"

	"grimm.is/mimosa/internal/store"
)

type ruleRequest struct {
	Plugin         string `json:"plugin"`
	EventID        string `json:"event_id"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	MinLastHour    int    `json:"min_last_hour"`
	MinTotal       int    `json:"min_total"`
	MinBlocksTotal int    `json:"min_blocks_total"`
	BlockMinutes   *int   `json:"block_minutes"`
}

func (req *ruleRequest) toRule() (*store.Rule, error) {
	if req.Severity != "" && req.Severity != "*" && !store.Severity(req.Severity).Valid() {
		return nil, fmt.Errorf("unknown severity %q", req.Severity)
	}
	if req.MinLastHour < 0 || req.MinTotal < 0 || req.MinBlocksTotal < 0 {
		return nil, fmt.Errorf("count thresholds must not be negative")
	}
	if req.BlockMinutes != nil && *req.BlockMinutes <= 0 {
		return nil, fmt.Errorf("block_minutes must be positive, or omitted for a permanent block")
	}
	return &store.Rule{
		Plugin:         req.Plugin,
		EventID:        req.EventID,
		Severity:       req.Severity,
		Description:    req.Description,
		MinLastHour:    req.MinLastHour,
		MinTotal:       req.MinTotal,
		MinBlocksTotal: req.MinBlocksTotal,
		BlockMinutes:   req.BlockMinutes,
	}, nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.store.AddRule(rule)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "rule_create", fmt.Sprintf("rule:%d", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := s.store.GetRule(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := req.toRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule.ID = id
	if err := s.store.UpdateRule(rule); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "rule_update", fmt.Sprintf("rule:%d", id))
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteRule(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "rule_delete", fmt.Sprintf("rule:%d", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
