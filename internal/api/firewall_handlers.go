package api

import (
	"net/http"
	"strconv"

	"grimm.is/mimosa/internal/auth"
	"grimm.is/mimosa/internal/gateway"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// firewallRequest is the create/update payload. The secret is accepted
// here but never echoed back.
type firewallRequest struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APISecret      string `json:"api_secret"`
	VerifySSL      bool   `json:"verify_ssl"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Enabled        bool   `json:"enabled"`
	ApplyChanges   bool   `json:"apply_changes"`
}

func (req *firewallRequest) toFirewall() (*store.Firewall, error) {
	if err := validation.ValidateIdentifier(req.Name); err != nil {
		return nil, err
	}
	fwType := store.FirewallType(req.Type)
	if fwType != store.FirewallOPNsense && fwType != store.FirewallPfSense {
		return nil, errUnknownFirewallType
	}
	if req.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	return &store.Firewall{
		Name:           req.Name,
		Type:           fwType,
		BaseURL:        req.BaseURL,
		APIKey:         req.APIKey,
		APISecret:      req.APISecret,
		VerifySSL:      req.VerifySSL,
		TimeoutSeconds: req.TimeoutSeconds,
		Enabled:        req.Enabled,
		ApplyChanges:   req.ApplyChanges,
	}, nil
}

var (
	errUnknownFirewallType = validationError("type must be opnsense or pfsense")
	errMissingBaseURL      = validationError("base_url is required")
)

type validationError string

func (e validationError) Error() string { return string(e) }

func (s *Server) handleListFirewalls(w http.ResponseWriter, r *http.Request) {
	firewalls, err := s.store.ListFirewalls()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, firewalls)
}

func (s *Server) handleCreateFirewall(w http.ResponseWriter, r *http.Request) {
	var req firewallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fw, err := req.toFirewall()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fw.APIKey == "" || fw.APISecret == "" {
		writeError(w, http.StatusBadRequest, "api_key and api_secret are required")
		return
	}

	created, err := s.store.AddFirewall(fw)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "firewall_create", created.Name)
	s.triggerSync()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetFirewall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fw, err := s.store.GetFirewall(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fw)
}

func (s *Server) handleUpdateFirewall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req firewallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fw, err := req.toFirewall()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fw.ID = id

	// An empty secret keeps the stored one; the store handles that.
	if err := s.store.UpdateFirewall(fw); err != nil {
		writeStoreError(w, err)
		return
	}
	s.drivers.invalidate(id)
	s.audit(r, "firewall_update", fw.Name)
	s.triggerSync()

	updated, err := s.store.GetFirewall(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFirewall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.DeleteFirewall(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.drivers.invalidate(id)
	s.audit(r, "firewall_delete", strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTestFirewall probes connectivity for an unsaved config so the
// operator can verify credentials before committing them.
func (s *Server) handleTestFirewall(w http.ResponseWriter, r *http.Request) {
	var req firewallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fw, err := req.toFirewall()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	driver, err := gateway.New(fw, s.drivers.resolver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, driver.TestConnectivity(r.Context()))
}

// handleSetupFirewall installs the canonical aliases and rules.
func (s *Server) handleSetupFirewall(w http.ResponseWriter, r *http.Request) {
	driver, fw, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := driver.EnsureAliases(ctx); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := driver.InstallRules(ctx); err != nil {
		writeStoreError(w, err)
		return
	}
	if fw.ApplyChanges {
		if err := driver.Apply(ctx); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	s.audit(r, "firewall_setup", fw.Name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}

// aliasFromQuery validates the alias query parameter against the
// canonical names.
func aliasFromQuery(r *http.Request, def string) (string, bool) {
	alias := r.URL.Query().Get("alias")
	if alias == "" {
		alias = def
	}
	return aliasFromQueryValue(alias)
}

func (s *Server) handleGetAliases(w http.ResponseWriter, r *http.Request) {
	driver, _, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	alias, ok := aliasFromQuery(r, store.AliasTemporal)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown alias")
		return
	}
	entries, err := driver.ListAlias(r.Context(), alias)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alias": alias, "entries": entries})
}

type aliasEntryRequest struct {
	Alias string `json:"alias"`
	Entry string `json:"entry"`
}

func (s *Server) handleAddAliasEntry(w http.ResponseWriter, r *http.Request) {
	s.mutateAlias(w, r, true)
}

func (s *Server) handleRemoveAliasEntry(w http.ResponseWriter, r *http.Request) {
	s.mutateAlias(w, r, false)
}

func (s *Server) mutateAlias(w http.ResponseWriter, r *http.Request, add bool) {
	driver, fw, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	var req aliasEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := aliasFromQueryValue(req.Alias); !ok {
		writeError(w, http.StatusBadRequest, "unknown alias")
		return
	}
	if err := validation.ValidateIPOrCIDR(req.Entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	var err error
	if add {
		err = driver.AddToAlias(ctx, req.Alias, req.Entry)
	} else {
		err = driver.RemoveFromAlias(ctx, req.Alias, req.Entry)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if fw.ApplyChanges {
		if err := driver.Apply(ctx); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func aliasFromQueryValue(alias string) (string, bool) {
	switch alias {
	case store.AliasWhitelist, store.AliasTemporal, store.AliasBlacklist,
		store.AliasPortsTCP, store.AliasPortsUDP:
		return alias, true
	default:
		return "", false
	}
}

// Blacklist endpoints are alias ops pinned to the permanent list.

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	driver, _, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	entries, err := driver.ListAlias(r.Context(), store.AliasBlacklist)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alias": store.AliasBlacklist, "entries": entries})
}

type blacklistRequest struct {
	Entry string `json:"entry"`
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	s.mutateBlacklist(w, r, true)
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	s.mutateBlacklist(w, r, false)
}

func (s *Server) mutateBlacklist(w http.ResponseWriter, r *http.Request, add bool) {
	driver, fw, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	var req blacklistRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateIPOrCIDR(req.Entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	var err error
	if add {
		err = driver.AddToAlias(ctx, store.AliasBlacklist, req.Entry)
	} else {
		err = driver.RemoveFromAlias(ctx, store.AliasBlacklist, req.Entry)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if fw.ApplyChanges {
		if err := driver.Apply(ctx); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	s.audit(r, "blacklist_mutate", req.Entry)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFirewallBlocks shows what the appliance actually enforces right
// now, as opposed to /api/blocks which is Mimosa's intent.
func (s *Server) handleFirewallBlocks(w http.ResponseWriter, r *http.Request) {
	driver, _, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	temporal, err := driver.ListAlias(ctx, store.AliasTemporal)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	permanent, err := driver.ListAlias(ctx, store.AliasBlacklist)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"temporal":  temporal,
		"permanent": permanent,
	})
}

func (s *Server) handleFirewallRules(w http.ResponseWriter, r *http.Request) {
	driver, _, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	rules, err := driver.ListRules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleFirewallRule(w http.ResponseWriter, r *http.Request) {
	driver, _, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	rule, err := driver.GetRule(r.Context(), r.PathValue("uuid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleFirewallRule(w http.ResponseWriter, r *http.Request) {
	driver, fw, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := driver.ToggleRule(r.Context(), r.PathValue("uuid"), req.Enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "rule_toggle", fw.Name+"/"+r.PathValue("uuid"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteFirewallRule(w http.ResponseWriter, r *http.Request) {
	driver, fw, ok := s.firewallDriver(w, r)
	if !ok {
		return
	}
	if err := driver.DeleteRule(r.Context(), r.PathValue("uuid")); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit(r, "rule_delete", fw.Name+"/"+r.PathValue("uuid"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// firewallDriver resolves the {id} firewall and its cached driver.
func (s *Server) firewallDriver(w http.ResponseWriter, r *http.Request) (gateway.Driver, *store.Firewall, bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	fw, err := s.store.GetFirewall(id)
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	driver, err := s.drivers.get(fw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	return driver, fw, true
}

// audit records a mutating admin action with its actor.
func (s *Server) audit(r *http.Request, action, resource string) {
	actor := "anonymous"
	if user := auth.UserFromContext(r.Context()); user != nil {
		actor = user.Username
	}
	logging.Audit(action, resource, map[string]any{"actor": actor, "ip": clientIP(r)})
}
