package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/store"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.ListPluginConfigs()
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Plugins that were never configured show their defaults.
	result := make(map[string]json.RawMessage, len(plugins.Names()))
	for _, name := range plugins.Names() {
		blob, ok := stored[name]
		if !ok {
			blob = plugins.DefaultConfigJSON(name)
		}
		result[name] = json.RawMessage(blob)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	blob, err := s.store.GetPluginConfig(name)
	if errors.Is(err, store.ErrNotFound) {
		blob = plugins.DefaultConfigJSON(name)
		if blob == "{}" {
			writeError(w, http.StatusNotFound, "unknown plugin")
			return
		}
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, blob)
}

// handlePutPlugin validates and stores a new config, logging a unified
// diff of old vs new so config changes are reconstructible from the
// audit log.
func (s *Server) handlePutPlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := plugins.ValidateConfig(name, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	previous, err := s.store.GetPluginConfig(name)
	if errors.Is(err, store.ErrNotFound) {
		previous = plugins.DefaultConfigJSON(name)
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := plugins.SaveConfig(s.store, name, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.auditConfigDiff(r, name, previous, string(body))
	s.reconfigurePlugin(name, body)

	writeJSON(w, http.StatusOK, json.RawMessage(body))
}

// auditConfigDiff writes the change as a unified diff over the pretty
// printed JSON forms.
func (s *Server) auditConfigDiff(r *http.Request, name, previous, current string) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(prettyJSON(previous)),
		B:        difflib.SplitLines(prettyJSON(current)),
		FromFile: "stored",
		ToFile:   "submitted",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	if text == "" {
		text = "no changes"
	}
	s.audit(r, "plugin_config_update", name)
	s.log.Info("plugin config updated", "plugin", name, "diff", text)
}

func prettyJSON(raw string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err != nil {
		return raw
	}
	return buf.String()
}

// reconfigurePlugin applies a stored config to the running plugin.
func (s *Server) reconfigurePlugin(name string, blob []byte) {
	switch name {
	case plugins.NameNPM:
		if s.webhook == nil {
			return
		}
		var cfg plugins.NPMConfig
		if err := json.Unmarshal(blob, &cfg); err == nil {
			s.webhook.Reconfigure(cfg)
		}
	case plugins.NameProxyTrap, plugins.NamePortDetector:
		// Listener-owning plugins restart from main's plugin supervisor;
		// the API only persists their config.
		s.log.Info("plugin config stored, restart pending", "plugin", name)
	}
	// Port rules also project onto the firewall port aliases.
	if name == plugins.NamePortDetector {
		s.triggerSync()
	}
}

// handleNPMIngest is the signed webhook entry point. Authentication is
// the HMAC signature, not a session.
func (s *Server) handleNPMIngest(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil {
		writeError(w, http.StatusServiceUnavailable, "plugin not running")
		return
	}
	if !s.limiter.Allow("npm:"+clientIP(r), 120, time.Minute) {
		writeError(w, http.StatusTooManyRequests, "slow down")
		return
	}
	s.webhook.Handle(w, r)
}
