package plugins

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/metrics"
	"grimm.is/mimosa/internal/rules"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Mimosa-Signature"

// maxWebhookBody bounds how much of a POST body is read.
const maxWebhookBody = 1 << 20

// suspiciousPathMarkers flag probe traffic a reverse proxy commonly sees.
var suspiciousPathMarkers = []string{
	"wp-login", "wp-admin", ".env", ".git", "phpmyadmin",
	"/etc/passwd", "../", ".php",
}

// NPMWebhook ingests access records pushed by a reverse proxy. Unlike
// the honeypots it owns no listener; the admin API mounts Handle on its
// own mux.
type NPMWebhook struct {
	pipeline *Pipeline
	log      *logging.Logger

	mu  sync.RWMutex
	cfg NPMConfig
}

// NewNPMWebhook builds the webhook handler.
func NewNPMWebhook(cfg NPMConfig, pipeline *Pipeline) *NPMWebhook {
	return &NPMWebhook{
		pipeline: pipeline,
		cfg:      cfg,
		log:      logging.WithComponent("mimosanpm"),
	}
}

// Name returns the plugin name.
func (n *NPMWebhook) Name() string { return NameNPM }

// Reconfigure swaps the config. In-flight requests keep the old one.
// Writing a new shared_secret here is how the secret is rotated.
func (n *NPMWebhook) Reconfigure(cfg NPMConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// npmRecord is the payload the proxy posts.
type npmRecord struct {
	Host     string `json:"host"`
	Path     string `json:"path"`
	Status   string `json:"status"`
	SourceIP string `json:"source_ip"`
}

// Handle is the HTTP entry point for signed proxy records.
func (n *NPMWebhook) Handle(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	cfg := n.cfg
	n.mu.RUnlock()

	if !cfg.Enabled {
		http.Error(w, "plugin disabled", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !n.verify(cfg.SharedSecret, r.Header.Get(SignatureHeader), body) {
		metrics.IngestRejected.WithLabelValues(NameNPM, "signature").Inc()
		n.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var rec npmRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		metrics.IngestRejected.WithLabelValues(NameNPM, "payload").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateIP(rec.SourceIP); err != nil {
		metrics.IngestRejected.WithLabelValues(NameNPM, "source_ip").Inc()
		http.Error(w, "invalid source_ip", http.StatusBadRequest)
		return
	}

	ev, drop := n.classify(cfg, rec)
	if drop {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if ev == nil {
		// Matched nothing and no alert toggle asked for it.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := n.pipeline.Submit(r.Context(), *ev); err != nil {
		http.Error(w, "ingestion failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// verify checks the body HMAC in constant time.
func (n *NPMWebhook) verify(secret, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(header)))
}

// classify decides what, if anything, a record becomes. It returns
// (nil, true) for ignored records and (nil, false) for records no toggle
// wants alerted.
func (n *NPMWebhook) classify(cfg NPMConfig, rec npmRecord) (*OffenseEvent, bool) {
	for _, ig := range cfg.IgnoreList {
		if rules.Match(ig.Host, rec.Host) &&
			rules.Match(ig.Path, rec.Path) &&
			rules.Match(ig.Status, rec.Status) {
			return nil, true
		}
	}

	for _, rule := range cfg.Rules {
		if rules.Match(rule.Host, rec.Host) &&
			rules.Match(rule.Path, rec.Path) &&
			rules.Match(rule.Status, rec.Status) {
			return n.event(rec, rule.Severity, "proxy_rule"), false
		}
	}

	// No rule matched. The alert toggles decide whether fallback traffic
	// is worth an offense at all.
	switch {
	case cfg.AlertUnregisteredDomain && !n.knownHost(cfg, rec.Host):
		return n.event(rec, n.fallbackSeverity(cfg), "unregistered_domain"), false
	case cfg.AlertSuspiciousPath && suspiciousPath(rec.Path):
		return n.event(rec, n.fallbackSeverity(cfg), "suspicious_path"), false
	case cfg.AlertFallback:
		return n.event(rec, n.fallbackSeverity(cfg), "proxy_fallback"), false
	}
	return nil, false
}

// knownHost reports whether any rule's host pattern covers the host.
func (n *NPMWebhook) knownHost(cfg NPMConfig, host string) bool {
	for _, rule := range cfg.Rules {
		if rule.Host != "" && rule.Host != "*" && rules.Match(rule.Host, host) {
			return true
		}
	}
	return false
}

// fallbackSeverity prefers the explicit fallback over the default.
func (n *NPMWebhook) fallbackSeverity(cfg NPMConfig) store.Severity {
	if cfg.FallbackSeverity != "" {
		return cfg.FallbackSeverity
	}
	return cfg.DefaultSeverity
}

func (n *NPMWebhook) event(rec npmRecord, sev store.Severity, kind string) *OffenseEvent {
	return &OffenseEvent{
		SourceIP:    rec.SourceIP,
		Description: fmt.Sprintf("proxy %s %s%s status %s", kind, rec.Host, rec.Path, rec.Status),
		Plugin:      NameNPM,
		Severity:    sev,
		Host:        rec.Host,
		Path:        rec.Path,
		Context: map[string]any{
			"event_id": "mimosanpm:" + kind,
			"status":   rec.Status,
		},
	}
}

func suspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range suspiciousPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
