package plugins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/rules"
)

// Plugin is the lifecycle every offense producer implements.
type Plugin interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ProxyTrap is an HTTP honeypot. Every request that reaches it is hostile
// by definition, so every request becomes an offense.
type ProxyTrap struct {
	pipeline *Pipeline
	log      *logging.Logger

	mu      sync.Mutex
	cfg     ProxyTrapConfig
	server  *http.Server
	running bool
}

// NewProxyTrap builds the honeypot. Call Start to begin listening.
func NewProxyTrap(cfg ProxyTrapConfig, pipeline *Pipeline) *ProxyTrap {
	return &ProxyTrap{
		pipeline: pipeline,
		cfg:      cfg,
		log:      logging.WithComponent("proxytrap"),
	}
}

// Name returns the plugin name.
func (p *ProxyTrap) Name() string { return NameProxyTrap }

// Start begins serving on the configured port. Disabled configs no-op.
func (p *ProxyTrap) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || !p.cfg.Enabled {
		return nil
	}

	addr := fmt.Sprintf(":%d", p.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxytrap listen %s: %w", addr, err)
	}

	p.server = &http.Server{
		Handler:           http.HandlerFunc(p.handle),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("honeypot server stopped", "error", err)
		}
	}()

	p.running = true
	p.log.Info("honeypot listening", "addr", addr, "response", p.cfg.ResponseType)
	return nil
}

// Stop shuts the listener down, draining in-flight requests.
func (p *ProxyTrap) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	return p.server.Shutdown(ctx)
}

// Reconfigure swaps the config. A running trap is restarted.
func (p *ProxyTrap) Reconfigure(ctx context.Context, cfg ProxyTrapConfig) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return p.Start(ctx)
}

func (p *ProxyTrap) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	ip := clientIP(r)
	host := strings.ToLower(hostOnly(r.Host))

	if trapped(cfg.TrapHosts, host) {
		sev := cfg.DefaultSeverity
		for _, policy := range cfg.DomainPolicies {
			if rules.Match(policy.Pattern, host) {
				sev = policy.Severity
				break
			}
		}

		_, err := p.pipeline.Submit(r.Context(), OffenseEvent{
			SourceIP:    ip,
			Description: fmt.Sprintf("honeypot %s %s%s", r.Method, host, r.URL.Path),
			Plugin:      NameProxyTrap,
			Severity:    sev,
			Host:        host,
			Path:        r.URL.Path,
			Context: map[string]any{
				"event_id":   "honeypot:http_request",
				"method":     r.Method,
				"user_agent": r.UserAgent(),
			},
		})
		if err != nil {
			p.log.Error("failed to record honeypot hit", "ip", ip, "error", err)
		}
	}

	switch cfg.ResponseType {
	case "silence":
		w.WriteHeader(http.StatusNoContent)
	case "custom":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, cfg.CustomHTML)
	default:
		http.NotFound(w, r)
	}
}

// trapped reports whether a host is in scope. An empty list traps
// everything.
func trapped(trapHosts []string, host string) bool {
	if len(trapHosts) == 0 {
		return true
	}
	for _, th := range trapHosts {
		if rules.Match(th, host) {
			return true
		}
	}
	return false
}

// clientIP strips the port from the remote address, honoring
// X-Forwarded-For when the trap sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
