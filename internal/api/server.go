// Package api is the admin and public HTTP surface. It talks to the
// block manager, the store and the gateway drivers; it never reaches
// past them to a firewall directly.
package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/mimosa/internal/auth"
	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/config"
	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/gateway"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/metrics"
	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/profile"
	"grimm.is/mimosa/internal/ratelimit"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/syncer"
	"grimm.is/mimosa/internal/whitelist"
)

// Server handles API requests.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	manager   *blocks.Manager
	evaluator *whitelist.Evaluator
	enricher  *profile.Enricher
	hub       *events.Hub
	syncer    *syncer.Syncer
	auth      *auth.Manager
	authMw    *auth.Middleware
	pipeline  *plugins.Pipeline
	webhook   *plugins.NPMWebhook
	limiter   *ratelimit.Limiter
	clock     clock.Clock
	log       *logging.Logger
	startTime time.Time

	drivers driverCache

	httpServer *http.Server
	mux        *http.ServeMux
}

// Options holds the server's collaborators.
type Options struct {
	Config    *config.Config
	Store     *store.Store
	Manager   *blocks.Manager
	Evaluator *whitelist.Evaluator
	Enricher  *profile.Enricher
	Hub       *events.Hub
	Syncer    *syncer.Syncer
	Auth      *auth.Manager
	Pipeline  *plugins.Pipeline
	Webhook   *plugins.NPMWebhook
	Clock     clock.Clock
	Resolver  gateway.HostResolver
}

// NewServer builds the API server and registers all routes.
func NewServer(opts Options) *Server {
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	requireAuth := true
	if opts.Config != nil && opts.Config.API != nil {
		requireAuth = opts.Config.API.RequireAuth
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		manager:   opts.Manager,
		evaluator: opts.Evaluator,
		enricher:  opts.Enricher,
		hub:       opts.Hub,
		syncer:    opts.Syncer,
		auth:      opts.Auth,
		authMw:    auth.NewMiddleware(opts.Auth, requireAuth),
		pipeline:  opts.Pipeline,
		webhook:   opts.Webhook,
		limiter:   ratelimit.NewLimiter(),
		clock:     clk,
		log:       logging.WithComponent("api"),
		startTime: clk.Now(),
		drivers: driverCache{
			ttl:      5 * time.Minute,
			clock:    clk,
			resolver: opts.Resolver,
			entries:  make(map[int64]*driverEntry),
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	mux := s.mux

	// Session lifecycle
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.Handle("GET /api/auth/session", s.authed(s.handleSession))

	// Firewalls
	mux.Handle("GET /api/firewalls", s.authed(s.handleListFirewalls))
	mux.Handle("POST /api/firewalls", s.authed(s.handleCreateFirewall))
	mux.Handle("GET /api/firewalls/{id}", s.authed(s.handleGetFirewall))
	mux.Handle("PUT /api/firewalls/{id}", s.authed(s.handleUpdateFirewall))
	mux.Handle("DELETE /api/firewalls/{id}", s.authed(s.handleDeleteFirewall))
	mux.Handle("POST /api/firewalls/test", s.authed(s.handleTestFirewall))
	mux.Handle("POST /api/firewalls/{id}/setup", s.authed(s.handleSetupFirewall))
	mux.Handle("GET /api/firewalls/{id}/aliases", s.authed(s.handleGetAliases))
	mux.Handle("POST /api/firewalls/{id}/aliases", s.authed(s.handleAddAliasEntry))
	mux.Handle("DELETE /api/firewalls/{id}/aliases", s.authed(s.handleRemoveAliasEntry))
	mux.Handle("GET /api/firewalls/{id}/blacklist", s.authed(s.handleGetBlacklist))
	mux.Handle("POST /api/firewalls/{id}/blacklist", s.authed(s.handleAddBlacklist))
	mux.Handle("DELETE /api/firewalls/{id}/blacklist", s.authed(s.handleRemoveBlacklist))
	mux.Handle("GET /api/firewalls/{id}/blocks", s.authed(s.handleFirewallBlocks))
	mux.Handle("GET /api/firewalls/{id}/rules", s.authed(s.handleFirewallRules))
	mux.Handle("GET /api/firewalls/{id}/rules/{uuid}", s.authed(s.handleFirewallRule))
	mux.Handle("POST /api/firewalls/{id}/rules/{uuid}/toggle", s.authed(s.handleToggleFirewallRule))
	mux.Handle("DELETE /api/firewalls/{id}/rules/{uuid}", s.authed(s.handleDeleteFirewallRule))

	// Whitelist
	mux.Handle("GET /api/whitelist", s.authed(s.handleListWhitelist))
	mux.Handle("POST /api/whitelist", s.authed(s.handleAddWhitelist))
	mux.Handle("DELETE /api/whitelist/{id}", s.authed(s.handleDeleteWhitelist))

	// Escalation rules
	mux.Handle("GET /api/rules", s.authed(s.handleListRules))
	mux.Handle("POST /api/rules", s.authed(s.handleCreateRule))
	mux.Handle("GET /api/rules/{id}", s.authed(s.handleGetRule))
	mux.Handle("PUT /api/rules/{id}", s.authed(s.handleUpdateRule))
	mux.Handle("DELETE /api/rules/{id}", s.authed(s.handleDeleteRule))

	// Offenses, blocks, profiles
	mux.Handle("GET /api/offenses", s.authed(s.handleListOffenses))
	mux.Handle("POST /api/offenses", s.authed(s.handleManualOffense))
	mux.Handle("GET /api/blocks", s.authed(s.handleListBlocks))
	mux.Handle("POST /api/blocks", s.authed(s.handleManualBlock))
	mux.Handle("DELETE /api/blocks/{ip}", s.authed(s.handleUnblock))
	mux.Handle("GET /api/blocks/history", s.authed(s.handleBlockHistory))
	mux.Handle("GET /api/ips", s.authed(s.handleListProfiles))
	mux.Handle("GET /api/ips/{ip}", s.authed(s.handleGetProfile))
	mux.Handle("POST /api/ips/{ip}/refresh", s.authed(s.handleRefreshProfile))

	// Aggregates
	mux.Handle("GET /api/stats", s.authed(s.handleStats))
	mux.Handle("GET /api/offenses/heatmap", s.authed(s.handleHeatmap))
	mux.Handle("GET /api/offenses/blocks_by_country", s.authed(s.handleBlocksByCountry))
	mux.Handle("GET /api/dashboard/top_ips", s.authed(s.handleTopIPs))
	mux.Handle("GET /api/dashboard/blocks/expiring", s.authed(s.handleExpiringBlocks))
	mux.Handle("GET /api/dashboard/blocks/reasons", s.authed(s.handleBlockReasons))
	mux.Handle("GET /api/dashboard/health", s.authed(s.handleDashboardHealth))
	mux.Handle("GET /api/dashboard/ip_types", s.authed(s.handleIPTypes))
	mux.Handle("GET /api/dashboard/reaction_time", s.authed(s.handleReactionTime))

	// Plugin configuration and ingestion
	mux.Handle("GET /api/plugins", s.authed(s.handleListPlugins))
	mux.Handle("GET /api/plugins/{name}", s.authed(s.handleGetPlugin))
	mux.Handle("PUT /api/plugins/{name}", s.authed(s.handlePutPlugin))
	mux.HandleFunc("POST /api/plugins/mimosanpm/ingest", s.handleNPMIngest)

	// Public, redacted
	mux.HandleFunc("GET /api/public/feed", s.handlePublicFeed)
	mux.HandleFunc("GET /api/public/heatmap", s.handlePublicHeatmap)
	mux.HandleFunc("GET /api/public/offenses_by_country", s.handlePublicByCountry)
	mux.HandleFunc("GET /api/public/offense_types", s.handlePublicOffenseTypes)
	mux.HandleFunc("GET /api/public/mimosa_location", s.handlePublicLocation)

	// Live feed
	mux.HandleFunc("GET /ws/live", s.handleLiveWS)

	// Operational
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
}

// authed wraps a handler with the session middleware.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return s.authMw.RequireAuth(h)
}

// triggerSync nudges the synchronizer after a state change. Nil when
// running without one, as some tests do.
func (s *Server) triggerSync() {
	if s.syncer != nil {
		s.syncer.TriggerNow()
	}
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// instrument tags each response with a request id and records
// per-request metrics using the matched route pattern so path
// parameters do not explode the label space.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	listen := config.DefaultListen
	if s.cfg != nil && s.cfg.Listen != "" {
		listen = s.cfg.Listen
	}
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	s.limiter.StartCleanup(10*time.Minute, time.Hour)
	s.log.Info("api server listening", "addr", listen)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// driverEntry is a cached gateway driver.
type driverEntry struct {
	driver  gateway.Driver
	expires time.Time
}

// driverCache keeps one driver per firewall for a short TTL so handler
// bursts do not rebuild HTTP clients per request.
type driverCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    clock.Clock
	resolver gateway.HostResolver
	entries  map[int64]*driverEntry

	// Swapped in tests.
	build func(fw *store.Firewall, resolver gateway.HostResolver) (gateway.Driver, error)
}

func (c *driverCache) get(fw *store.Firewall) (gateway.Driver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[fw.ID]; ok {
		if now.Before(e.expires) {
			return e.driver, nil
		}
		delete(c.entries, fw.ID)
	}

	build := c.build
	if build == nil {
		build = gateway.New
	}
	driver, err := build(fw, c.resolver)
	if err != nil {
		return nil, err
	}
	c.entries[fw.ID] = &driverEntry{driver: driver, expires: now.Add(c.ttl)}
	return driver, nil
}

// invalidate drops the cached driver after a config change.
func (c *driverCache) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
