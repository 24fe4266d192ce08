// Package cmd implements the mimosa subcommands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grimm.is/mimosa/internal/api"
	"grimm.is/mimosa/internal/auth"
	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/config"
	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/offense"
	"grimm.is/mimosa/internal/plugins"
	"grimm.is/mimosa/internal/profile"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/syncer"
	"grimm.is/mimosa/internal/whitelist"
)

// DefaultConfigPath is where the server looks for its HCL config.
const DefaultConfigPath = "/etc/mimosa/mimosa.hcl"

// Version is stamped by the build.
var Version = "dev"

// RunStart wires every subsystem together and serves until SIGINT or
// SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = parseLogLevel(cfg.LogLevel)
	logging.SetDefault(logging.New(logCfg))
	log := logging.WithComponent("main")
	log.Info("starting mimosa", "version", Version, "config", configFile)

	st, err := store.Open(store.Options{Path: cfg.Database})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := seedInitialFirewall(st, log); err != nil {
		return err
	}

	sessionTTL := time.Duration(cfg.API.SessionHours) * time.Hour
	authMgr := auth.NewManager(st, nil, sessionTTL, cfg.API.Keys)
	generated, err := authMgr.EnsureAdmin(os.Getenv("MIMOSA_ADMIN_PASSWORD"))
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if generated != "" {
		// Printed once; it is never recoverable from the store.
		fmt.Printf("Generated admin password: %s\n", generated)
	}

	var geo *profile.GeoIPManager
	if cfg.GeoIP.Database != "" {
		geo, err = profile.NewGeoIPManager(cfg.GeoIP.Database)
		if err != nil {
			log.Warn("geoip disabled", "database", cfg.GeoIP.Database, "error", err)
			geo = nil
		} else {
			defer geo.Close()
		}
	}
	resolver := profile.NewResolver(cfg.Enrichment.Resolver)
	enricher := profile.New(profile.Options{
		Store:    st,
		Geo:      geo,
		Resolver: resolver,
		APIURL:   cfg.Enrichment.APIURL,
		Timeout:  cfg.EnrichTimeout(),
		TTL:      cfg.EnrichTTL(),
	})

	hub := events.NewHub(nil)
	evaluator := whitelist.New(st, resolver, nil)
	manager, err := blocks.NewManager(st, evaluator, hub, nil)
	if err != nil {
		return fmt.Errorf("block manager: %w", err)
	}
	pipeline := plugins.NewPipeline(st, offense.NewRecorder(st), evaluator, manager, hub, enricher)

	// Offense plugins run from their stored configs. Disabled plugins
	// construct fine and just never listen.
	var trapCfg plugins.ProxyTrapConfig
	if err := plugins.LoadConfig(st, plugins.NameProxyTrap, &trapCfg); err != nil {
		return err
	}
	var portCfg plugins.PortDetectorConfig
	if err := plugins.LoadConfig(st, plugins.NamePortDetector, &portCfg); err != nil {
		return err
	}
	var npmCfg plugins.NPMConfig
	if err := plugins.LoadConfig(st, plugins.NameNPM, &npmCfg); err != nil {
		return err
	}
	proxyTrap := plugins.NewProxyTrap(trapCfg, pipeline)
	portDetector := plugins.NewPortDetector(portCfg, pipeline)
	webhook := plugins.NewNPMWebhook(npmCfg, pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := proxyTrap.Start(runCtx); err != nil {
		return err
	}
	if err := portDetector.Start(runCtx); err != nil {
		return err
	}

	fwSync := syncer.New(st, manager, resolver, cfg.SyncInterval(), nil)
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		fwSync.Run(runCtx)
	}()

	background.Add(1)
	go func() {
		defer background.Done()
		hub.RunStatsTicker(runCtx, 30*time.Second, func() events.StatsData {
			data := events.StatsData{Subscribers: hub.SubscriberCount()}
			if sum, err := st.GlobalCounts(); err == nil {
				data.OffensesLastHour = sum.OffensesLastHour
				data.ActiveBlocks = sum.ActiveBlocks
				data.TotalOffenses = sum.OffensesTotal
			}
			return data
		})
	}()

	background.Add(1)
	go func() {
		defer background.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				authMgr.PurgeExpired()
			}
		}
	}()

	server := api.NewServer(api.Options{
		Config:    cfg,
		Store:     st,
		Manager:   manager,
		Evaluator: evaluator,
		Enricher:  enricher,
		Hub:       hub,
		Syncer:    fwSync,
		Auth:      authMgr,
		Pipeline:  pipeline,
		Webhook:   webhook,
		Resolver:  resolver,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancelRun()
			background.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	// Shutdown order: stop taking new work, stop the traps, then let the
	// background loops drain before the store closes underneath them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown incomplete", "error", err)
	}
	if err := proxyTrap.Stop(shutdownCtx); err != nil {
		log.Warn("honeypot shutdown incomplete", "error", err)
	}
	if err := portDetector.Stop(shutdownCtx); err != nil {
		log.Warn("port honeypot shutdown incomplete", "error", err)
	}
	cancelRun()
	background.Wait()

	log.Info("mimosa stopped")
	return nil
}

// seedInitialFirewall registers a firewall from INITIAL_FIREWALL_*
// variables on a fresh database, for container bootstraps without a UI
// round trip.
func seedInitialFirewall(st *store.Store, log *logging.Logger) error {
	n, err := st.CountFirewalls()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	seed := config.InitialFirewallFromEnv()
	if seed == nil {
		return nil
	}

	fw, err := st.AddFirewall(&store.Firewall{
		Name:         seed.Name,
		Type:         store.FirewallType(seed.Type),
		BaseURL:      seed.BaseURL,
		APIKey:       seed.APIKey,
		APISecret:    seed.APISecret,
		VerifySSL:    seed.VerifySSL,
		Enabled:      true,
		ApplyChanges: true,
	})
	if err != nil {
		return fmt.Errorf("seed initial firewall: %w", err)
	}
	log.Info("seeded initial firewall from environment", "name", fw.Name, "type", fw.Type)
	return nil
}

func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
