package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/mimosa/internal/config"
)

// RunCheck validates the configuration file and prints the effective
// settings.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: mimosa check [-v] <config-file>")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("Configuration valid!")
	fmt.Printf("Listen: %s\n", cfg.Listen)
	fmt.Printf("Database: %s\n", cfg.Database)
	fmt.Printf("Sync interval: %s\n", cfg.SyncInterval())
	fmt.Printf("Auth required: %t\n", cfg.API.RequireAuth)

	if verbose {
		fmt.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "log_level\t%s\n", cfg.LogLevel)
	fmt.Fprintf(w, "geoip_database\t%s\n", cfg.GeoIP.Database)
	fmt.Fprintf(w, "enrichment_api\t%s\n", valueOr(cfg.Enrichment.APIURL, "(disabled)"))
	fmt.Fprintf(w, "enrichment_ttl\t%s\n", cfg.EnrichTTL())
	fmt.Fprintf(w, "resolver\t%s\n", valueOr(cfg.Enrichment.Resolver, "(system)"))
	fmt.Fprintf(w, "session_hours\t%d\n", cfg.API.SessionHours)
	fmt.Fprintf(w, "api_keys\t%d\n", len(cfg.API.Keys))
	if cfg.Location != nil {
		fmt.Fprintf(w, "location\t%s (%.4f, %.4f)\n", cfg.Location.Label, cfg.Location.Latitude, cfg.Location.Longitude)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
