// Package offense records incoming offenses and keeps the per-IP counters
// that the rule engine gates on. It is the single writer for offense rows.
package offense

import (
	"fmt"
	"regexp"
	"strings"

	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// Recorder persists offenses and bumps IP profiles.
type Recorder struct {
	store *store.Store
	log   *logging.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s, log: logging.WithComponent("offense")}
}

// Record validates and persists an offense, then bumps the source IP's
// profile counters. Returns the stored row with its assigned id.
func (r *Recorder) Record(o *store.Offense) (*store.Offense, error) {
	if err := validation.ValidateIP(o.SourceIP); err != nil {
		return nil, fmt.Errorf("invalid source IP: %w", err)
	}
	if strings.TrimSpace(o.Description) == "" {
		return nil, fmt.Errorf("offense description is required")
	}
	if o.Severity != "" && !o.Severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", o.Severity)
	}

	o.DescriptionClean = CleanDescription(o.Description)

	stored, err := r.store.InsertOffense(o)
	if err != nil {
		return nil, err
	}
	if err := r.store.TouchProfile(o.SourceIP); err != nil {
		// The offense row is durable; a counter miss is not fatal.
		r.log.Warn("failed to bump profile counters", "ip", o.SourceIP, "error", err)
	}

	r.log.Info("offense recorded",
		"ip", stored.SourceIP,
		"plugin", stored.Plugin,
		"severity", string(stored.Severity),
		"description", stored.DescriptionClean)
	return stored, nil
}

// List returns offenses matching the filter, newest first.
func (r *Recorder) List(f store.OffenseFilter, limit int) ([]*store.Offense, error) {
	return r.store.ListOffenses(f, limit)
}

// Counts returns the rule-engine counters for an IP.
func (r *Recorder) Counts(ip string) (lastHour, total, blocksTotal int64, err error) {
	return r.store.OffenseCounts(ip)
}

var bracketSuffix = regexp.MustCompile(`\s*\[[^\]]*\]\s*$`)

// CleanDescription strips trailing bracketed technical suffixes from a raw
// description, e.g. "SQL injection [id=17] [blocked]" becomes
// "SQL injection". The raw form is kept alongside for the audit trail.
func CleanDescription(raw string) string {
	clean := strings.TrimSpace(raw)
	for {
		next := bracketSuffix.ReplaceAllString(clean, "")
		if next == clean {
			break
		}
		clean = strings.TrimSpace(next)
	}
	if clean == "" {
		return strings.TrimSpace(raw)
	}
	return clean
}
