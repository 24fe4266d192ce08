// Package rules is the escalation engine: it evaluates a recorded offense
// against the ordered rule set and decides whether the source IP should be
// blocked, and for how long.
package rules

import (
	"strings"

	"grimm.is/mimosa/internal/store"
)

// Counts are the per-IP counters a rule gates on.
type Counts struct {
	LastHour    int64
	Total       int64
	BlocksTotal int64
}

// Decision is the outcome of a rule match. BlockMinutes nil means a
// permanent block.
type Decision struct {
	BlockMinutes  *int
	MatchedRuleID int64
}

// Evaluate runs the offense through the rules in id-ascending order and
// returns the first decision, or nil if no rule matches. It is pure: no
// store access, no mutation.
func Evaluate(rules []*store.Rule, o *store.Offense, c Counts) *Decision {
	eventID := DeriveEventID(o)
	for _, r := range rules {
		if !Match(r.Plugin, o.Plugin) {
			continue
		}
		if !Match(r.EventID, eventID) {
			continue
		}
		if !Match(r.Severity, string(o.Severity)) {
			continue
		}
		if !Match(r.Description, o.DescriptionClean) {
			continue
		}
		if c.LastHour < int64(r.MinLastHour) ||
			c.Total < int64(r.MinTotal) ||
			c.BlocksTotal < int64(r.MinBlocksTotal) {
			continue
		}
		return &Decision{BlockMinutes: r.BlockMinutes, MatchedRuleID: r.ID}
	}
	return nil
}

// DeriveEventID extracts the event identifier a rule's event_id pattern is
// matched against: context.event_id, then context.alert_type, then the
// first token after ':' in the description.
func DeriveEventID(o *store.Offense) string {
	if o.Context != nil {
		if v, ok := o.Context["event_id"].(string); ok && v != "" {
			return v
		}
		if v, ok := o.Context["alert_type"].(string); ok && v != "" {
			return v
		}
	}
	if _, after, found := strings.Cut(o.Description, ":"); found {
		fields := strings.Fields(after)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// Match reports whether value matches pattern. Patterns use * (any run of
// characters) and ? (exactly one character); comparison is
// case-insensitive, and "*" or the empty pattern match anything.
func Match(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return matchFold(strings.ToLower(pattern), strings.ToLower(value))
}

// matchFold is the classic two-pointer glob walk with backtracking to the
// last '*'.
func matchFold(p, v string) bool {
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
