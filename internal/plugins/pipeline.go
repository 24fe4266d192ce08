// Package plugins hosts the offense producers (honeypots and the
// reverse-proxy webhook) and the shared ingestion pipeline they submit to.
package plugins

import (
	"context"
	"fmt"

	"grimm.is/mimosa/internal/blocks"
	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/metrics"
	"grimm.is/mimosa/internal/offense"
	"grimm.is/mimosa/internal/profile"
	"grimm.is/mimosa/internal/rules"
	"grimm.is/mimosa/internal/store"
)

// OffenseEvent is the common shape every producer submits.
type OffenseEvent struct {
	SourceIP    string
	Description string
	Plugin      string
	Severity    store.Severity
	Host        string
	Path        string
	Context     map[string]any
}

// WhitelistChecker is what the pipeline needs from the evaluator.
type WhitelistChecker interface {
	IsWhitelisted(ctx context.Context, ip string) (bool, error)
}

// Pipeline runs record, whitelist, rules, block and broadcast for one
// event. The durable offense record is the contract with the caller:
// everything after it is best-effort and logged, never returned.
type Pipeline struct {
	recorder  *offense.Recorder
	store     *store.Store
	whitelist WhitelistChecker
	manager   *blocks.Manager
	hub       *events.Hub
	enricher  *profile.Enricher
	log       *logging.Logger
}

// NewPipeline wires the ingestion path. whitelist, hub and enricher may be
// nil (the corresponding stage is skipped).
func NewPipeline(s *store.Store, rec *offense.Recorder, wl WhitelistChecker, m *blocks.Manager, hub *events.Hub, enr *profile.Enricher) *Pipeline {
	return &Pipeline{
		recorder:  rec,
		store:     s,
		whitelist: wl,
		manager:   m,
		hub:       hub,
		enricher:  enr,
		log:       logging.WithComponent("pipeline"),
	}
}

// Submit runs the full ingestion path for one event. An error is returned
// only when the offense could not be durably recorded.
func (p *Pipeline) Submit(ctx context.Context, ev OffenseEvent) (*store.Offense, error) {
	o, err := p.recorder.Record(&store.Offense{
		SourceIP:    ev.SourceIP,
		Description: ev.Description,
		Plugin:      ev.Plugin,
		Severity:    ev.Severity,
		Host:        ev.Host,
		Path:        ev.Path,
		Context:     ev.Context,
	})
	if err != nil {
		metrics.IngestRejected.WithLabelValues(ev.Plugin, "record").Inc()
		return nil, fmt.Errorf("record offense: %w", err)
	}
	metrics.OffensesTotal.WithLabelValues(o.Plugin, string(o.Severity)).Inc()

	// From here on the record is committed; failures are logged only.
	if p.enricher != nil {
		if _, err := p.enricher.Enrich(ctx, o.SourceIP); err != nil {
			p.log.Warn("enrichment failed", "ip", o.SourceIP, "error", err)
		}
	}

	whitelisted := false
	if p.whitelist != nil {
		whitelisted, err = p.whitelist.IsWhitelisted(ctx, o.SourceIP)
		if err != nil {
			p.log.Warn("whitelist check failed during ingestion", "ip", o.SourceIP, "error", err)
		} else if whitelisted {
			// The block is still created for the audit trail; the
			// synchronizer withholds it from the firewall.
			p.log.Info("offense from whitelisted IP", "ip", o.SourceIP, "plugin", o.Plugin)
		}
	}

	p.evaluate(o)

	if p.hub != nil {
		p.hub.EmitOffense(events.OffenseData{
			ID:          o.ID,
			SourceIP:    o.SourceIP,
			Description: o.DescriptionClean,
			Plugin:      o.Plugin,
			Severity:    string(o.Severity),
			Host:        o.Host,
		}, o.Plugin)
	}

	return o, nil
}

// evaluate runs the rule engine and applies its decision.
func (p *Pipeline) evaluate(o *store.Offense) {
	ruleSet, err := p.store.ListRules()
	if err != nil {
		p.log.Error("failed to load rules", "error", err)
		return
	}

	lastHour, total, blocksTotal, err := p.store.OffenseCounts(o.SourceIP)
	if err != nil {
		p.log.Error("failed to load offense counts", "ip", o.SourceIP, "error", err)
		return
	}

	decision := rules.Evaluate(ruleSet, o, rules.Counts{
		LastHour:    lastHour,
		Total:       total,
		BlocksTotal: blocksTotal,
	})
	if decision == nil {
		return
	}

	reason := fmt.Sprintf("rule:%d", decision.MatchedRuleID)
	if _, err := p.manager.Add(blocks.AddRequest{
		IP:              o.SourceIP,
		Reason:          reason,
		ReasonText:      o.DescriptionClean,
		ReasonPlugin:    o.Plugin,
		Severity:        o.Severity,
		Source:          "rule",
		DurationMinutes: decision.BlockMinutes,
	}); err != nil {
		p.log.Error("failed to apply block decision", "ip", o.SourceIP, "rule", decision.MatchedRuleID, "error", err)
		return
	}
	metrics.BlockTransitions.WithLabelValues("add").Inc()
}
