package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// pfsense drives a pfSense appliance through the REST API v2. All object
// ids are positional and shift on every insert or delete, so nothing here
// caches an id: every operation re-resolves its target by name.
type pfsense struct {
	fw       *store.Firewall
	client   *http.Client
	resolver HostResolver
	log      *logging.Logger

	mu sync.Mutex
}

func newPfSense(fw *store.Firewall, resolver HostResolver) *pfsense {
	transport := &http.Transport{}
	if !fw.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &pfsense{
		fw:       fw,
		client:   &http.Client{Timeout: fw.Timeout(), Transport: transport},
		resolver: resolver,
		log:      logging.WithComponent("gateway.pfsense").WithFields(map[string]any{"firewall": fw.Name}),
	}
}

// envelope is the REST v2 response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (d *pfsense) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(d.fw.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(d.fw.APIKey, d.fw.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 400 || (env.Code != 0 && env.Code >= 400) {
		if resp.StatusCode == http.StatusNotFound || env.Code == http.StatusNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, env.Message)
	}
	return &env, nil
}

// pfAlias is an alias object in the REST v2 schema.
type pfAlias struct {
	ID      *int     `json:"id,omitempty"`
	Name    string   `json:"name"`
	Type    string   `json:"type"` // host, network, port
	Address []string `json:"address"`
	Descr   string   `json:"descr,omitempty"`
}

// findAlias resolves an alias by name, fresh each call. nil means absent.
func (d *pfsense) findAlias(ctx context.Context, name string) (*pfAlias, error) {
	env, err := d.do(ctx, http.MethodGet, "/api/v2/firewall/aliases?name="+url.QueryEscape(name), nil)
	if err != nil {
		return nil, err
	}
	var aliases []pfAlias
	if err := json.Unmarshal(env.Data, &aliases); err != nil {
		return nil, fmt.Errorf("decode aliases: %w", err)
	}
	for i := range aliases {
		if aliases[i].Name == name {
			return &aliases[i], nil
		}
	}
	return nil, nil
}

func (d *pfsense) createAlias(ctx context.Context, name, aliasType, descr string, addresses []string) error {
	if addresses == nil {
		addresses = []string{}
	}
	_, err := d.do(ctx, http.MethodPost, "/api/v2/firewall/alias", pfAlias{
		Name: name, Type: aliasType, Address: addresses, Descr: descr,
	})
	return err
}

// writeAlias PATCHes the full address list. The id is resolved immediately
// before the write, never reused.
func (d *pfsense) writeAlias(ctx context.Context, alias *pfAlias, addresses []string) error {
	if addresses == nil {
		addresses = []string{}
	}
	_, err := d.do(ctx, http.MethodPatch, "/api/v2/firewall/alias", pfAlias{
		ID: alias.ID, Name: alias.Name, Type: alias.Type, Address: addresses, Descr: alias.Descr,
	})
	return err
}

// pfCanonicalAliases maps the canonical names to REST v2 alias types.
// Whitelist is a network alias so it can hold hosts and CIDRs alike.
var pfCanonicalAliases = []struct {
	name, typ, desc string
}{
	{store.AliasWhitelist, "network", "Mimosa allowlist"},
	{store.AliasTemporal, "network", "Mimosa temporal blocks"},
	{store.AliasBlacklist, "network", "Mimosa permanent blocks"},
	{store.AliasPortsTCP, "port", "Mimosa honeypot TCP ports"},
	{store.AliasPortsUDP, "port", "Mimosa honeypot UDP ports"},
}

func (d *pfsense) EnsureAliases(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	created := false
	for _, a := range pfCanonicalAliases {
		existing, err := d.findAlias(ctx, a.name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := d.createAlias(ctx, a.name, a.typ, a.desc, nil); err != nil {
			return err
		}
		d.log.Info("created alias", "alias", a.name)
		created = true
	}
	if created && d.fw.ApplyChanges {
		return d.applyLocked(ctx)
	}
	return nil
}

// pfRule is a filter rule in the REST v2 schema.
type pfRule struct {
	ID        *int     `json:"id,omitempty"`
	Type      string   `json:"type"` // pass or block
	Interface []string `json:"interface"`
	IPProto   string   `json:"ipprotocol"`
	Protocol  string   `json:"protocol,omitempty"`
	Source    string   `json:"source"`
	Dest      string   `json:"destination"`
	Descr     string   `json:"descr"`
	Disabled  bool     `json:"disabled"`
	Log       bool     `json:"log"`
}

// listMimosaRules fetches the managed rules, ids fresh.
func (d *pfsense) listMimosaRules(ctx context.Context) ([]pfRule, error) {
	env, err := d.do(ctx, http.MethodGet, "/api/v2/firewall/rules?limit=0", nil)
	if err != nil {
		return nil, err
	}
	var all []pfRule
	if err := json.Unmarshal(env.Data, &all); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	var mine []pfRule
	for _, r := range all {
		if strings.HasPrefix(r.Descr, "Mimosa:") {
			mine = append(mine, r)
		}
	}
	return mine, nil
}

func (d *pfsense) InstallRules(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listMimosaRules(ctx)
	if err != nil {
		return err
	}
	byDesc := make(map[string]bool, len(existing))
	for _, r := range existing {
		byDesc[r.Descr] = true
	}

	created := false
	specs := []struct {
		desc, action, alias string
	}{
		{"Mimosa: pass whitelist", "pass", store.AliasWhitelist},
		{"Mimosa: block temporal", "block", store.AliasTemporal},
		{"Mimosa: block blacklist", "block", store.AliasBlacklist},
	}
	for _, spec := range specs {
		// Existing rules keep whatever enabled state the operator set.
		if byDesc[spec.desc] {
			continue
		}
		_, err := d.do(ctx, http.MethodPost, "/api/v2/firewall/rule", pfRule{
			Type:      spec.action,
			Interface: []string{"wan"},
			IPProto:   "inet",
			Source:    spec.alias,
			Dest:      "any",
			Descr:     spec.desc,
			Log:       true,
		})
		if err != nil {
			return err
		}
		d.log.Info("installed rule", "description", spec.desc)
		created = true
	}

	if created && d.fw.ApplyChanges {
		return d.applyLocked(ctx)
	}
	return nil
}

func (d *pfsense) ListRules(ctx context.Context) ([]Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.listMimosaRules(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(rows))
	for i, r := range rows {
		id := ""
		if r.ID != nil {
			id = fmt.Sprintf("%d", *r.ID)
		}
		rules = append(rules, Rule{
			ID:          id,
			Description: r.Descr,
			SourceAlias: r.Source,
			Action:      r.Type,
			Enabled:     !r.Disabled,
			Sequence:    i + 1,
		})
	}
	return rules, nil
}

// ruleByID re-resolves a positional id against the live rule list. The id
// is only trusted for the duration of one operation.
func (d *pfsense) ruleByID(ctx context.Context, id string) (*pfRule, error) {
	rows, err := d.listMimosaRules(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ID != nil && fmt.Sprintf("%d", *rows[i].ID) == id {
			return &rows[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *pfsense) GetRule(ctx context.Context, id string) (*Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.ruleByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Rule{
		ID:          id,
		Description: r.Descr,
		SourceAlias: r.Source,
		Action:      r.Type,
		Enabled:     !r.Disabled,
	}, nil
}

func (d *pfsense) ToggleRule(ctx context.Context, id string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.ruleByID(ctx, id)
	if err != nil {
		return err
	}
	r.Disabled = !enabled
	if _, err := d.do(ctx, http.MethodPatch, "/api/v2/firewall/rule", r); err != nil {
		return err
	}
	if d.fw.ApplyChanges {
		return d.applyLocked(ctx)
	}
	return nil
}

func (d *pfsense) DeleteRule(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.ruleByID(ctx, id); err != nil {
		return err
	}
	if _, err := d.do(ctx, http.MethodDelete, "/api/v2/firewall/rule?id="+url.QueryEscape(id), nil); err != nil {
		return err
	}
	if d.fw.ApplyChanges {
		return d.applyLocked(ctx)
	}
	return nil
}

func (d *pfsense) ListAlias(ctx context.Context, alias string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	found, err := d.findAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found.Address, nil
}

func (d *pfsense) AddToAlias(ctx context.Context, alias, entry string) error {
	return d.AddBulk(ctx, alias, []string{entry})
}

func (d *pfsense) AddBulk(ctx context.Context, alias string, entries []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.findAlias(ctx, alias)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("alias %s: %w", alias, store.ErrNotFound)
	}

	desired := append([]string{}, a.Address...)
	have := make(map[string]struct{}, len(desired))
	for _, e := range desired {
		have[e] = struct{}{}
	}
	changed := false
	for _, e := range entries {
		if _, ok := have[e]; !ok {
			desired = append(desired, e)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return d.writeAlias(ctx, a, desired)
}

func (d *pfsense) RemoveFromAlias(ctx context.Context, alias, entry string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.findAlias(ctx, alias)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("alias %s: %w", alias, store.ErrNotFound)
	}

	var desired []string
	found := false
	for _, e := range a.Address {
		if e == entry {
			found = true
			continue
		}
		desired = append(desired, e)
	}
	if !found {
		return nil
	}
	return d.writeAlias(ctx, a, desired)
}

func (d *pfsense) SetAliasContents(ctx context.Context, alias string, entries []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// FQDNs do not survive in pfSense address lists; resolve them first
	// and skip what does not resolve.
	resolved := resolveEntries(ctx, d.resolver, entries, func(entry string, err error) {
		d.log.Warn("skipping unresolvable whitelist entry", "entry", entry, "error", err)
	})

	a, err := d.findAlias(ctx, alias)
	if err != nil {
		return false, err
	}
	if a == nil {
		if err := d.createAlias(ctx, alias, "network", "Mimosa managed", resolved); err != nil {
			return false, err
		}
		return len(resolved) > 0, nil
	}

	toAdd, toRemove := diffSets(a.Address, resolved)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return false, nil
	}
	if err := d.writeAlias(ctx, a, resolved); err != nil {
		return true, err
	}
	return true, nil
}

func (d *pfsense) SyncPortsAlias(ctx context.Context, protocol string, ports []int) error {
	alias := store.AliasPortsTCP
	if strings.EqualFold(protocol, "udp") {
		alias = store.AliasPortsUDP
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	failed := make(map[string]error)
	var valid []string
	for _, p := range ports {
		if err := validation.ValidatePort(p); err != nil {
			failed[fmt.Sprintf("%d", p)] = err
			continue
		}
		valid = append(valid, fmt.Sprintf("%d", p))
	}

	a, err := d.findAlias(ctx, alias)
	if err != nil {
		return err
	}
	if a == nil {
		if err := d.createAlias(ctx, alias, "port", "Mimosa honeypot ports", valid); err != nil {
			return err
		}
	} else if err := d.writeAlias(ctx, a, valid); err != nil {
		return err
	}

	if d.fw.ApplyChanges {
		if err := d.applyLocked(ctx); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &PartialError{Op: "ports_alias_sync " + alias, Failed: failed}
	}
	return nil
}

// pfNAT is a port forward in the REST v2 schema.
type pfNAT struct {
	ID         *int   `json:"id,omitempty"`
	Interface  string `json:"interface"`
	Protocol   string `json:"protocol"`
	Target     string `json:"target"`
	LocalPort  string `json:"local_port"`
	Dest       string `json:"destination"`
	DestPort   string `json:"destination_port"`
	Descr      string `json:"descr"`
	AssocRule  string `json:"associated_rule_id,omitempty"`
	AssocStyle string `json:"associated_rule_type,omitempty"`
}

// SyncHostNAT reconciles the port forward that redirects honeypot traffic
// to the mimosa_host target. The associated filter rule id from the live
// object is always carried forward; if it is gone, the NAT entry is
// recreated so pfSense regenerates the association.
func (d *pfsense) SyncHostNAT(ctx context.Context, target string, port int) error {
	if err := validation.ValidatePort(port); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	env, err := d.do(ctx, http.MethodGet, "/api/v2/firewall/nat/port_forwards?limit=0", nil)
	if err != nil {
		return err
	}
	var forwards []pfNAT
	if err := json.Unmarshal(env.Data, &forwards); err != nil {
		return fmt.Errorf("decode port forwards: %w", err)
	}

	const descr = "Mimosa: honeypot redirect"
	var existing *pfNAT
	for i := range forwards {
		if forwards[i].Descr == descr {
			existing = &forwards[i]
			break
		}
	}

	desired := pfNAT{
		Interface:  "wan",
		Protocol:   "tcp",
		Target:     target,
		LocalPort:  fmt.Sprintf("%d", port),
		Dest:       "any",
		DestPort:   store.AliasPortsTCP,
		Descr:      descr,
		AssocStyle: "associated",
	}

	switch {
	case existing == nil:
		if _, err := d.do(ctx, http.MethodPost, "/api/v2/firewall/nat/port_forward", desired); err != nil {
			return err
		}
	case existing.AssocRule == "":
		// The associated rule vanished. Recreate the forward so the
		// appliance regenerates the pair, then reapply.
		d.log.Warn("associated NAT rule missing, recreating forward")
		if _, err := d.do(ctx, http.MethodDelete,
			fmt.Sprintf("/api/v2/firewall/nat/port_forward?id=%d", *existing.ID), nil); err != nil {
			return err
		}
		if _, err := d.do(ctx, http.MethodPost, "/api/v2/firewall/nat/port_forward", desired); err != nil {
			return err
		}
	default:
		// Preserve the live association; never write back a stale id.
		desired.ID = existing.ID
		desired.AssocRule = existing.AssocRule
		if _, err := d.do(ctx, http.MethodPatch, "/api/v2/firewall/nat/port_forward", desired); err != nil {
			return err
		}
	}

	if d.fw.ApplyChanges {
		return d.applyLocked(ctx)
	}
	return nil
}

func (d *pfsense) applyLocked(ctx context.Context) error {
	_, err := d.do(ctx, http.MethodPost, "/api/v2/firewall/apply", struct{}{})
	return err
}

func (d *pfsense) Apply(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(ctx)
}

func (d *pfsense) TestConnectivity(ctx context.Context) TestResult {
	start := clock.Now()
	_, err := d.findAlias(ctx, store.AliasWhitelist)
	latency := clock.Since(start).Milliseconds()

	if err != nil {
		return TestResult{Online: false, Message: err.Error(), LatencyMS: latency}
	}
	return TestResult{Online: true, Message: "ok", LatencyMS: latency}
}
