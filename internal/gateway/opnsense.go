package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
	"grimm.is/mimosa/internal/validation"
)

// opnsense drives an OPNsense appliance through /api/firewall/alias and
// /api/firewall/filter with basic auth (key:secret).
type opnsense struct {
	fw       *store.Firewall
	client   *http.Client
	resolver HostResolver
	log      *logging.Logger

	// Serializes mutations so reconciliation, rule install and apply
	// cannot interleave.
	mu sync.Mutex
}

func newOPNsense(fw *store.Firewall, resolver HostResolver) *opnsense {
	transport := &http.Transport{}
	if !fw.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &opnsense{
		fw:       fw,
		client:   &http.Client{Timeout: fw.Timeout(), Transport: transport},
		resolver: resolver,
		log:      logging.WithComponent("gateway.opnsense").WithFields(map[string]any{"firewall": fw.Name}),
	}
}

// do issues one API call and decodes the JSON response into out.
func (d *opnsense) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(d.fw.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.fw.APIKey, d.fw.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// aliasUUID looks up an alias by name. Empty means not present.
func (d *opnsense) aliasUUID(ctx context.Context, name string) (string, error) {
	var resp struct {
		UUID string `json:"uuid"`
	}
	err := d.do(ctx, http.MethodGet, "/api/firewall/alias/getAliasUUID/"+name, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.UUID, nil
}

// aliasSpec is the creation shape for addItem.
type aliasSpec struct {
	Enabled     string `json:"enabled"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

func (d *opnsense) createAlias(ctx context.Context, name, aliasType, description string) error {
	var resp struct {
		Result string `json:"result"`
	}
	body := map[string]aliasSpec{"alias": {
		Enabled:     "1",
		Name:        name,
		Type:        aliasType,
		Description: description,
	}}
	if err := d.do(ctx, http.MethodPost, "/api/firewall/alias/addItem", body, &resp); err != nil {
		return err
	}
	if resp.Result != "saved" {
		return fmt.Errorf("create alias %s: result %q", name, resp.Result)
	}
	return nil
}

// canonicalAliases maps alias name to OPNsense alias type.
var canonicalAliases = []struct {
	name, typ, desc string
}{
	{store.AliasWhitelist, "network", "Mimosa allowlist"},
	{store.AliasTemporal, "network", "Mimosa temporal blocks"},
	{store.AliasBlacklist, "network", "Mimosa permanent blocks"},
	{store.AliasPortsTCP, "port", "Mimosa honeypot TCP ports"},
	{store.AliasPortsUDP, "port", "Mimosa honeypot UDP ports"},
}

func (d *opnsense) EnsureAliases(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	created := false
	for _, a := range canonicalAliases {
		uuid, err := d.aliasUUID(ctx, a.name)
		if err != nil {
			return err
		}
		if uuid != "" {
			continue
		}
		if err := d.createAlias(ctx, a.name, a.typ, a.desc); err != nil {
			return err
		}
		d.log.Info("created alias", "alias", a.name)
		created = true
	}
	if created && d.fw.ApplyChanges {
		return d.reconfigure(ctx)
	}
	return nil
}

// mimosaRules is the canonical rule chain, in install order.
var mimosaRules = []struct {
	desc, action, alias string
}{
	{"Mimosa: pass whitelist", "pass", store.AliasWhitelist},
	{"Mimosa: block temporal", "block", store.AliasTemporal},
	{"Mimosa: block blacklist", "block", store.AliasBlacklist},
}

func (d *opnsense) InstallRules(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listRulesLocked(ctx)
	if err != nil {
		return err
	}
	byDesc := make(map[string]Rule, len(existing))
	for _, r := range existing {
		byDesc[r.Description] = r
	}

	created := false
	for seq, spec := range mimosaRules {
		// Rules the operator already has keep their enabled state.
		if _, ok := byDesc[spec.desc]; ok {
			continue
		}
		body := map[string]any{"rule": map[string]any{
			"enabled":         "0", // operator flips new rules on
			"sequence":        fmt.Sprintf("%d", seq+1),
			"action":          spec.action,
			"interface":       "wan",
			"direction":       "in",
			"ipprotocol":      "inet",
			"protocol":        "any",
			"source_net":      spec.alias,
			"destination_net": "any",
			"description":     spec.desc,
			"log":             "1",
			"quick":           "1",
		}}
		var resp struct {
			Result string `json:"result"`
		}
		if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/addRule", body, &resp); err != nil {
			return err
		}
		if resp.Result != "saved" {
			return fmt.Errorf("install rule %q: result %q", spec.desc, resp.Result)
		}
		d.log.Info("installed rule", "description", spec.desc)
		created = true
	}

	if created && d.fw.ApplyChanges {
		return d.applyFilter(ctx)
	}
	return nil
}

type opnRuleRow struct {
	UUID        string `json:"uuid"`
	Description string `json:"description"`
	SourceNet   string `json:"source_net"`
	Action      string `json:"action"`
	Enabled     string `json:"enabled"`
	Sequence    string `json:"sequence"`
}

func (d *opnsense) ListRules(ctx context.Context) ([]Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listRulesLocked(ctx)
}

func (d *opnsense) listRulesLocked(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Rows []opnRuleRow `json:"rows"`
	}
	body := map[string]any{"current": 1, "rowCount": 500, "searchPhrase": "Mimosa"}
	if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/searchRule", body, &resp); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		var seq int
		fmt.Sscanf(row.Sequence, "%d", &seq)
		rules = append(rules, Rule{
			ID:          row.UUID,
			Description: row.Description,
			SourceAlias: row.SourceNet,
			Action:      row.Action,
			Enabled:     row.Enabled == "1",
			Sequence:    seq,
		})
	}
	return rules, nil
}

func (d *opnsense) GetRule(ctx context.Context, id string) (*Rule, error) {
	rules, err := d.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *opnsense) ToggleRule(ctx context.Context, id string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := "0"
	if enabled {
		state = "1"
	}
	if err := d.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/firewall/filter/toggleRule/%s/%s", id, state), struct{}{}, nil); err != nil {
		return err
	}
	if d.fw.ApplyChanges {
		return d.applyFilter(ctx)
	}
	return nil
}

func (d *opnsense) DeleteRule(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/delRule/"+id, struct{}{}, nil); err != nil {
		return err
	}
	if d.fw.ApplyChanges {
		return d.applyFilter(ctx)
	}
	return nil
}

// listAliasContents reads the live entries via alias_util.
func (d *opnsense) listAliasContents(ctx context.Context, alias string) ([]string, error) {
	var resp struct {
		Rows []struct {
			IP string `json:"ip"`
		} `json:"rows"`
	}
	if err := d.do(ctx, http.MethodGet, "/api/firewall/alias_util/list/"+alias, nil, &resp); err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		entries = append(entries, row.IP)
	}
	return entries, nil
}

func (d *opnsense) ListAlias(ctx context.Context, alias string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listAliasContents(ctx, alias)
}

func (d *opnsense) AddToAlias(ctx context.Context, alias, entry string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(ctx, alias, entry)
}

func (d *opnsense) addLocked(ctx context.Context, alias, entry string) error {
	return d.do(ctx, http.MethodPost, "/api/firewall/alias_util/add/"+alias,
		map[string]string{"address": entry}, nil)
}

func (d *opnsense) removeLocked(ctx context.Context, alias, entry string) error {
	return d.do(ctx, http.MethodPost, "/api/firewall/alias_util/delete/"+alias,
		map[string]string{"address": entry}, nil)
}

func (d *opnsense) AddBulk(ctx context.Context, alias string, entries []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	failed := make(map[string]error)
	for _, e := range entries {
		if err := d.addLocked(ctx, alias, e); err != nil {
			failed[e] = err
		}
	}
	if len(failed) > 0 {
		return &PartialError{Op: "add_bulk " + alias, Failed: failed}
	}
	return nil
}

func (d *opnsense) RemoveFromAlias(ctx context.Context, alias, entry string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(ctx, alias, entry)
}

func (d *opnsense) SetAliasContents(ctx context.Context, alias string, entries []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Network aliases hold addresses and CIDRs only; FQDN whitelist
	// entries must be resolved before they go in.
	resolved := resolveEntries(ctx, d.resolver, entries, func(entry string, err error) {
		d.log.Warn("skipping unresolvable alias entry", "alias", alias, "entry", entry, "error", err)
	})

	if uuid, err := d.aliasUUID(ctx, alias); err != nil {
		return false, err
	} else if uuid == "" {
		if err := d.createAlias(ctx, alias, "network", "Mimosa managed"); err != nil {
			return false, err
		}
	}

	current, err := d.listAliasContents(ctx, alias)
	if err != nil {
		return false, err
	}

	toAdd, toRemove := diffSets(current, resolved)
	failed := make(map[string]error)
	for _, e := range toAdd {
		if err := d.addLocked(ctx, alias, e); err != nil {
			failed[e] = err
		}
	}
	for _, e := range toRemove {
		if err := d.removeLocked(ctx, alias, e); err != nil {
			failed[e] = err
		}
	}

	changed := len(toAdd)+len(toRemove) > 0
	if len(failed) > 0 {
		return changed, &PartialError{Op: "set_alias_contents " + alias, Failed: failed}
	}
	return changed, nil
}

func (d *opnsense) SyncPortsAlias(ctx context.Context, protocol string, ports []int) error {
	alias := store.AliasPortsTCP
	if strings.EqualFold(protocol, "udp") {
		alias = store.AliasPortsUDP
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	uuid, err := d.aliasUUID(ctx, alias)
	if err != nil {
		return err
	}
	if uuid == "" {
		if err := d.createAlias(ctx, alias, "port", "Mimosa honeypot ports"); err != nil {
			return err
		}
		if uuid, err = d.aliasUUID(ctx, alias); err != nil {
			return err
		}
	}

	failed := make(map[string]error)
	var valid []string
	for _, p := range ports {
		if err := validation.ValidatePort(p); err != nil {
			failed[fmt.Sprintf("%d", p)] = err
			continue
		}
		valid = append(valid, fmt.Sprintf("%d", p))
	}

	body := map[string]aliasSpec{"alias": {
		Enabled:     "1",
		Name:        alias,
		Type:        "port",
		Content:     strings.Join(valid, "\n"),
		Description: "Mimosa honeypot ports",
	}}
	if err := d.do(ctx, http.MethodPost, "/api/firewall/alias/setItem/"+uuid, body, nil); err != nil {
		return err
	}
	if d.fw.ApplyChanges {
		if err := d.reconfigure(ctx); err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		return &PartialError{Op: "ports_alias_sync " + alias, Failed: failed}
	}
	return nil
}

func (d *opnsense) reconfigure(ctx context.Context) error {
	return d.do(ctx, http.MethodPost, "/api/firewall/alias/reconfigure", struct{}{}, nil)
}

func (d *opnsense) applyFilter(ctx context.Context) error {
	return d.do(ctx, http.MethodPost, "/api/firewall/filter/apply", struct{}{}, nil)
}

func (d *opnsense) Apply(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reconfigure(ctx); err != nil {
		return err
	}
	return d.applyFilter(ctx)
}

func (d *opnsense) TestConnectivity(ctx context.Context) TestResult {
	start := clock.Now()
	_, err := d.aliasUUID(ctx, store.AliasWhitelist)
	latency := clock.Since(start).Milliseconds()

	if err != nil {
		return TestResult{Online: false, Message: err.Error(), LatencyMS: latency}
	}
	return TestResult{Online: true, Message: "ok", LatencyMS: latency}
}
