// Package inventory loads providers, settings, sites and domains from a
// YAML document into a store. Applying the same document twice leaves the
// store unchanged.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"gopkg.in/yaml.v3"
)

// Inventory is the document layout
type Inventory struct {
	Providers []Provider     `yaml:"providers"`
	Settings  []SettingGroup `yaml:"settings"`
	Sites     []Site         `yaml:"sites"`
	Domains   []Domain       `yaml:"domains"`
}

// Provider declares one provider record. Settings are stored under the
// provider's config id.
type Provider struct {
	Kind     string            `yaml:"kind"`
	Label    string            `yaml:"label"`
	Module   string            `yaml:"module"`
	ConfigID string            `yaml:"config_id,omitempty"`
	Active   *bool             `yaml:"active,omitempty"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// SettingGroup sets values under an explicit config id
type SettingGroup struct {
	ConfigID string            `yaml:"config_id"`
	Values   map[string]string `yaml:"values"`
}

// Site declares a site and names its hosting provider by label
type Site struct {
	Label   string `yaml:"label"`
	Hosting string `yaml:"hosting"`
	Active  *bool  `yaml:"active,omitempty"`
}

// Domain declares a domain. Provider and site references are labels;
// an omitted reference leaves an existing record's assignment alone.
type Domain struct {
	Name                   string `yaml:"name"`
	Registrar              string `yaml:"registrar,omitempty"`
	DNS                    string `yaml:"dns,omitempty"`
	Site                   string `yaml:"site,omitempty"`
	WAF                    string `yaml:"waf,omitempty"`
	UpdateApex             *bool  `yaml:"update_apex,omitempty"`
	UpdateARecords         string `yaml:"update_a_records,omitempty"`
	GoogleSiteVerification string `yaml:"google_site_verification,omitempty"`
	Active                 *bool  `yaml:"active,omitempty"`
}

// Result counts what Apply did
type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Settings  int `json:"settings"`
}

func (r Result) String() string {
	return fmt.Sprintf("%d created, %d updated, %d unchanged, %d settings", r.Created, r.Updated, r.Unchanged, r.Settings)
}

// Parse decodes an inventory document. Unknown fields are errors.
func Parse(data []byte) (*Inventory, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var inv Inventory
	if err := dec.Decode(&inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ParseFile reads and decodes an inventory file
func ParseFile(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Validate checks the document is self-consistent before anything is
// written
func (inv *Inventory) Validate() error {
	var errs []error

	labels := make(map[types.ProviderKind]map[string]bool)
	for i, p := range inv.Providers {
		kind, err := types.ParseProviderKind(p.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
			continue
		}
		if p.Label == "" || p.Module == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: label and module are required", i))
			continue
		}
		if labels[kind] == nil {
			labels[kind] = make(map[string]bool)
		}
		if labels[kind][p.Label] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate %s label %q", i, kind, p.Label))
		}
		labels[kind][p.Label] = true
	}

	for i, g := range inv.Settings {
		if g.ConfigID == "" {
			errs = append(errs, fmt.Errorf("settings[%d]: config_id is required", i))
		}
	}

	sites := make(map[string]bool)
	for i, s := range inv.Sites {
		if s.Label == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: label is required", i))
		}
		if sites[s.Label] {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate label %q", i, s.Label))
		}
		sites[s.Label] = true
	}

	names := make(map[string]bool)
	for i, d := range inv.Domains {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("domains[%d]: name is required", i))
		}
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("domains[%d]: duplicate name %q", i, d.Name))
		}
		names[d.Name] = true
	}

	return errors.Join(errs...)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Apply creates or updates every record in the inventory. Providers are
// matched by kind and label, sites by label and domains by name.
// References to providers or sites not in the inventory are resolved
// against the store.
func Apply(store storage.Store, inv *Inventory) (Result, error) {
	var res Result
	logger := log.WithComponent("inventory")

	for _, p := range inv.Providers {
		kind, _ := types.ParseProviderKind(p.Kind)
		record, outcome, err := applyProvider(store, kind, p)
		if err != nil {
			return res, err
		}
		res.count(outcome)
		logger.Debug().Str("kind", p.Kind).Str("label", p.Label).Str("outcome", outcome).Msg("provider applied")

		n, err := applySettings(store, record.ConfigID, p.Settings)
		if err != nil {
			return res, err
		}
		res.Settings += n
	}

	for _, g := range inv.Settings {
		n, err := applySettings(store, g.ConfigID, g.Values)
		if err != nil {
			return res, err
		}
		res.Settings += n
	}

	for _, s := range inv.Sites {
		outcome, err := applySite(store, s)
		if err != nil {
			return res, err
		}
		res.count(outcome)
	}

	for _, d := range inv.Domains {
		outcome, err := applyDomain(store, d)
		if err != nil {
			return res, err
		}
		res.count(outcome)
	}

	logger.Info().Str("result", res.String()).Msg("inventory applied")
	return res, nil
}

const (
	created   = "created"
	updated   = "updated"
	unchanged = "unchanged"
)

func (r *Result) count(outcome string) {
	switch outcome {
	case created:
		r.Created++
	case updated:
		r.Updated++
	default:
		r.Unchanged++
	}
}

func findProvider(store storage.Store, kind types.ProviderKind, label string) (*types.Provider, error) {
	all, err := store.ListProviders(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s providers: %w", kind, err)
	}
	for _, p := range all {
		if p.Label == label {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s %q: %w", kind, label, storage.ErrNotFound)
}

func applyProvider(store storage.Store, kind types.ProviderKind, p Provider) (*types.Provider, string, error) {
	existing, err := findProvider(store, kind, p.Label)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	active := boolOr(p.Active, true)
	if existing == nil {
		record := &types.Provider{
			Kind:        kind,
			Label:       p.Label,
			AgentModule: p.Module,
			ConfigID:    p.ConfigID,
			Active:      active,
		}
		if err := store.CreateProvider(record); err != nil {
			return nil, "", fmt.Errorf("failed to create %s %q: %w", kind, p.Label, err)
		}
		return record, created, nil
	}

	if existing.AgentModule == p.Module && existing.Active == active && (p.ConfigID == "" || existing.ConfigID == p.ConfigID) {
		return existing, unchanged, nil
	}
	existing.AgentModule = p.Module
	existing.Active = active
	if p.ConfigID != "" {
		existing.ConfigID = p.ConfigID
	}
	if err := store.UpdateProvider(existing); err != nil {
		return nil, "", fmt.Errorf("failed to update %s %q: %w", kind, p.Label, err)
	}
	return existing, updated, nil
}

func applySettings(store storage.Store, configID string, values map[string]string) (int, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := store.SetSetting(configID, k, values[k]); err != nil {
			return 0, fmt.Errorf("failed to set %s %s: %w", configID, k, err)
		}
	}
	return len(keys), nil
}

func applySite(store storage.Store, s Site) (string, error) {
	hosting, err := findProvider(store, types.ProviderHosting, s.Hosting)
	if err != nil {
		return "", fmt.Errorf("site %q: %w", s.Label, err)
	}

	want := types.Site{Label: s.Label, HostingID: hosting.ID, Active: boolOr(s.Active, true)}
	existing, err := store.GetSiteByLabel(s.Label)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := store.CreateSite(&want); err != nil {
			return "", fmt.Errorf("failed to create site %q: %w", s.Label, err)
		}
		return created, nil
	case err != nil:
		return "", fmt.Errorf("failed to read site %q: %w", s.Label, err)
	}

	want.ID = existing.ID
	if *existing == want {
		return unchanged, nil
	}
	if err := store.UpdateSite(&want); err != nil {
		return "", fmt.Errorf("failed to update site %q: %w", s.Label, err)
	}
	return updated, nil
}

// reference resolves an optional provider label to its id
func reference(store storage.Store, kind types.ProviderKind, label string) (int, error) {
	if label == "" {
		return 0, nil
	}
	p, err := findProvider(store, kind, label)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func applyDomain(store storage.Store, d Domain) (string, error) {
	want := types.Domain{
		Name:                   d.Name,
		UpdateApex:             boolOr(d.UpdateApex, true),
		UpdateARecords:         d.UpdateARecords,
		GoogleSiteVerification: d.GoogleSiteVerification,
		Active:                 boolOr(d.Active, true),
	}

	var err error
	if want.RegistrarID, err = reference(store, types.ProviderRegistrar, d.Registrar); err != nil {
		return "", fmt.Errorf("domain %q: %w", d.Name, err)
	}
	if want.DNSID, err = reference(store, types.ProviderDNS, d.DNS); err != nil {
		return "", fmt.Errorf("domain %q: %w", d.Name, err)
	}
	if want.WAFID, err = reference(store, types.ProviderWAF, d.WAF); err != nil {
		return "", fmt.Errorf("domain %q: %w", d.Name, err)
	}
	if d.Site != "" {
		site, err := store.GetSiteByLabel(d.Site)
		if err != nil {
			return "", fmt.Errorf("domain %q: site %q: %w", d.Name, d.Site, err)
		}
		want.SiteID = site.ID
	}

	existing, err := store.GetDomainByName(d.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := store.CreateDomain(&want); err != nil {
			return "", fmt.Errorf("failed to create domain %q: %w", d.Name, err)
		}
		return created, nil
	case err != nil:
		return "", fmt.Errorf("failed to read domain %q: %w", d.Name, err)
	}

	want.ID = existing.ID
	keepReference(&want.RegistrarID, existing.RegistrarID, d.Registrar)
	keepReference(&want.DNSID, existing.DNSID, d.DNS)
	keepReference(&want.WAFID, existing.WAFID, d.WAF)
	keepReference(&want.SiteID, existing.SiteID, d.Site)
	if *existing == want {
		return unchanged, nil
	}
	if err := store.UpdateDomain(&want); err != nil {
		return "", fmt.Errorf("failed to update domain %q: %w", d.Name, err)
	}
	return updated, nil
}

// keepReference keeps the stored id when the document names no label
func keepReference(id *int, existing int, label string) {
	if label == "" {
		*id = existing
	}
}
