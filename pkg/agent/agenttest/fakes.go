// Package agenttest provides in-memory agents that record the calls made
// to them
package agenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
)

type identity struct {
	id    int
	kind  types.ProviderKind
	label string

	mu       sync.Mutex
	state    agent.State
	StartErr error
}

func (f *identity) ID() int                  { return f.id }
func (f *identity) Kind() types.ProviderKind { return f.kind }
func (f *identity) Label() string            { return f.label }
func (f *identity) Module() string           { return "fake" }

func (f *identity) State() agent.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *identity) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		f.state = agent.StateFailed
		return f.StartErr
	}
	f.state = agent.StateReady
	return nil
}

func ready(id int, kind types.ProviderKind, label string) identity {
	return identity{id: id, kind: kind, label: label, state: agent.StateReady}
}

// NSCall records one SetNSRecords request
type NSCall struct {
	Domain      string
	Nameservers []string
}

// Registrar is a fake registrar agent
type Registrar struct {
	identity

	Domains  []string
	Method   types.RefreshMethod
	NSErr    error
	lock     sync.Mutex
	nsCalls  []NSCall
	statuses map[string]*types.DomainStatus
}

// NewRegistrar creates a ready fake registrar
func NewRegistrar(id int, label string, domains ...string) *Registrar {
	return &Registrar{
		identity: ready(id, types.ProviderRegistrar, label),
		Domains:  domains,
		Method:   types.RefreshNone,
		statuses: make(map[string]*types.DomainStatus),
	}
}

func (r *Registrar) RegisteredDomains(context.Context) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.Domains...), nil
}

func (r *Registrar) DomainStatus(_ context.Context, name string) (*types.DomainStatus, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if s, ok := r.statuses[name]; ok {
		return s, nil
	}
	return &types.DomainStatus{Name: name, Summary: "Unknown"}, nil
}

// SetStatus sets the status DomainStatus returns for name
func (r *Registrar) SetStatus(status *types.DomainStatus) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.statuses[status.Name] = status
}

func (r *Registrar) SetNSRecords(_ context.Context, domain string, nameservers []string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.nsCalls = append(r.nsCalls, NSCall{Domain: domain, Nameservers: append([]string(nil), nameservers...)})
	return r.NSErr
}

func (r *Registrar) RefreshMethod() types.RefreshMethod { return r.Method }

// NSCalls returns the recorded SetNSRecords requests
func (r *Registrar) NSCalls() []NSCall {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]NSCall(nil), r.nsCalls...)
}

// Upsert records one UpsertARecord call
type Upsert struct {
	Domain   string
	Hostname string
	IPs      []string
}

// DNS is a fake DNS provider agent
type DNS struct {
	identity

	lock sync.Mutex
	// NS served per zone; CreateDomain copies CreatedNS into NS
	NS        map[string][]string
	CreatedNS []string
	GSV       map[string]string
	Errors    map[string]error
	PanicOn   string
	created   []string
	upserts   []Upsert
	gsvSet    []string
}

// NewDNS creates a ready fake DNS provider
func NewDNS(id int, label string) *DNS {
	return &DNS{
		identity: ready(id, types.ProviderDNS, label),
		NS:       make(map[string][]string),
		GSV:      make(map[string]string),
		Errors:   make(map[string]error),
	}
}

func (d *DNS) fail(method string) error {
	if d.PanicOn == method {
		panic(fmt.Sprintf("fake dns panic in %s", method))
	}
	return d.Errors[method]
}

func (d *DNS) HostedDomains(context.Context) ([]string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("HostedDomains"); err != nil {
		return nil, err
	}
	var names []string
	for name := range d.NS {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DNS) NSRecords(_ context.Context, domain string) ([]string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("NSRecords"); err != nil {
		return nil, err
	}
	return append([]string(nil), d.NS[domain]...), nil
}

func (d *DNS) DomainStatus(_ context.Context, name string) (*types.DomainStatus, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.NS[name]; !ok {
		return &types.DomainStatus{Name: name, Summary: "Not hosted"}, nil
	}
	return &types.DomainStatus{Name: name, Summary: "Hosted", Nameservers: d.NS[name]}, nil
}

func (d *DNS) CreateDomain(_ context.Context, domain string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("CreateDomain"); err != nil {
		return err
	}
	d.created = append(d.created, domain)
	d.NS[domain] = append([]string(nil), d.CreatedNS...)
	return nil
}

func (d *DNS) UpsertARecord(_ context.Context, domain, hostname string, ips []string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("UpsertARecord"); err != nil {
		return err
	}
	d.upserts = append(d.upserts, Upsert{Domain: domain, Hostname: hostname, IPs: append([]string(nil), ips...)})
	return nil
}

func (d *DNS) CheckGoogleSiteVerification(_ context.Context, domain, token string) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("CheckGoogleSiteVerification"); err != nil {
		return false, err
	}
	return d.GSV[domain] == token, nil
}

func (d *DNS) SetGoogleSiteVerification(_ context.Context, domain, token string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if err := d.fail("SetGoogleSiteVerification"); err != nil {
		return err
	}
	d.GSV[domain] = token
	d.gsvSet = append(d.gsvSet, domain)
	return nil
}

// Created returns the zones created so far
func (d *DNS) Created() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.created...)
}

// Upserts returns the recorded A record upserts
func (d *DNS) Upserts() []Upsert {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]Upsert(nil), d.upserts...)
}

// GSVSet returns the domains SetGoogleSiteVerification was called for
func (d *DNS) GSVSet() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.gsvSet...)
}

// AliasUpdate records one UpdateSiteAliases call
type AliasUpdate struct {
	Site    string
	Aliases []string
}

// Hosting is a fake hosting agent
type Hosting struct {
	identity

	lock    sync.Mutex
	IPs     map[string][]string
	Aliases map[string][]string
	Sites   []string
	updates []AliasUpdate
}

// NewHosting creates a ready fake hosting agent
func NewHosting(id int, label string) *Hosting {
	return &Hosting{
		identity: ready(id, types.ProviderHosting, label),
		IPs:      make(map[string][]string),
		Aliases:  make(map[string][]string),
	}
}

func (h *Hosting) SiteIPs(_ context.Context, site *types.Site) ([]string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.IPs[site.Label]...), nil
}

func (h *Hosting) SiteAliases(_ context.Context, site *types.Site) ([]string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.Aliases[site.Label]...), nil
}

func (h *Hosting) UpdateSiteAliases(_ context.Context, site *types.Site, aliases []string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.Aliases[site.Label] = append([]string(nil), aliases...)
	h.updates = append(h.updates, AliasUpdate{Site: site.Label, Aliases: append([]string(nil), aliases...)})
	return nil
}

func (h *Hosting) SiteLabels(context.Context) ([]string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.Sites...), nil
}

// Updates returns the recorded alias updates
func (h *Hosting) Updates() []AliasUpdate {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]AliasUpdate(nil), h.updates...)
}

// Apply records one ApplyConfiguration call
type Apply struct {
	SiteLabel string
	Hostname  string
	Aliases   []string
	IPs       []string
}

// Certificate records one DeployCertificate call
type Certificate struct {
	SiteLabel string
	Hostname  string
	Aliases   []string
}

// WAF is a fake WAF agent
type WAF struct {
	identity

	lock     sync.Mutex
	IPs      map[string][]string
	ApplyErr error
	CertErr  error
	applies  []Apply
	certs    []Certificate
}

// NewWAF creates a ready fake WAF agent
func NewWAF(id int, label string) *WAF {
	return &WAF{
		identity: ready(id, types.ProviderWAF, label),
		IPs:      make(map[string][]string),
	}
}

func (w *WAF) SiteIPs(_ context.Context, site *types.Site) ([]string, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]string(nil), w.IPs[site.Label]...), nil
}

func (w *WAF) ApplyConfiguration(_ context.Context, siteLabel, hostname string, aliases, ips []string) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.applies = append(w.applies, Apply{SiteLabel: siteLabel, Hostname: hostname, Aliases: append([]string(nil), aliases...), IPs: append([]string(nil), ips...)})
	return w.ApplyErr
}

func (w *WAF) DeployCertificate(_ context.Context, siteLabel, hostname string, aliases []string) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.certs = append(w.certs, Certificate{SiteLabel: siteLabel, Hostname: hostname, Aliases: append([]string(nil), aliases...)})
	return w.CertErr
}

// Applies returns the recorded ApplyConfiguration calls
func (w *WAF) Applies() []Apply {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]Apply(nil), w.applies...)
}

// Certificates returns the recorded DeployCertificate calls
func (w *WAF) Certificates() []Certificate {
	w.lock.Lock()
	defer w.lock.Unlock()
	return append([]Certificate(nil), w.certs...)
}

// Notification records one delivered notification
type Notification struct {
	Type     string
	Provider string
	Domain   string
	Servers  []string
}

// Notifier is a fake notifier agent
type Notifier struct {
	identity

	lock sync.Mutex
	sent []Notification
}

// NewNotifier creates a ready fake notifier
func NewNotifier(id int, label string) *Notifier {
	return &Notifier{identity: ready(id, types.ProviderNotifier, label)}
}

func (n *Notifier) record(note Notification) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.sent = append(n.sent, note)
}

func (n *Notifier) NotifyRegistrarNSUpdate(_ context.Context, registrar, domain string, nameservers []string) {
	n.record(Notification{Type: "ns_update", Provider: registrar, Domain: domain, Servers: append([]string(nil), nameservers...)})
}

func (n *Notifier) NotifyDomainTransferOut(_ context.Context, provider, domain string) {
	n.record(Notification{Type: "transfer_out", Provider: provider, Domain: domain})
}

func (n *Notifier) NotifyDomainTransferIn(_ context.Context, provider, domain string) {
	n.record(Notification{Type: "transfer_in", Provider: provider, Domain: domain})
}

// Sent returns the recorded notifications
func (n *Notifier) Sent() []Notification {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]Notification(nil), n.sent...)
}

var (
	_ agent.Registrar      = (*Registrar)(nil)
	_ agent.DNSProvider    = (*DNS)(nil)
	_ agent.Hosting        = (*Hosting)(nil)
	_ agent.SiteDiscoverer = (*Hosting)(nil)
	_ agent.WAF            = (*WAF)(nil)
	_ agent.Notifier       = (*Notifier)(nil)
)
