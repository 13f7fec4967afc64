package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/ledger"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/cuemby/sdmgr/pkg/resolver"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Check names, also the last segment of the status check id
const (
	CheckNSRecords              = "ns_records"
	CheckARecords               = "a_records"
	CheckWAF                    = "waf"
	CheckSSL                    = "ssl"
	CheckGoogleSiteVerification = "google_site_verification"
)

// Checks lists the domain checks in the order CheckDomain reports them
var Checks = []string{CheckNSRecords, CheckARecords, CheckWAF, CheckSSL, CheckGoogleSiteVerification}

// ErrUnknownCheck is returned by Run for a check name it does not know
var ErrUnknownCheck = errors.New("unknown check")

const (
	entityDomain = "domain"
	entitySite   = "site"
)

const (
	msgOK              = "OK"
	msgNoDNS           = "No DNS provider assigned to the domain."
	msgNoSite          = "No site configured for the domain."
	msgNoWAF           = "No WAF configured for the domain."
	msgNoHostingIPs    = "No hosting IPs found for the domain."
	msgDNSUpdated      = "DNS updates applied."
	msgAliasesUpdated  = "Site aliases updated."
	msgSiteInactive    = "Site not active."
	msgNoGSVToken      = "No verification token configured."
	msgGSVTokenAdded   = "Verification token added."
	msgNSUpdatePending = "Request to update NS records sent via %s."
)

// Reconciler compares the desired configuration of domains and sites with
// what their providers report and issues corrective calls. It owns no
// state of its own: outcomes go to the ledger, provider caches stay with
// the agents.
type Reconciler struct {
	store    storage.Store
	registry *agent.Registry
	resolver resolver.Resolver
	ledger   *ledger.Ledger
	logger   zerolog.Logger
}

// New creates a reconciler
func New(store storage.Store, registry *agent.Registry, res resolver.Resolver, l *ledger.Ledger) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		resolver: res,
		ledger:   l,
		logger:   log.WithComponent("reconciler"),
	}
}

// outcome is what a check body reports when it did not error
type outcome struct {
	success bool
	output  string
}

func ok(output string) outcome   { return outcome{success: true, output: output} }
func fail(output string) outcome { return outcome{success: false, output: output} }

// run executes one check body. Errors and panics stop at this boundary and
// become a failed result; every result is recorded in the ledger.
func (r *Reconciler) run(ctx context.Context, entityKind, entityID, check string, body func(context.Context) (outcome, error)) types.CheckResult {
	start := time.Now()
	logger := r.logger.With().Str(entityKind, entityID).Str("check", check).Logger()

	var (
		res outcome
		err error
	)
	var pc panics.Catcher
	pc.Try(func() {
		res, err = body(ctx)
	})
	if rec := pc.Recovered(); rec != nil {
		err = fmt.Errorf("check panicked: %v", rec.Value)
		logger.Error().Str("stack", string(rec.Stack)).Msg("check panicked")
	}
	if err != nil {
		res = fail(err.Error())
		logger.Error().Err(err).Msg("check failed")
	}

	if r.ledger != nil {
		if _, lerr := r.ledger.Record(ctx, entityKind, entityID, check, start, res.success, res.output); lerr != nil {
			logger.Warn().Err(lerr).Msg("failed to record check outcome")
		}
	}

	logger.Debug().
		Bool("success", res.success).
		Str("output", res.output).
		Dur("duration", time.Since(start)).
		Msg("check finished")

	return types.CheckResult{Check: check, Success: res.success, Output: res.output}
}

// CheckDomain runs every domain check. The NS and A record checks run
// concurrently and both finish before the WAF, SSL and site verification
// checks run in turn.
func (r *Reconciler) CheckDomain(ctx context.Context, domain *types.Domain) *types.DomainReport {
	timer := metrics.NewTimer()
	report := &types.DomainReport{Domain: domain.Name, Started: time.Now()}

	var nsResult, aResult types.CheckResult
	var wg conc.WaitGroup
	wg.Go(func() { nsResult = r.CheckDomainNSRecords(ctx, domain) })
	wg.Go(func() { aResult = r.CheckDomainARecords(ctx, domain) })
	wg.Wait()

	report.Checks = append(report.Checks,
		nsResult,
		aResult,
		r.CheckDomainWAF(ctx, domain),
		r.checkDomainSSL(ctx, domain),
		r.CheckDomainGoogleSiteVerification(ctx, domain),
	)
	report.Finished = time.Now()

	r.logger.Info().
		Str("domain", domain.Name).
		Bool("success", report.Success()).
		Dur("duration", timer.Duration()).
		Msg("domain reconciled")
	return report
}

// Run executes a single named check for a domain
func (r *Reconciler) Run(ctx context.Context, domain *types.Domain, check string) (types.CheckResult, error) {
	switch check {
	case CheckNSRecords:
		return r.CheckDomainNSRecords(ctx, domain), nil
	case CheckARecords:
		return r.CheckDomainARecords(ctx, domain), nil
	case CheckWAF:
		return r.CheckDomainWAF(ctx, domain), nil
	case CheckSSL:
		return r.checkDomainSSL(ctx, domain), nil
	case CheckGoogleSiteVerification:
		return r.CheckDomainGoogleSiteVerification(ctx, domain), nil
	default:
		return types.CheckResult{}, fmt.Errorf("%w: %q", ErrUnknownCheck, check)
	}
}

// CheckSite runs the site-level checks for the site with the given id
func (r *Reconciler) CheckSite(ctx context.Context, siteID int) (types.CheckResult, error) {
	site, err := r.store.GetSite(siteID)
	if err != nil {
		return types.CheckResult{}, fmt.Errorf("failed to load site %d: %w", siteID, err)
	}
	return r.CheckSiteSSLCerts(ctx, site), nil
}

// checkDomainSSL runs the certificate check for the domain's site. Domains
// without a site have the failure recorded against the domain itself.
func (r *Reconciler) checkDomainSSL(ctx context.Context, domain *types.Domain) types.CheckResult {
	if domain.SiteID == 0 {
		return r.run(ctx, entityDomain, domain.Name, CheckSSL, func(context.Context) (outcome, error) {
			return fail(msgNoSite), nil
		})
	}
	site, err := r.store.GetSite(domain.SiteID)
	if err != nil {
		return r.run(ctx, entityDomain, domain.Name, CheckSSL, func(context.Context) (outcome, error) {
			return outcome{}, fmt.Errorf("failed to load site %d: %w", domain.SiteID, err)
		})
	}
	return r.CheckSiteSSLCerts(ctx, site)
}

// CheckDomainNSRecords verifies the public delegation of a domain points at
// the nameservers its DNS provider serves, asking the registrar to fix it
// when it does not
func (r *Reconciler) CheckDomainNSRecords(ctx context.Context, domain *types.Domain) types.CheckResult {
	return r.run(ctx, entityDomain, domain.Name, CheckNSRecords, func(ctx context.Context) (outcome, error) {
		logger := log.WithDomain(domain.Name).With().Str("check", CheckNSRecords).Logger()

		dns, found := r.registry.DNS(domain.DNSID)
		if !found {
			logger.Warn().Msg("no DNS provider assigned")
			return fail(msgNoDNS), nil
		}

		nameservers, err := dns.NSRecords(ctx, domain.Name)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to fetch NS records from %s: %w", dns.Label(), err)
		}
		if len(nameservers) == 0 {
			logger.Warn().Str("dns", dns.Label()).Msg("creating missing DNS zone")
			if err := dns.CreateDomain(ctx, domain.Name); err != nil {
				return outcome{}, fmt.Errorf("failed to create zone with %s: %w", dns.Label(), err)
			}
			if nameservers, err = dns.NSRecords(ctx, domain.Name); err != nil {
				return outcome{}, fmt.Errorf("failed to fetch NS records from %s: %w", dns.Label(), err)
			}
			if len(nameservers) == 0 {
				return fail(fmt.Sprintf("%s returned no NS records for %s after creating the zone.", dns.Label(), domain.Name)), nil
			}
		}

		expected, err := resolver.LookupHosts(ctx, r.resolver, nameservers)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to resolve NS records served by %s: %w", dns.Label(), err)
		}

		var public []string
		publicNS, err := r.resolver.LookupNS(ctx, domain.Name)
		switch {
		case err == nil:
			if public, err = resolver.LookupHosts(ctx, r.resolver, publicNS); err != nil {
				return outcome{}, fmt.Errorf("failed to resolve public NS records: %w", err)
			}
		case resolver.IsNotFound(err):
			logger.Warn().Err(err).Msg("public NS lookup found nothing")
		default:
			return outcome{}, fmt.Errorf("public NS lookup failed: %w", err)
		}

		if len(public) > 0 && sameSet(expected, public) {
			logger.Info().Str("dns", dns.Label()).Msg("NS records as expected")
			return ok(msgOK), nil
		}

		logger.Warn().
			Strs("expected", expected).
			Strs("public", public).
			Msg("NS records not configured correctly")

		registrar, found := r.registry.Registrar(domain.RegistrarID)
		if !found {
			return outcome{}, fmt.Errorf("no registrar agent for registrar %d: %w", domain.RegistrarID, agent.ErrAgentUnavailable)
		}
		if err := registrar.SetNSRecords(ctx, domain.Name, nameservers); err != nil {
			return outcome{}, fmt.Errorf("failed to request NS update via %s: %w", registrar.Label(), err)
		}
		logger.Warn().Str("registrar", registrar.Label()).Msg("NS update requested")
		return fail(fmt.Sprintf(msgNSUpdatePending, registrar.Label())), nil
	})
}

// CheckDomainARecords makes the apex and every configured prefix resolve
// to the IPs the domain is served from
func (r *Reconciler) CheckDomainARecords(ctx context.Context, domain *types.Domain) types.CheckResult {
	return r.run(ctx, entityDomain, domain.Name, CheckARecords, func(ctx context.Context) (outcome, error) {
		logger := log.WithDomain(domain.Name).With().Str("check", CheckARecords).Logger()

		dns, found := r.registry.DNS(domain.DNSID)
		if !found {
			logger.Warn().Msg("no DNS provider assigned")
			return fail(msgNoDNS), nil
		}
		if domain.SiteID == 0 {
			return fail(msgNoSite), nil
		}
		site, err := r.store.GetSite(domain.SiteID)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to load site %d: %w", domain.SiteID, err)
		}

		expected, err := r.servingIPs(ctx, domain, site)
		if err != nil {
			return outcome{}, err
		}
		if len(expected) == 0 {
			return fail(msgNoHostingIPs), nil
		}

		changed := false
		for _, hostname := range domain.Hostnames() {
			current, err := r.resolver.LookupHost(ctx, hostname)
			if err != nil && !resolver.IsNotFound(err) {
				return outcome{}, fmt.Errorf("A lookup for %s failed: %w", hostname, err)
			}
			if len(current) > 0 && sameSet(current, expected) {
				logger.Debug().Str("hostname", hostname).Msg("A record as expected")
				continue
			}
			if err := dns.UpsertARecord(ctx, domain.Name, hostname, expected); err != nil {
				return outcome{}, fmt.Errorf("failed to update A record for %s with %s: %w", hostname, dns.Label(), err)
			}
			logger.Info().Str("hostname", hostname).Strs("ips", expected).Msg("A record updated")
			changed = true
		}

		if changed {
			return ok(msgDNSUpdated), nil
		}
		return ok(msgOK), nil
	})
}

// servingIPs returns the IPs a domain's hostnames should resolve to: the
// WAF's when the domain has one, the hosting provider's otherwise
func (r *Reconciler) servingIPs(ctx context.Context, domain *types.Domain, site *types.Site) ([]string, error) {
	if domain.WAFID != 0 {
		waf, found := r.registry.WAF(domain.WAFID)
		if !found {
			return nil, fmt.Errorf("no agent for WAF %d: %w", domain.WAFID, agent.ErrAgentUnavailable)
		}
		ips, err := waf.SiteIPs(ctx, site)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch IPs for %s from %s: %w", site.Label, waf.Label(), err)
		}
		return ips, nil
	}
	return r.hostingIPs(ctx, site)
}

func (r *Reconciler) hostingFor(site *types.Site) (agent.Hosting, error) {
	hosting, found := r.registry.Hosting(site.HostingID)
	if !found {
		return nil, fmt.Errorf("no agent for hosting provider %d of site %s: %w", site.HostingID, site.Label, agent.ErrAgentUnavailable)
	}
	return hosting, nil
}

func (r *Reconciler) hostingIPs(ctx context.Context, site *types.Site) ([]string, error) {
	hosting, err := r.hostingFor(site)
	if err != nil {
		return nil, err
	}
	ips, err := hosting.SiteIPs(ctx, site)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch IPs for %s from %s: %w", site.Label, hosting.Label(), err)
	}
	return ips, nil
}

// CheckDomainWAF brings the hosting aliases for the domain's site in line
// with the hostnames of every active domain on that site, then pushes the
// routing to the domain's WAF
func (r *Reconciler) CheckDomainWAF(ctx context.Context, domain *types.Domain) types.CheckResult {
	return r.run(ctx, entityDomain, domain.Name, CheckWAF, func(ctx context.Context) (outcome, error) {
		logger := log.WithDomain(domain.Name).With().Str("check", CheckWAF).Logger()

		if domain.SiteID == 0 {
			return fail(msgNoSite), nil
		}
		if domain.WAFID == 0 {
			logger.Debug().Msg("no WAF configured")
			return ok(msgNoWAF), nil
		}
		waf, found := r.registry.WAF(domain.WAFID)
		if !found {
			return outcome{}, fmt.Errorf("no agent for WAF %d: %w", domain.WAFID, agent.ErrAgentUnavailable)
		}
		site, err := r.store.GetSite(domain.SiteID)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to load site %d: %w", domain.SiteID, err)
		}
		hosting, err := r.hostingFor(site)
		if err != nil {
			return outcome{}, err
		}

		ips, err := hosting.SiteIPs(ctx, site)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to fetch IPs for %s from %s: %w", site.Label, hosting.Label(), err)
		}
		current, err := hosting.SiteAliases(ctx, site)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to fetch aliases for %s from %s: %w", site.Label, hosting.Label(), err)
		}
		expected, err := r.siteAliases(site)
		if err != nil {
			return outcome{}, err
		}
		logger.Debug().Int("current", len(current)).Int("expected", len(expected)).Msg("site aliases gathered")

		output := msgOK
		if !sameSet(current, expected) {
			if err := hosting.UpdateSiteAliases(ctx, site, expected); err != nil {
				return outcome{}, fmt.Errorf("failed to update aliases for %s with %s: %w", site.Label, hosting.Label(), err)
			}
			logger.Info().Strs("aliases", expected).Msg("site aliases updated")
			output = msgAliasesUpdated
		}

		if err := waf.ApplyConfiguration(ctx, site.Label, domain.Name, expected, ips); err != nil {
			return outcome{}, fmt.Errorf("failed to apply configuration with %s: %w", waf.Label(), err)
		}
		return ok(output), nil
	})
}

// siteAliases gathers the hostnames of every active domain on a site, in
// domain order, then drops the bare name of the last active domain. The
// result depends only on the site, so every domain sharing it agrees.
func (r *Reconciler) siteAliases(site *types.Site) ([]string, error) {
	domains, err := r.store.ListDomainsBySite(site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains of site %s: %w", site.Label, err)
	}
	var (
		aliases []string
		exclude string
	)
	for _, d := range domains {
		if d.Active {
			aliases = append(aliases, d.Hostnames()...)
			exclude = d.Name
		}
	}
	for i, a := range aliases {
		if a == exclude {
			aliases = append(aliases[:i], aliases[i+1:]...)
			break
		}
	}
	return aliases, nil
}

// CheckSiteSSLCerts asks every active WAF fronting a site to hold a
// certificate for the hostnames of the site's active domains it serves
func (r *Reconciler) CheckSiteSSLCerts(ctx context.Context, site *types.Site) types.CheckResult {
	return r.run(ctx, entitySite, site.Label, CheckSSL, func(ctx context.Context) (outcome, error) {
		logger := r.logger.With().Str("site", site.Label).Str("check", CheckSSL).Logger()

		if !site.Active {
			return ok(msgSiteInactive), nil
		}

		domains, err := r.store.ListDomainsBySite(site.ID)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to list domains of site %s: %w", site.Label, err)
		}

		var wafIDs []int
		hostnames := make(map[int][]string)
		for _, d := range domains {
			if !d.Active || d.WAFID == 0 {
				continue
			}
			if _, seen := hostnames[d.WAFID]; !seen {
				wafIDs = append(wafIDs, d.WAFID)
				hostnames[d.WAFID] = nil
			}
			hostnames[d.WAFID] = append(hostnames[d.WAFID], d.Hostnames()...)
		}
		sort.Ints(wafIDs)

		failed := 0
		for _, id := range wafIDs {
			provider, err := r.store.GetProvider(types.ProviderWAF, id)
			if err != nil {
				logger.Error().Err(err).Int("waf_id", id).Msg("failed to load WAF provider")
				failed++
				continue
			}
			if !provider.Active {
				logger.Info().Str("waf", provider.Label).Msg("ignoring inactive WAF")
				continue
			}
			waf, found := r.registry.WAF(id)
			if !found {
				logger.Error().Str("waf", provider.Label).Msg("no agent for WAF")
				failed++
				continue
			}
			aliases := hostnames[id]
			if err := waf.DeployCertificate(ctx, site.Label, site.Label, aliases); err != nil {
				logger.Error().Err(err).Str("waf", waf.Label()).Msg("certificate deployment failed")
				failed++
				continue
			}
			logger.Info().Str("waf", waf.Label()).Int("hostnames", len(aliases)).Msg("certificate updated")
		}

		if failed > 0 {
			return fail(fmt.Sprintf("Failed to update SSL config for %d alias groups.", failed)), nil
		}
		return ok(msgOK), nil
	})
}

// CheckDomainGoogleSiteVerification publishes the domain's Google site
// verification token through its DNS provider when one is set
func (r *Reconciler) CheckDomainGoogleSiteVerification(ctx context.Context, domain *types.Domain) types.CheckResult {
	return r.run(ctx, entityDomain, domain.Name, CheckGoogleSiteVerification, func(ctx context.Context) (outcome, error) {
		if domain.GoogleSiteVerification == "" {
			return ok(msgNoGSVToken), nil
		}
		dns, found := r.registry.DNS(domain.DNSID)
		if !found {
			return fail(msgNoDNS), nil
		}

		present, err := dns.CheckGoogleSiteVerification(ctx, domain.Name, domain.GoogleSiteVerification)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to check verification token with %s: %w", dns.Label(), err)
		}
		if present {
			return ok(msgOK), nil
		}
		if err := dns.SetGoogleSiteVerification(ctx, domain.Name, domain.GoogleSiteVerification); err != nil {
			return outcome{}, fmt.Errorf("failed to set verification token with %s: %w", dns.Label(), err)
		}
		logger := log.WithDomain(domain.Name)
		logger.Info().Str("dns", dns.Label()).Msg("verification token added")
		return ok(msgGSVTokenAdded), nil
	})
}

// sameSet reports whether a and b hold the same values, ignoring order and
// repeats
func sameSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, v := range a {
		as[v] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, found := as[v]; !found {
			return false
		}
		bs[v] = struct{}{}
	}
	return len(as) == len(bs)
}
