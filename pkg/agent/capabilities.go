package agent

import (
	"context"

	"github.com/cuemby/sdmgr/pkg/types"
)

// Registrar is implemented by domain registrar agents
type Registrar interface {
	Agent
	RegisteredDomains(ctx context.Context) ([]string, error)
	DomainStatus(ctx context.Context, name string) (*types.DomainStatus, error)
	// SetNSRecords requests a delegation change. Registrars without an API
	// hand the request to their notifier and return once it is queued.
	SetNSRecords(ctx context.Context, domain string, nameservers []string) error
	RefreshMethod() types.RefreshMethod
}

// DNSProvider is implemented by authoritative DNS hosting agents
type DNSProvider interface {
	Agent
	HostedDomains(ctx context.Context) ([]string, error)
	NSRecords(ctx context.Context, domain string) ([]string, error)
	DomainStatus(ctx context.Context, name string) (*types.DomainStatus, error)
	// CreateDomain creates the zone if absent and waits, bounded, for the
	// change to propagate
	CreateDomain(ctx context.Context, domain string) error
	UpsertARecord(ctx context.Context, domain, hostname string, ips []string) error
	CheckGoogleSiteVerification(ctx context.Context, domain, token string) (bool, error)
	SetGoogleSiteVerification(ctx context.Context, domain, token string) error
}

// Hosting is implemented by application hosting agents
type Hosting interface {
	Agent
	SiteIPs(ctx context.Context, site *types.Site) ([]string, error)
	SiteAliases(ctx context.Context, site *types.Site) ([]string, error)
	UpdateSiteAliases(ctx context.Context, site *types.Site, aliases []string) error
}

// WAF is implemented by proxy/firewall agents that front a site
type WAF interface {
	Agent
	SiteIPs(ctx context.Context, site *types.Site) ([]string, error)
	ApplyConfiguration(ctx context.Context, siteLabel, hostname string, aliases, ips []string) error
	DeployCertificate(ctx context.Context, siteLabel, hostname string, aliases []string) error
}

// Notifier delivers operator notifications. Delivery is best-effort:
// failures are logged by the notifier and never returned.
type Notifier interface {
	Agent
	NotifyRegistrarNSUpdate(ctx context.Context, registrar, domain string, nameservers []string)
	NotifyDomainTransferOut(ctx context.Context, provider, domain string)
	NotifyDomainTransferIn(ctx context.Context, provider, domain string)
}

// Refresher is implemented by agents whose provider cache can be reloaded
// from the provider API
type Refresher interface {
	Refresh(ctx context.Context) error
}

// CSVImporter is implemented by registrars refreshed from a CSV export
type CSVImporter interface {
	ImportCSV(ctx context.Context, data []byte) (int, error)
}

// JSONImporter is implemented by registrars refreshed from a JSON export
type JSONImporter interface {
	ImportJSON(ctx context.Context, data []byte) (int, error)
}

// SiteDiscoverer is implemented by hosting agents that can list the sites
// they serve
type SiteDiscoverer interface {
	SiteLabels(ctx context.Context) ([]string, error)
}
