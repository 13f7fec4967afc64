package types

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind identifies which capability family a provider record belongs to
type ProviderKind string

const (
	ProviderRegistrar ProviderKind = "registrar"
	ProviderDNS       ProviderKind = "dns"
	ProviderHosting   ProviderKind = "hosting"
	ProviderWAF       ProviderKind = "waf"
	ProviderNotifier  ProviderKind = "notifier"
)

// ProviderKinds lists every kind in agent start-up order
var ProviderKinds = []ProviderKind{
	ProviderRegistrar,
	ProviderDNS,
	ProviderHosting,
	ProviderWAF,
	ProviderNotifier,
}

// ParseProviderKind validates a kind string
func ParseProviderKind(s string) (ProviderKind, error) {
	for _, k := range ProviderKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider kind: %q", s)
}

// Provider is a configured external provider instance (registrar, DNS,
// hosting, WAF or notifier). One agent is started per active record.
//
// State is the agent's opaque cache. Only the agent interprets it, so it
// is never encoded with the record.
type Provider struct {
	ID          int          `json:"id"`
	Kind        ProviderKind `json:"kind"`
	Label       string       `json:"label"`
	AgentModule string       `json:"agent_module"`
	ConfigID    string       `json:"config_id"`
	State       []byte       `json:"-"`
	Active      bool         `json:"active"`
	UpdatedTime time.Time    `json:"updated_time"`
}

// DefaultConfigID returns the settings namespace for a provider record
func DefaultConfigID(kind ProviderKind, id int) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// Site is a deployed application instance served by one hosting provider
type Site struct {
	ID        int    `json:"id"`
	Label     string `json:"label"`
	HostingID int    `json:"hosting_id"`
	Active    bool   `json:"active"`
}

// Domain is a managed domain name and the providers that serve it.
// Reference ids are 0 when unassigned.
type Domain struct {
	ID                     int    `json:"id"`
	Name                   string `json:"name"`
	RegistrarID            int    `json:"registrar_id"`
	DNSID                  int    `json:"dns_id"`
	SiteID                 int    `json:"site_id"`
	WAFID                  int    `json:"waf_id"`
	UpdateApex             bool   `json:"update_apex"`
	UpdateARecords         string `json:"update_a_records"`
	GoogleSiteVerification string `json:"google_site_verification,omitempty"`
	Active                 bool   `json:"active"`
}

// ARecordPrefixes returns the configured hostname prefixes in order,
// without blanks or repeats
func (d *Domain) ARecordPrefixes() []string {
	var prefixes []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(d.UpdateARecords, ",") {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		prefixes = append(prefixes, p)
	}
	return prefixes
}

// Hostnames returns the apex (when managed) followed by each prefixed name
func (d *Domain) Hostnames() []string {
	var names []string
	if d.UpdateApex {
		names = append(names, d.Name)
	}
	for _, p := range d.ARecordPrefixes() {
		names = append(names, p+"."+d.Name)
	}
	return names
}

// Setting is one configuration value for an agent
type Setting struct {
	ConfigID string `json:"config_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// StatusCheck is the latest outcome of one named check on one entity
type StatusCheck struct {
	CheckID   string    `json:"check_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
}

// CheckID builds the composite status check key
func CheckID(entityKind, entityID, checkName string) string {
	return entityKind + ":" + entityID + ":" + checkName
}

// CheckResult is what a single reconciliation check reports
type CheckResult struct {
	Check   string `json:"check"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// DomainReport aggregates the checks run for one domain
type DomainReport struct {
	Domain   string        `json:"domain"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Checks   []CheckResult `json:"checks"`
}

// Success reports whether every check in the report passed
func (r *DomainReport) Success() bool {
	for _, c := range r.Checks {
		if !c.Success {
			return false
		}
	}
	return true
}

// RefreshMethod is how a registrar's domain list gets updated
type RefreshMethod string

const (
	RefreshAPI      RefreshMethod = "api"
	RefreshCSVFile  RefreshMethod = "csvfile"
	RefreshJSONFile RefreshMethod = "jsonfile"
	RefreshNone     RefreshMethod = "none"
)

// RegisteredDomain is a registrar's cached view of one domain
type RegisteredDomain struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	ExpiryDate string `json:"expiry_date,omitempty"`
	DNSProfile string `json:"dns_profile,omitempty"`
	AutoRenew  bool   `json:"auto_renew"`
}

// DomainStatus is a provider's summary for one domain
type DomainStatus struct {
	Name        string   `json:"name"`
	Summary     string   `json:"summary"`
	ExpiryDate  string   `json:"expiry_date,omitempty"`
	AutoRenew   bool     `json:"auto_renew"`
	Nameservers []string `json:"nameservers,omitempty"`
}
