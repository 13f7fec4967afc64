// Package route53 implements the DNS provider agent for Amazon Route53
package route53

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	r53 "github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/google/uuid"
)

const (
	defaultRegion       = "us-east-1"
	defaultTTL          = 300
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 24
	gsvPrefix           = "google-site-verification="
)

// ErrZoneNotFound is returned when Route53 hosts no zone for a domain
var ErrZoneNotFound = errors.New("hosted zone not found")

// API is the subset of the Route53 client the agent uses
type API interface {
	ListHostedZones(ctx context.Context, in *r53.ListHostedZonesInput, optFns ...func(*r53.Options)) (*r53.ListHostedZonesOutput, error)
	ListHostedZonesByName(ctx context.Context, in *r53.ListHostedZonesByNameInput, optFns ...func(*r53.Options)) (*r53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, in *r53.ListResourceRecordSetsInput, optFns ...func(*r53.Options)) (*r53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *r53.ChangeResourceRecordSetsInput, optFns ...func(*r53.Options)) (*r53.ChangeResourceRecordSetsOutput, error)
	CreateHostedZone(ctx context.Context, in *r53.CreateHostedZoneInput, optFns ...func(*r53.Options)) (*r53.CreateHostedZoneOutput, error)
	GetChange(ctx context.Context, in *r53.GetChangeInput, optFns ...func(*r53.Options)) (*r53.GetChangeOutput, error)
}

// Zone is the cached view of one hosted zone
type Zone struct {
	ID      string `json:"id"`
	Records int64  `json:"records"`
}

type cachedState struct {
	Domains map[string]Zone `json:"domains"`
}

// Route53 is a DNS provider agent backed by Route53 hosted zones
type Route53 struct {
	*agent.Base

	api     API
	domains map[string]Zone

	zoneMu  sync.Mutex
	zoneIDs map[string]string
}

// NewRoute53 creates the agent. The AWS client is built at start from the
// optional region, access_key_id and secret_access_key settings, falling
// back to the default credential chain.
func NewRoute53(p *types.Provider, deps agent.Deps) *Route53 {
	return &Route53{
		Base:    agent.NewBase(p, deps),
		domains: make(map[string]Zone),
		zoneIDs: make(map[string]string),
	}
}

func (r *Route53) Start(ctx context.Context) error {
	return r.Boot(ctx, r, func(ctx context.Context) error {
		if r.api != nil {
			return nil
		}
		opts := []func(*config.LoadOptions) error{
			config.WithRegion(r.OptionalConfig("region", defaultRegion)),
		}
		if id := r.OptionalConfig("access_key_id", ""); id != "" {
			secret, err := r.Config("secret_access_key")
			if err != nil {
				return err
			}
			opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		r.api = r53.NewFromConfig(cfg)
		return nil
	})
}

func (r *Route53) EncodeState() ([]byte, error) {
	return json.Marshal(cachedState{Domains: r.domains})
}

func (r *Route53) DecodeState(data []byte) error {
	var st cachedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Domains == nil {
		st.Domains = make(map[string]Zone)
	}
	r.domains = st.Domains
	return nil
}

// Refresh reloads the hosted zone list and runs domain discovery
func (r *Route53) Refresh(ctx context.Context) error {
	err := r.Mutate(func() error {
		r.Logger().Info().Msg("refreshing hosted zones")

		domains := make(map[string]Zone)
		var marker *string
		for {
			out, err := r.api.ListHostedZones(ctx, &r53.ListHostedZonesInput{
				MaxItems: aws.Int32(100),
				Marker:   marker,
			})
			if err != nil {
				return fmt.Errorf("failed to list hosted zones: %w", err)
			}
			for _, z := range out.HostedZones {
				name := strings.TrimSuffix(aws.ToString(z.Name), ".")
				domains[name] = Zone{ID: trimZoneID(aws.ToString(z.Id)), Records: aws.ToInt64(z.ResourceRecordSetCount)}
			}
			if !out.IsTruncated {
				break
			}
			marker = out.NextMarker
		}

		data, err := json.Marshal(cachedState{Domains: domains})
		if err != nil {
			return err
		}
		if err := r.Deps().Store.SaveProviderState(r.Kind(), r.ID(), data); err != nil {
			return fmt.Errorf("failed to save hosted zones: %w", err)
		}
		r.Lock()
		r.domains = domains
		r.Unlock()
		r.Logger().Info().Int("zones", len(domains)).Msg("loaded hosted zones")
		return nil
	})
	if err != nil {
		return err
	}

	names, _ := r.HostedDomains(ctx)
	_, err = agent.PopulateDomains(ctx, r.Deps(), r, names)
	return err
}

func (r *Route53) HostedDomains(context.Context) ([]string, error) {
	r.RLock()
	defer r.RUnlock()

	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Route53) hosted(domain string) (Zone, bool) {
	r.RLock()
	defer r.RUnlock()
	z, ok := r.domains[domain]
	return z, ok
}

func (r *Route53) zoneID(ctx context.Context, domain string) (string, error) {
	if z, ok := r.hosted(domain); ok && z.ID != "" {
		return z.ID, nil
	}

	r.zoneMu.Lock()
	defer r.zoneMu.Unlock()
	if id, ok := r.zoneIDs[domain]; ok {
		return id, nil
	}

	out, err := r.api.ListHostedZonesByName(ctx, &r53.ListHostedZonesByNameInput{
		DNSName:  aws.String(domain),
		MaxItems: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up zone for %s: %w", domain, err)
	}
	if len(out.HostedZones) == 0 || aws.ToString(out.HostedZones[0].Name) != domain+"." {
		return "", fmt.Errorf("%s: %w", domain, ErrZoneNotFound)
	}
	id := trimZoneID(aws.ToString(out.HostedZones[0].Id))
	r.zoneIDs[domain] = id
	return id, nil
}

// recordValues returns the values of the apex record set of one type
func (r *Route53) recordValues(ctx context.Context, domain string, rrType r53types.RRType) ([]string, error) {
	id, err := r.zoneID(ctx, domain)
	if err != nil {
		return nil, err
	}
	out, err := r.api.ListResourceRecordSets(ctx, &r53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(id),
		StartRecordName: aws.String(domain),
		StartRecordType: rrType,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records for %s: %w", rrType, domain, err)
	}

	var values []string
	if len(out.ResourceRecordSets) > 0 {
		rrs := out.ResourceRecordSets[0]
		if rrs.Type == rrType && aws.ToString(rrs.Name) == domain+"." {
			for _, rr := range rrs.ResourceRecords {
				values = append(values, aws.ToString(rr.Value))
			}
		}
	}
	return values, nil
}

// NSRecords returns the nameservers Route53 assigned to the zone, or none
// when the domain is not hosted
func (r *Route53) NSRecords(ctx context.Context, domain string) ([]string, error) {
	values, err := r.recordValues(ctx, domain, r53types.RRTypeNs)
	if errors.Is(err, ErrZoneNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = strings.TrimSuffix(v, ".")
	}
	return values, nil
}

func (r *Route53) DomainStatus(ctx context.Context, domain string) (*types.DomainStatus, error) {
	z, ok := r.hosted(domain)
	if !ok {
		return &types.DomainStatus{Name: domain, Summary: fmt.Sprintf("No information for '%s'", domain)}, nil
	}
	ns, err := r.NSRecords(ctx, domain)
	if err != nil {
		return nil, err
	}
	return &types.DomainStatus{
		Name:        domain,
		Summary:     fmt.Sprintf("OK (R53 Zone: %s)", z.ID),
		Nameservers: ns,
	}, nil
}

// CreateDomain creates a public hosted zone unless one exists, waits for
// the change to sync and reloads the zone list
func (r *Route53) CreateDomain(ctx context.Context, domain string) error {
	if _, ok := r.hosted(domain); ok {
		r.Logger().Info().Str("domain", domain).Msg("zone already hosted")
		return nil
	}

	r.Logger().Info().Str("domain", domain).Msg("creating hosted zone")
	out, err := r.api.CreateHostedZone(ctx, &r53.CreateHostedZoneInput{
		Name:            aws.String(domain),
		CallerReference: aws.String(strings.ReplaceAll(uuid.NewString(), "-", "")),
		HostedZoneConfig: &r53types.HostedZoneConfig{
			Comment:     aws.String("Created by sdmgr"),
			PrivateZone: false,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create zone for %s: %w", domain, err)
	}
	if err := r.waitForChange(ctx, out.ChangeInfo); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// UpsertARecord sets the A record for hostname to ips
func (r *Route53) UpsertARecord(ctx context.Context, domain, hostname string, ips []string) error {
	records := make([]r53types.ResourceRecord, 0, len(ips))
	for _, ip := range ips {
		records = append(records, r53types.ResourceRecord{Value: aws.String(ip)})
	}
	r.Logger().Info().Str("domain", domain).Str("hostname", hostname).Strs("ips", ips).Msg("upserting A record")
	return r.upsert(ctx, domain, fmt.Sprintf("sdmgr setting %d A record(s)", len(ips)), &r53types.ResourceRecordSet{
		Name:            aws.String(hostname),
		Type:            r53types.RRTypeA,
		TTL:             aws.Int64(defaultTTL),
		ResourceRecords: records,
	})
}

// CheckGoogleSiteVerification reports whether the apex TXT records carry
// the token. Other verification tokens are logged.
func (r *Route53) CheckGoogleSiteVerification(ctx context.Context, domain, token string) (bool, error) {
	values, err := r.recordValues(ctx, domain, r53types.RRTypeTxt)
	if err != nil {
		return false, err
	}
	found := false
	for _, v := range values {
		existing, ok := strings.CutPrefix(strings.Trim(v, `"`), gsvPrefix)
		if !ok {
			continue
		}
		if existing == token {
			found = true
			continue
		}
		r.Logger().Warn().Str("domain", domain).Str("existing", existing).Msg("found other site verification token")
	}
	return found, nil
}

// SetGoogleSiteVerification adds the token to the apex TXT record set,
// keeping the values already there
func (r *Route53) SetGoogleSiteVerification(ctx context.Context, domain, token string) error {
	values, err := r.recordValues(ctx, domain, r53types.RRTypeTxt)
	if err != nil {
		return err
	}

	want := `"` + gsvPrefix + token + `"`
	records := make([]r53types.ResourceRecord, 0, len(values)+1)
	for _, v := range values {
		if v == want {
			r.Logger().Debug().Str("domain", domain).Msg("site verification token already present")
			return nil
		}
		if existing, ok := strings.CutPrefix(strings.Trim(v, `"`), gsvPrefix); ok {
			r.Logger().Warn().Str("domain", domain).Str("existing", existing).Msg("found unexpected site verification token")
		}
		records = append(records, r53types.ResourceRecord{Value: aws.String(v)})
	}
	records = append(records, r53types.ResourceRecord{Value: aws.String(want)})

	r.Logger().Info().Str("domain", domain).Msg("adding site verification TXT record")
	return r.upsert(ctx, domain, "sdmgr setting Google Site Verification", &r53types.ResourceRecordSet{
		Name:            aws.String(domain + "."),
		Type:            r53types.RRTypeTxt,
		TTL:             aws.Int64(defaultTTL),
		ResourceRecords: records,
	})
}

func (r *Route53) upsert(ctx context.Context, domain, comment string, rrs *r53types.ResourceRecordSet) error {
	id, err := r.zoneID(ctx, domain)
	if err != nil {
		return err
	}
	out, err := r.api.ChangeResourceRecordSets(ctx, &r53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(id),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String(comment),
			Changes: []r53types.Change{{Action: r53types.ChangeActionUpsert, ResourceRecordSet: rrs}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to change %s records for %s: %w", rrs.Type, domain, err)
	}
	return r.waitForChange(ctx, out.ChangeInfo)
}

// waitForChange polls until the change is INSYNC, giving up after the
// configured number of attempts
func (r *Route53) waitForChange(ctx context.Context, info *r53types.ChangeInfo) error {
	if info == nil {
		return nil
	}
	if info.Status == r53types.ChangeStatusInsync {
		return nil
	}

	interval, attempts := r.Deps().PollInterval, r.Deps().PollAttempts
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}

	id := aws.ToString(info.Id)
	for i := 0; i < attempts; i++ {
		out, err := r.api.GetChange(ctx, &r53.GetChangeInput{Id: aws.String(id)})
		if err != nil {
			return fmt.Errorf("failed to poll change %s: %w", id, err)
		}
		if out.ChangeInfo != nil && out.ChangeInfo.Status == r53types.ChangeStatusInsync {
			r.Logger().Debug().Str("change", id).Msg("change in sync")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("change %s not in sync after %d attempts", id, attempts)
}

func trimZoneID(id string) string {
	return strings.TrimPrefix(id, "/hostedzone/")
}

var (
	_ agent.DNSProvider = (*Route53)(nil)
	_ agent.Refresher   = (*Route53)(nil)
	_ agent.Stateful    = (*Route53)(nil)
)
