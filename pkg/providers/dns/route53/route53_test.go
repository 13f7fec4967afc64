package route53

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	r53 "github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordKey struct {
	zone string
	name string
	typ  r53types.RRType
}

// fakeAPI is an in-memory Route53
type fakeAPI struct {
	mu         sync.Mutex
	zones      []r53types.HostedZone
	records    map[recordKey][]string
	changes    []r53types.ResourceRecordSet
	polls      int
	pendingFor int
	neverSync  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: make(map[recordKey][]string)}
}

func (f *fakeAPI) addZone(name string) string {
	id := fmt.Sprintf("Z%d", len(f.zones)+1)
	f.zones = append(f.zones, r53types.HostedZone{Id: aws.String("/hostedzone/" + id), Name: aws.String(name + ".")})
	f.records[recordKey{id, name + ".", r53types.RRTypeNs}] = []string{"ns-1.awsdns.com.", "ns-2.awsdns.net."}
	return id
}

func (f *fakeAPI) ListHostedZones(_ context.Context, in *r53.ListHostedZonesInput, _ ...func(*r53.Options)) (*r53.ListHostedZonesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// one zone per page to exercise the marker
	start := 0
	if in.Marker != nil {
		fmt.Sscan(aws.ToString(in.Marker), &start)
	}
	if start >= len(f.zones) {
		return &r53.ListHostedZonesOutput{}, nil
	}
	out := &r53.ListHostedZonesOutput{HostedZones: f.zones[start : start+1]}
	if start+1 < len(f.zones) {
		out.IsTruncated = true
		out.NextMarker = aws.String(fmt.Sprint(start + 1))
	}
	return out, nil
}

func (f *fakeAPI) ListHostedZonesByName(_ context.Context, in *r53.ListHostedZonesByNameInput, _ ...func(*r53.Options)) (*r53.ListHostedZonesByNameOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, z := range f.zones {
		if aws.ToString(z.Name) == aws.ToString(in.DNSName)+"." {
			return &r53.ListHostedZonesByNameOutput{HostedZones: []r53types.HostedZone{z}}, nil
		}
	}
	return &r53.ListHostedZonesByNameOutput{}, nil
}

func (f *fakeAPI) ListResourceRecordSets(_ context.Context, in *r53.ListResourceRecordSetsInput, _ ...func(*r53.Options)) (*r53.ListResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StartRecordName) + "."
	values, ok := f.records[recordKey{aws.ToString(in.HostedZoneId), name, in.StartRecordType}]
	if !ok {
		return &r53.ListResourceRecordSetsOutput{}, nil
	}
	rrs := r53types.ResourceRecordSet{Name: aws.String(name), Type: in.StartRecordType}
	for _, v := range values {
		rrs.ResourceRecords = append(rrs.ResourceRecords, r53types.ResourceRecord{Value: aws.String(v)})
	}
	return &r53.ListResourceRecordSetsOutput{ResourceRecordSets: []r53types.ResourceRecordSet{rrs}}, nil
}

func (f *fakeAPI) ChangeResourceRecordSets(_ context.Context, in *r53.ChangeResourceRecordSetsInput, _ ...func(*r53.Options)) (*r53.ChangeResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range in.ChangeBatch.Changes {
		rrs := *c.ResourceRecordSet
		f.changes = append(f.changes, rrs)
		name := aws.ToString(rrs.Name)
		if !strings.HasSuffix(name, ".") {
			name += "."
		}
		var values []string
		for _, rr := range rrs.ResourceRecords {
			values = append(values, aws.ToString(rr.Value))
		}
		f.records[recordKey{aws.ToString(in.HostedZoneId), name, rrs.Type}] = values
	}
	return &r53.ChangeResourceRecordSetsOutput{ChangeInfo: &r53types.ChangeInfo{Id: aws.String("/change/C1"), Status: r53types.ChangeStatusPending}}, nil
}

func (f *fakeAPI) CreateHostedZone(_ context.Context, in *r53.CreateHostedZoneInput, _ ...func(*r53.Options)) (*r53.CreateHostedZoneOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addZone(aws.ToString(in.Name))
	return &r53.CreateHostedZoneOutput{ChangeInfo: &r53types.ChangeInfo{Id: aws.String("/change/C2"), Status: r53types.ChangeStatusPending}}, nil
}

func (f *fakeAPI) GetChange(context.Context, *r53.GetChangeInput, ...func(*r53.Options)) (*r53.GetChangeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	status := r53types.ChangeStatusInsync
	if f.neverSync || f.polls <= f.pendingFor {
		status = r53types.ChangeStatusPending
	}
	return &r53.GetChangeOutput{ChangeInfo: &r53types.ChangeInfo{Status: status}}, nil
}

func newAgent(t *testing.T, api *fakeAPI) (*Route53, agent.Deps) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &types.Provider{Kind: types.ProviderDNS, Label: "aws", AgentModule: "route53", Active: true}
	require.NoError(t, s.CreateProvider(p))

	deps := agent.Deps{Store: s, PollInterval: time.Millisecond, PollAttempts: 3}
	r := NewRoute53(p, deps)
	r.api = api
	require.NoError(t, r.Start(context.Background()))
	return r, deps
}

func TestRefreshPagesAndPopulates(t *testing.T) {
	api := newFakeAPI()
	api.addZone("a.com")
	api.addZone("b.com")
	r, deps := newAgent(t, api)

	require.NoError(t, r.Refresh(context.Background()))

	names, err := r.HostedDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.com"}, names)

	d, err := deps.Store.GetDomainByName("b.com")
	require.NoError(t, err)
	assert.Equal(t, r.ID(), d.DNSID)

	status, err := r.DomainStatus(context.Background(), "a.com")
	require.NoError(t, err)
	assert.Equal(t, "OK (R53 Zone: Z1)", status.Summary)
	assert.Equal(t, []string{"ns-1.awsdns.com", "ns-2.awsdns.net"}, status.Nameservers)
}

func TestNSRecordsForUnhostedDomain(t *testing.T) {
	r, _ := newAgent(t, newFakeAPI())
	ns, err := r.NSRecords(context.Background(), "missing.com")
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestCreateDomainWaitsForSync(t *testing.T) {
	api := newFakeAPI()
	api.pendingFor = 1
	r, _ := newAgent(t, api)

	require.NoError(t, r.CreateDomain(context.Background(), "new.com"))
	assert.Equal(t, 2, api.polls)

	ns, err := r.NSRecords(context.Background(), "new.com")
	require.NoError(t, err)
	assert.Len(t, ns, 2)

	// already hosted: no second zone
	require.NoError(t, r.CreateDomain(context.Background(), "new.com"))
	assert.Len(t, api.zones, 1)
}

func TestCreateDomainPollingIsBounded(t *testing.T) {
	api := newFakeAPI()
	api.neverSync = true
	r, _ := newAgent(t, api)

	err := r.CreateDomain(context.Background(), "slow.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in sync after 3 attempts")
	assert.Equal(t, 3, api.polls)
}

func TestUpsertARecord(t *testing.T) {
	api := newFakeAPI()
	api.addZone("example.com")
	r, _ := newAgent(t, api)

	require.NoError(t, r.UpsertARecord(context.Background(), "example.com", "www.example.com", []string{"9.9.9.9"}))
	require.Len(t, api.changes, 1)
	c := api.changes[0]
	assert.Equal(t, r53types.RRTypeA, c.Type)
	assert.Equal(t, "www.example.com", aws.ToString(c.Name))
	assert.Equal(t, int64(300), aws.ToInt64(c.TTL))
	assert.Equal(t, "9.9.9.9", aws.ToString(c.ResourceRecords[0].Value))
}

func TestGoogleSiteVerification(t *testing.T) {
	api := newFakeAPI()
	zone := api.addZone("example.com")
	api.records[recordKey{zone, "example.com.", r53types.RRTypeTxt}] = []string{`"v=spf1 -all"`, `"google-site-verification=old"`}
	r, _ := newAgent(t, api)
	ctx := context.Background()

	ok, err := r.CheckGoogleSiteVerification(ctx, "example.com", "tok")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetGoogleSiteVerification(ctx, "example.com", "tok"))
	assert.Equal(t, []string{`"v=spf1 -all"`, `"google-site-verification=old"`, `"google-site-verification=tok"`},
		api.records[recordKey{zone, "example.com.", r53types.RRTypeTxt}])

	ok, err = r.CheckGoogleSiteVerification(ctx, "example.com", "tok")
	require.NoError(t, err)
	assert.True(t, ok)

	// present: no further change
	require.NoError(t, r.SetGoogleSiteVerification(ctx, "example.com", "tok"))
	assert.Len(t, api.changes, 1)
}

func TestStateRoundTrip(t *testing.T) {
	api := newFakeAPI()
	api.addZone("a.com")
	r, deps := newAgent(t, api)
	require.NoError(t, r.Refresh(context.Background()))

	p, err := deps.Store.GetProvider(types.ProviderDNS, r.ID())
	require.NoError(t, err)

	restarted := NewRoute53(p, deps)
	restarted.api = api
	require.NoError(t, restarted.Start(context.Background()))
	names, err := restarted.HostedDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com"}, names)
}
