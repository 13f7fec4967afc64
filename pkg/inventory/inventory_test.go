package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const document = `
providers:
  - kind: registrar
    label: Namecheap
    module: namecheap
    settings:
      api_user: alice
      api_key: secret
  - kind: dns
    label: Route53
    module: route53
  - kind: hosting
    label: Cloudways
    module: cloudways
  - kind: waf
    label: Edge
    module: k8s
    active: false
settings:
  - config_id: notify
    values:
      webhook: https://discord.example/hook
sites:
  - label: shop
    hosting: Cloudways
domains:
  - name: example.com
    registrar: Namecheap
    dns: Route53
    site: shop
    update_a_records: www
  - name: example.org
    update_apex: false
    google_site_verification: token-1
`

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApply(t *testing.T) {
	store := newStore(t)
	inv, err := Parse([]byte(document))
	require.NoError(t, err)

	res, err := Apply(store, inv)
	require.NoError(t, err)
	assert.Equal(t, Result{Created: 7, Settings: 3}, res)

	reg, err := store.GetProvider(types.ProviderRegistrar, 1)
	require.NoError(t, err)
	assert.Equal(t, "namecheap", reg.AgentModule)
	assert.True(t, reg.Active)

	settings, err := store.GetSettings(reg.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_user": "alice", "api_key": "secret"}, settings)

	notify, err := store.GetSettings("notify")
	require.NoError(t, err)
	assert.Equal(t, "https://discord.example/hook", notify["webhook"])

	waf, err := store.GetProvider(types.ProviderWAF, 1)
	require.NoError(t, err)
	assert.False(t, waf.Active)

	site, err := store.GetSiteByLabel("shop")
	require.NoError(t, err)
	assert.Equal(t, 1, site.HostingID)
	assert.True(t, site.Active)

	d, err := store.GetDomainByName("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, d.RegistrarID)
	assert.Equal(t, 1, d.DNSID)
	assert.Equal(t, site.ID, d.SiteID)
	assert.Zero(t, d.WAFID)
	assert.True(t, d.UpdateApex)
	assert.Equal(t, "www", d.UpdateARecords)

	d, err = store.GetDomainByName("example.org")
	require.NoError(t, err)
	assert.False(t, d.UpdateApex)
	assert.Equal(t, "token-1", d.GoogleSiteVerification)
	assert.Zero(t, d.RegistrarID)
}

func TestApplyTwiceIsUnchanged(t *testing.T) {
	store := newStore(t)
	inv, err := Parse([]byte(document))
	require.NoError(t, err)

	_, err = Apply(store, inv)
	require.NoError(t, err)

	res, err := Apply(store, inv)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 7, Settings: 3}, res)

	domains, err := store.ListDomains()
	require.NoError(t, err)
	assert.Len(t, domains, 2)
}

func TestApplyUpdates(t *testing.T) {
	store := newStore(t)
	inv, err := Parse([]byte(document))
	require.NoError(t, err)
	_, err = Apply(store, inv)
	require.NoError(t, err)

	changed, err := Parse([]byte(`
providers:
  - kind: waf
    label: Edge
    module: k8s
domains:
  - name: example.com
    waf: Edge
    update_a_records: "www,shop"
`))
	require.NoError(t, err)

	res, err := Apply(store, changed)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 2}, res)

	waf, err := store.GetProvider(types.ProviderWAF, 1)
	require.NoError(t, err)
	assert.True(t, waf.Active)

	d, err := store.GetDomainByName("example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, d.WAFID)
	assert.Equal(t, "www,shop", d.UpdateARecords)
	assert.Equal(t, 1, d.RegistrarID, "omitted references keep their assignment")
	assert.Equal(t, 1, d.DNSID)
}

func TestApplyResolvesStoredReferences(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateProvider(&types.Provider{Kind: types.ProviderDNS, Label: "Existing", AgentModule: "route53", Active: true}))

	inv, err := Parse([]byte(`
domains:
  - name: example.net
    dns: Existing
`))
	require.NoError(t, err)
	_, err = Apply(store, inv)
	require.NoError(t, err)

	d, err := store.GetDomainByName("example.net")
	require.NoError(t, err)
	assert.Equal(t, 1, d.DNSID)
}

func TestApplyUnknownReference(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"provider", "domains:\n  - name: example.com\n    registrar: Missing\n"},
		{"site", "domains:\n  - name: example.com\n    site: missing\n"},
		{"hosting", "sites:\n  - label: shop\n    hosting: Missing\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = Apply(newStore(t), inv)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"unknown field", "domains:\n  - name: example.com\n    owner: bob\n", "field owner not found"},
		{"unknown kind", "providers:\n  - kind: cdn\n    label: X\n    module: x\n", "unknown provider kind"},
		{"missing module", "providers:\n  - kind: dns\n    label: X\n", "label and module are required"},
		{"duplicate provider", "providers:\n  - {kind: dns, label: X, module: a}\n  - {kind: dns, label: X, module: b}\n", "duplicate dns label"},
		{"missing config id", "settings:\n  - values: {a: b}\n", "config_id is required"},
		{"missing site label", "sites:\n  - hosting: X\n", "label is required"},
		{"duplicate domain", "domains:\n  - name: a.com\n  - name: a.com\n", "duplicate name"},
		{"missing domain name", "domains:\n  - dns: X\n", "name is required"},
		{"bad yaml", "domains: [", "failed to parse inventory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	inv, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, inv.Domains)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o600))

	inv, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, inv.Providers, 4)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read inventory")
}
