package storage

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/sdmgr/pkg/security"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	sql, err := NewGormStore(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sql.Close() })

	return map[string]Store{"bolt": bolt, "sqlite": sql}
}

func TestDomainCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			d := &types.Domain{Name: "example.com", RegistrarID: 1, UpdateApex: true, UpdateARecords: "www", Active: true}
			require.NoError(t, s.CreateDomain(d))
			assert.NotZero(t, d.ID)

			err := s.CreateDomain(&types.Domain{Name: "example.com"})
			assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

			got, err := s.GetDomainByName("example.com")
			require.NoError(t, err)
			assert.Equal(t, d, got)

			got.SiteID = 7
			got.Active = false
			require.NoError(t, s.UpdateDomain(got))

			byID, err := s.GetDomain(d.ID)
			require.NoError(t, err)
			assert.Equal(t, 7, byID.SiteID)
			assert.False(t, byID.Active)

			_, err = s.GetDomain(9999)
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.GetDomainByName("missing.com")
			assert.True(t, errors.Is(err, ErrNotFound))

			err = s.UpdateDomain(&types.Domain{ID: 9999, Name: "ghost.com"})
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, s.DeleteDomain(d.ID))
			_, err = s.GetDomainByName("example.com")
			assert.True(t, errors.Is(err, ErrNotFound))

			// name is free again after delete
			require.NoError(t, s.CreateDomain(&types.Domain{Name: "example.com"}))
		})
	}
}

func TestDomainRenameKeepsUniqueness(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a := &types.Domain{Name: "a.com"}
			b := &types.Domain{Name: "b.com"}
			require.NoError(t, s.CreateDomain(a))
			require.NoError(t, s.CreateDomain(b))

			b.Name = "a.com"
			assert.True(t, errors.Is(s.UpdateDomain(b), ErrDuplicate))

			b.Name = "c.com"
			require.NoError(t, s.UpdateDomain(b))
			got, err := s.GetDomainByName("c.com")
			require.NoError(t, err)
			assert.Equal(t, b.ID, got.ID)
		})
	}
}

func TestDomainFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateDomain(&types.Domain{Name: "a.com", SiteID: 1, Active: true}))
			require.NoError(t, s.CreateDomain(&types.Domain{Name: "b.com", SiteID: 1}))
			require.NoError(t, s.CreateDomain(&types.Domain{Name: "c.com", SiteID: 2, Active: true}))

			all, err := s.ListDomains()
			require.NoError(t, err)
			assert.Len(t, all, 3)

			active, err := s.ListActiveDomains()
			require.NoError(t, err)
			assert.Len(t, active, 2)

			bySite, err := s.ListDomainsBySite(1)
			require.NoError(t, err)
			assert.Len(t, bySite, 2)
		})
	}
}

func TestSites(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			site := &types.Site{Label: "shop.example.com", HostingID: 1, Active: true}
			require.NoError(t, s.CreateSite(site))
			assert.NotZero(t, site.ID)

			assert.True(t, errors.Is(s.CreateSite(&types.Site{Label: "shop.example.com"}), ErrDuplicate))

			got, err := s.GetSiteByLabel("shop.example.com")
			require.NoError(t, err)
			assert.Equal(t, site, got)

			got.Active = false
			require.NoError(t, s.UpdateSite(got))
			byID, err := s.GetSite(site.ID)
			require.NoError(t, err)
			assert.False(t, byID.Active)

			sites, err := s.ListSites()
			require.NoError(t, err)
			assert.Len(t, sites, 1)
		})
	}
}

func TestProviders(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := &types.Provider{Kind: types.ProviderDNS, Label: "Route53", AgentModule: "route53", Active: true}
			require.NoError(t, s.CreateProvider(p))
			assert.NotZero(t, p.ID)
			assert.Equal(t, types.DefaultConfigID(types.ProviderDNS, p.ID), p.ConfigID)

			inactive := &types.Provider{Kind: types.ProviderDNS, Label: "Old", AgentModule: "route53"}
			require.NoError(t, s.CreateProvider(inactive))
			require.NoError(t, s.CreateProvider(&types.Provider{Kind: types.ProviderWAF, Label: "k8s", Active: true}))

			dns, err := s.ListProviders(types.ProviderDNS)
			require.NoError(t, err)
			assert.Len(t, dns, 2)

			active, err := ListActiveProviders(s, types.ProviderDNS)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "Route53", active[0].Label)

			before := time.Now().Add(-time.Second)
			require.NoError(t, s.SaveProviderState(types.ProviderDNS, p.ID, []byte(`{"zones":{}}`)))
			got, err := s.GetProvider(types.ProviderDNS, p.ID)
			require.NoError(t, err)
			assert.JSONEq(t, `{"zones":{}}`, string(got.State))
			assert.True(t, got.UpdatedTime.After(before))

			_, err = s.GetProvider(types.ProviderRegistrar, p.ID+100)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(s.SaveProviderState(types.ProviderDNS, 999, nil), ErrNotFound))

			got.Label = "Route 53"
			require.NoError(t, s.UpdateProvider(got))
			again, err := s.GetProvider(types.ProviderDNS, p.ID)
			require.NoError(t, err)
			assert.Equal(t, "Route 53", again.Label)
		})
	}
}

func TestProviderStateIsOpaque(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := &types.Provider{Kind: types.ProviderRegistrar, Label: "Marcaria", AgentModule: "marcaria", Active: true}
			require.NoError(t, s.CreateProvider(p))

			raw := []byte("not json \x00\xff")
			require.NoError(t, s.SaveProviderState(p.Kind, p.ID, raw))

			got, err := s.GetProvider(p.Kind, p.ID)
			require.NoError(t, err)
			assert.Equal(t, raw, got.State)

			listed, err := s.ListProviders(p.Kind)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, raw, listed[0].State)

			// record updates leave the state alone
			update := &types.Provider{ID: p.ID, Kind: p.Kind, Label: "Marcaria EU", AgentModule: "marcaria", ConfigID: p.ConfigID, Active: true}
			require.NoError(t, s.UpdateProvider(update))
			got, err = s.GetProvider(p.Kind, p.ID)
			require.NoError(t, err)
			assert.Equal(t, "Marcaria EU", got.Label)
			assert.Equal(t, raw, got.State)

			data, err := json.Marshal(got)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "state")
		})
	}
}

func TestSettings(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetSetting("dns:1", "access_key_id", "AKIA"))
			require.NoError(t, s.SetSetting("dns:1", "region", "us-east-1"))
			require.NoError(t, s.SetSetting("dns:1", "region", "eu-west-1"))
			require.NoError(t, s.SetSetting("dns:2", "region", "ap-south-1"))

			settings, err := s.GetSettings("dns:1")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"access_key_id": "AKIA", "region": "eu-west-1"}, settings)

			empty, err := s.GetSettings("registrar:9")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStatusChecks(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			check := &types.StatusCheck{CheckID: "domain:a.com:ns_records", StartTime: now, EndTime: now, Success: true, Output: "OK"}
			require.NoError(t, s.PutStatusCheck(check))

			check.Success = false
			check.Output = "timeout"
			require.NoError(t, s.PutStatusCheck(check))

			got, err := s.GetStatusCheck("domain:a.com:ns_records")
			require.NoError(t, err)
			assert.False(t, got.Success)
			assert.Equal(t, "timeout", got.Output)

			require.NoError(t, s.PutStatusCheck(&types.StatusCheck{CheckID: "domain:a.com:a_records", Success: true}))
			require.NoError(t, s.PutStatusCheck(&types.StatusCheck{CheckID: "domain:ab.com:a_records", Success: true}))
			require.NoError(t, s.PutStatusCheck(&types.StatusCheck{CheckID: "site:a.com:ssl", Success: true}))

			rows, err := s.ListStatusChecks("domain:a.com:")
			require.NoError(t, err)
			assert.Len(t, rows, 2)

			_, err = s.GetStatusCheck("domain:missing:ns_records")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestSealedStore(t *testing.T) {
	inner, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer inner.Close()

	sm, err := security.NewSecretsManagerFromPassword("passphrase")
	require.NoError(t, err)
	s := NewSealedStore(inner, sm)

	require.NoError(t, s.SetSetting("registrar:1", "api_key", "secret-value"))
	require.NoError(t, s.SetSetting("registrar:1", "api_user", "alice"))

	raw, err := inner.GetSettings("registrar:1")
	require.NoError(t, err)
	assert.True(t, security.IsSealed(raw["api_key"]))
	assert.Equal(t, "alice", raw["api_user"])

	opened, err := s.GetSettings("registrar:1")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", opened["api_key"])
	assert.Equal(t, "alice", opened["api_user"])
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(DriverBolt, dir, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DriverSQLite, dir, "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open("postgres", dir, "")
	assert.Error(t, err)
}
