package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/agent/agenttest"
	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cachingAgent keeps a list of names as its provider-side cache
type cachingAgent struct {
	*agent.Base
	names    []string
	setupErr error
	setups   int
}

func (a *cachingAgent) EncodeState() ([]byte, error) { return json.Marshal(a.names) }
func (a *cachingAgent) DecodeState(data []byte) error { return json.Unmarshal(data, &a.names) }

func (a *cachingAgent) Start(ctx context.Context) error {
	return a.Boot(ctx, a, func(context.Context) error {
		a.setups++
		if _, err := a.Config("api_key"); err != nil {
			return err
		}
		return a.setupErr
	})
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createProvider(t *testing.T, s storage.Store, kind types.ProviderKind, label, module string) *types.Provider {
	t.Helper()
	p := &types.Provider{Kind: kind, Label: label, AgentModule: module, Active: true}
	require.NoError(t, s.CreateProvider(p))
	return p
}

func TestBootLifecycle(t *testing.T) {
	s := newStore(t)
	p := createProvider(t, s, types.ProviderRegistrar, "reg", "cache")
	require.NoError(t, s.SetSetting(p.ConfigID, "api_key", "k"))
	require.NoError(t, s.SaveProviderState(p.Kind, p.ID, []byte(`["a.com","b.com"]`)))

	a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
	assert.Equal(t, agent.StateUninitialized, a.State())

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, agent.StateReady, a.State())
	assert.Equal(t, []string{"a.com", "b.com"}, a.names)

	// a second start is a no-op
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, 1, a.setups)
}

func TestBootColdStart(t *testing.T) {
	tests := []struct {
		name  string
		state string
	}{
		{name: "empty", state: ""},
		{name: "null", state: "null"},
		{name: "empty object", state: "{}"},
		{name: "corrupt", state: "not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			p := createProvider(t, s, types.ProviderDNS, "dns", "cache")
			require.NoError(t, s.SetSetting(p.ConfigID, "api_key", "k"))
			if tt.state != "" {
				require.NoError(t, s.SaveProviderState(p.Kind, p.ID, []byte(tt.state)))
			}

			a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
			require.NoError(t, a.Start(context.Background()))
			assert.Empty(t, a.names)
		})
	}
}

func TestBootMissingConfiguration(t *testing.T) {
	s := newStore(t)
	p := createProvider(t, s, types.ProviderHosting, "host", "cache")

	a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
	err := a.Start(context.Background())

	var missing *agent.MissingConfigurationError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "api_key", missing.Key)
	assert.Equal(t, p.ConfigID, missing.ConfigID)
	assert.Equal(t, agent.StateFailed, a.State())
}

func TestSaveState(t *testing.T) {
	s := newStore(t)
	p := createProvider(t, s, types.ProviderRegistrar, "reg", "cache")
	require.NoError(t, s.SetSetting(p.ConfigID, "api_key", "k"))

	a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
	require.NoError(t, a.Start(context.Background()))

	a.Lock()
	a.names = []string{"c.com"}
	a.Unlock()
	require.NoError(t, a.SaveState(a))

	restarted := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
	require.NoError(t, restarted.Start(context.Background()))
	assert.Equal(t, []string{"c.com"}, restarted.names)
}

func TestOptionalConfig(t *testing.T) {
	s := newStore(t)
	p := createProvider(t, s, types.ProviderRegistrar, "reg", "cache")
	require.NoError(t, s.SetSetting(p.ConfigID, "api_key", "k"))
	require.NoError(t, s.SetSetting(p.ConfigID, "page_size", "50"))
	require.NoError(t, s.SetSetting(p.ConfigID, "retries", "many"))

	a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s})}
	require.NoError(t, a.Start(context.Background()))

	assert.Equal(t, "fallback", a.OptionalConfig("missing", "fallback"))
	assert.Equal(t, 50, a.OptionalConfigInt("page_size", 10))
	assert.Equal(t, 3, a.OptionalConfigInt("retries", 3))
}

func TestBaseNotifier(t *testing.T) {
	s := newStore(t)
	reg := agent.NewRegistry()
	p := createProvider(t, s, types.ProviderRegistrar, "reg", "cache")
	require.NoError(t, s.SetSetting(p.ConfigID, "api_key", "k"))

	a := &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s, Registry: reg})}
	require.NoError(t, a.Start(context.Background()))

	_, err := a.Notifier()
	assert.ErrorIs(t, err, agent.ErrNoNotifier)

	require.NoError(t, s.SetSetting(p.ConfigID, "notifier_id", "7"))
	a = &cachingAgent{Base: agent.NewBase(p, agent.Deps{Store: s, Registry: reg})}
	require.NoError(t, a.Start(context.Background()))

	_, err = a.Notifier()
	assert.ErrorIs(t, err, agent.ErrAgentUnavailable)

	reg.Register(agenttest.NewNotifier(7, "ops"))
	n, err := a.Notifier()
	require.NoError(t, err)
	assert.NotNil(t, n)
}

func TestRegistry(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(agenttest.NewRegistrar(2, "second"))
	reg.Register(agenttest.NewRegistrar(1, "first"))
	reg.Register(agenttest.NewDNS(1, "dns"))

	_, ok := reg.Get(types.ProviderRegistrar, 0)
	assert.False(t, ok, "id 0 never resolves")

	r, ok := reg.Registrar(1)
	require.True(t, ok)
	assert.Equal(t, "first", r.(agent.Agent).Label())

	_, ok = reg.Hosting(1)
	assert.False(t, ok)

	list := reg.List(types.ProviderRegistrar)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].ID())
	assert.Equal(t, 2, list[1].ID())

	assert.Equal(t, map[types.ProviderKind]int{types.ProviderRegistrar: 2, types.ProviderDNS: 1}, reg.Counts())

	reg.Remove(types.ProviderRegistrar, 2)
	_, ok = reg.Registrar(2)
	assert.False(t, ok)
}

func TestGatherDomains(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(agenttest.NewRegistrar(1, "a", "b.com", "a.com"))
	reg.Register(agenttest.NewRegistrar(2, "b", "c.com", "a.com"))

	dns := agenttest.NewDNS(1, "dns")
	dns.NS["z.com"] = []string{"ns1.example.net"}
	reg.Register(dns)

	broken := agenttest.NewDNS(2, "broken")
	broken.Errors["HostedDomains"] = errors.New("api down")
	reg.Register(broken)

	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, reg.GatherRegisteredDomains(context.Background()))
	assert.Equal(t, []string{"z.com"}, reg.GatherHostedDomains(context.Background()))
}

func TestCatalog(t *testing.T) {
	c := agent.NewCatalog()
	f := func(p *types.Provider, deps agent.Deps) (agent.Agent, error) { return nil, nil }
	c.Register(types.ProviderDNS, "route53", f)
	c.Register(types.ProviderDNS, "bind", f)

	_, err := c.Lookup(types.ProviderDNS, "route53")
	assert.NoError(t, err)

	_, err = c.Lookup(types.ProviderWAF, "route53")
	assert.Error(t, err)

	assert.Equal(t, []string{"bind", "route53"}, c.Modules(types.ProviderDNS))
	assert.Panics(t, func() { c.Register(types.ProviderDNS, "bind", f) })
}

func TestStartAll(t *testing.T) {
	catalog := agent.NewCatalog()
	catalog.Register(types.ProviderRegistrar, "ok", func(p *types.Provider, _ agent.Deps) (agent.Agent, error) {
		r := agenttest.NewRegistrar(p.ID, p.Label)
		return r, nil
	})
	catalog.Register(types.ProviderRegistrar, "failing", func(p *types.Provider, _ agent.Deps) (agent.Agent, error) {
		r := agenttest.NewRegistrar(p.ID, p.Label)
		r.StartErr = errors.New("bad credentials")
		return r, nil
	})
	catalog.Register(types.ProviderRegistrar, "panicking", func(*types.Provider, agent.Deps) (agent.Agent, error) {
		panic("boom")
	})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	reg := agent.NewRegistry()
	deps := agent.Deps{Registry: reg, Events: broker}
	providers := []*types.Provider{
		{ID: 1, Kind: types.ProviderRegistrar, Label: "good", AgentModule: "ok"},
		{ID: 2, Kind: types.ProviderRegistrar, Label: "bad", AgentModule: "failing"},
		{ID: 3, Kind: types.ProviderRegistrar, Label: "crash", AgentModule: "panicking"},
		{ID: 4, Kind: types.ProviderRegistrar, Label: "unknown", AgentModule: "missing"},
	}

	results := agent.StartAll(context.Background(), catalog, deps, providers, 2)
	require.Len(t, results, 4)

	failed := make(map[int]error)
	for _, r := range results {
		if r.Err != nil {
			failed[r.ID] = r.Err
		}
	}
	assert.Len(t, failed, 3)
	assert.NotContains(t, failed, 1)
	assert.Contains(t, failed[3].Error(), "panicked")

	assert.Len(t, reg.List(types.ProviderRegistrar), 1)
	_, ok := reg.Registrar(1)
	assert.True(t, ok)

	counts := make(map[events.EventType]int)
	for i := 0; i < 4; i++ {
		ev := <-sub
		counts[ev.Type]++
	}
	assert.Equal(t, 1, counts[events.EventAgentStarted])
	assert.Equal(t, 3, counts[events.EventAgentFailed])
}

func TestPopulateDomains(t *testing.T) {
	s := newStore(t)
	reg := agent.NewRegistry()
	deps := agent.Deps{Store: s, Registry: reg}

	owner := agenttest.NewRegistrar(1, "first")
	names := []string{"a.com", "b.com"}

	result, err := agent.PopulateDomains(context.Background(), deps, owner, names)
	require.NoError(t, err)
	assert.Equal(t, agent.DiscoveryResult{Created: 2}, result)

	d, err := s.GetDomainByName("a.com")
	require.NoError(t, err)
	assert.Equal(t, 1, d.RegistrarID)
	assert.Equal(t, 0, d.DNSID)
	assert.True(t, d.UpdateApex)
	assert.Equal(t, "www", d.UpdateARecords)
	assert.True(t, d.Active)

	// rerunning never duplicates
	result, err = agent.PopulateDomains(context.Background(), deps, owner, names)
	require.NoError(t, err)
	assert.Equal(t, agent.DiscoveryResult{Unchanged: 2}, result)

	all, err := s.ListDomains()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPopulateDomainsTransfer(t *testing.T) {
	s := newStore(t)
	reg := agent.NewRegistry()
	deps := agent.Deps{Store: s, Registry: reg}

	oldP := createProvider(t, s, types.ProviderRegistrar, "old", "fake")
	newP := createProvider(t, s, types.ProviderRegistrar, "new", "fake")
	require.NoError(t, s.SetSetting(oldP.ConfigID, "notifier_id", "9"))
	require.NoError(t, s.SetSetting(newP.ConfigID, "notifier_id", "9"))

	notifier := agenttest.NewNotifier(9, "ops")
	reg.Register(notifier)

	_, err := agent.PopulateDomains(context.Background(), deps, agenttest.NewRegistrar(oldP.ID, "old"), []string{"moved.com"})
	require.NoError(t, err)

	result, err := agent.PopulateDomains(context.Background(), deps, agenttest.NewRegistrar(newP.ID, "new"), []string{"moved.com"})
	require.NoError(t, err)
	assert.Equal(t, agent.DiscoveryResult{Transferred: 1}, result)

	d, err := s.GetDomainByName("moved.com")
	require.NoError(t, err)
	assert.Equal(t, newP.ID, d.RegistrarID)

	sent := notifier.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, agenttest.Notification{Type: "transfer_out", Provider: "old", Domain: "moved.com"}, sent[0])
	assert.Equal(t, agenttest.Notification{Type: "transfer_in", Provider: "new", Domain: "moved.com"}, sent[1])
}

func TestPopulateDomainsWithoutNotifier(t *testing.T) {
	s := newStore(t)
	deps := agent.Deps{Store: s, Registry: agent.NewRegistry()}

	first := createProvider(t, s, types.ProviderDNS, "first", "fake")
	second := createProvider(t, s, types.ProviderDNS, "second", "fake")

	_, err := agent.PopulateDomains(context.Background(), deps, agenttest.NewDNS(first.ID, "first"), []string{"x.com"})
	require.NoError(t, err)

	result, err := agent.PopulateDomains(context.Background(), deps, agenttest.NewDNS(second.ID, "second"), []string{"x.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Transferred)

	d, err := s.GetDomainByName("x.com")
	require.NoError(t, err)
	assert.Equal(t, second.ID, d.DNSID)
	assert.Equal(t, 0, d.RegistrarID)
}

func TestPopulateDomainsRejectsOtherKinds(t *testing.T) {
	deps := agent.Deps{Store: newStore(t)}
	_, err := agent.PopulateDomains(context.Background(), deps, agenttest.NewWAF(1, "waf"), []string{"a.com"})
	assert.Error(t, err)
}

func TestPopulateSites(t *testing.T) {
	s := newStore(t)
	deps := agent.Deps{Store: s}

	result, err := agent.PopulateSites(context.Background(), deps, agenttest.NewHosting(1, "h1"), []string{"shop", "blog"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)

	result, err = agent.PopulateSites(context.Background(), deps, agenttest.NewHosting(2, "h2"), []string{"shop"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Transferred)

	site, err := s.GetSiteByLabel("shop")
	require.NoError(t, err)
	assert.Equal(t, 2, site.HostingID)
}

// staleSiteLookup reports the first lookup of a label as missing, as if
// another agent created the site between the lookup and the create
type staleSiteLookup struct {
	storage.Store
	missed map[string]bool
}

func (s *staleSiteLookup) GetSiteByLabel(label string) (*types.Site, error) {
	if !s.missed[label] {
		s.missed[label] = true
		return nil, storage.ErrNotFound
	}
	return s.Store.GetSiteByLabel(label)
}

func TestPopulateSitesCreatedConcurrently(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateSite(&types.Site{Label: "shop", HostingID: 1, Active: true}))
	deps := agent.Deps{Store: &staleSiteLookup{Store: s, missed: make(map[string]bool)}}

	result, err := agent.PopulateSites(context.Background(), deps, agenttest.NewHosting(2, "h2"), []string{"shop"})
	require.NoError(t, err)
	assert.Equal(t, agent.DiscoveryResult{Transferred: 1}, result)

	site, err := s.GetSiteByLabel("shop")
	require.NoError(t, err)
	assert.Equal(t, 2, site.HostingID)
}
