package providers

import (
	"testing"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	c := Catalog()

	assert.Equal(t, []string{"ionos", "marcaria", "namecheap", "uniteddomains"}, c.Modules(types.ProviderRegistrar))
	assert.Equal(t, []string{"route53"}, c.Modules(types.ProviderDNS))
	assert.Equal(t, []string{"cloudways"}, c.Modules(types.ProviderHosting))
	assert.Equal(t, []string{"k8s"}, c.Modules(types.ProviderWAF))
	assert.Equal(t, []string{"discord", "smtp"}, c.Modules(types.ProviderNotifier))
}

func TestCatalogFactoriesMatchKind(t *testing.T) {
	c := Catalog()
	id := 1
	for _, kind := range types.ProviderKinds {
		for _, module := range c.Modules(kind) {
			f, err := c.Lookup(kind, module)
			require.NoError(t, err)

			p := &types.Provider{ID: id, Kind: kind, Label: module, AgentModule: module}
			a, err := f(p, agent.Deps{})
			require.NoError(t, err)
			assert.Equal(t, kind, a.Kind(), module)
			assert.Equal(t, module, a.Module())
			assert.Equal(t, agent.StateUninitialized, a.State())
			id++
		}
	}
}
