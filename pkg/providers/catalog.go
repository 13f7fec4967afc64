// Package providers wires the concrete agent implementations into an
// agent.Catalog keyed by provider kind and agent_module.
package providers

import (
	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/providers/dns/route53"
	"github.com/cuemby/sdmgr/pkg/providers/hosting/cloudways"
	"github.com/cuemby/sdmgr/pkg/providers/notifier"
	"github.com/cuemby/sdmgr/pkg/providers/registrar"
	"github.com/cuemby/sdmgr/pkg/providers/waf/k8s"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Catalog returns a catalog with every built-in agent module
func Catalog() *agent.Catalog {
	c := agent.NewCatalog()

	c.Register(types.ProviderRegistrar, "namecheap", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return registrar.NewNamecheap(p, d), nil
	})
	c.Register(types.ProviderRegistrar, "marcaria", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return registrar.NewMarcaria(p, d), nil
	})
	c.Register(types.ProviderRegistrar, "ionos", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return registrar.NewIONOS(p, d), nil
	})
	c.Register(types.ProviderRegistrar, "uniteddomains", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return registrar.NewUnitedDomains(p, d), nil
	})

	c.Register(types.ProviderDNS, "route53", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return route53.NewRoute53(p, d), nil
	})

	c.Register(types.ProviderHosting, "cloudways", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return cloudways.NewCloudways(p, d), nil
	})

	c.Register(types.ProviderWAF, "k8s", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return k8s.NewWAF(p, d), nil
	})

	c.Register(types.ProviderNotifier, "discord", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return notifier.NewDiscord(p, d), nil
	})
	c.Register(types.ProviderNotifier, "smtp", func(p *types.Provider, d agent.Deps) (agent.Agent, error) {
		return notifier.NewSMTP(p, d), nil
	})

	return c
}
