package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/types"
)

type registryKey struct {
	kind types.ProviderKind
	id   int
}

// Registry holds the started agents keyed by (kind, id)
type Registry struct {
	mu     sync.RWMutex
	agents map[registryKey]Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[registryKey]Agent)}
}

// Register adds a ready agent, replacing any agent with the same key
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[registryKey{a.Kind(), a.ID()}] = a
}

// Remove drops an agent from the registry
func (r *Registry) Remove(kind types.ProviderKind, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, registryKey{kind, id})
}

// Get returns the agent for (kind, id). Id 0 is never registered.
func (r *Registry) Get(kind types.ProviderKind, id int) (Agent, bool) {
	if id == 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[registryKey{kind, id}]
	return a, ok
}

// Registrar returns the registrar agent with the given id
func (r *Registry) Registrar(id int) (Registrar, bool) {
	a, ok := r.Get(types.ProviderRegistrar, id)
	if !ok {
		return nil, false
	}
	reg, ok := a.(Registrar)
	return reg, ok
}

// DNS returns the DNS agent with the given id
func (r *Registry) DNS(id int) (DNSProvider, bool) {
	a, ok := r.Get(types.ProviderDNS, id)
	if !ok {
		return nil, false
	}
	dns, ok := a.(DNSProvider)
	return dns, ok
}

// Hosting returns the hosting agent with the given id
func (r *Registry) Hosting(id int) (Hosting, bool) {
	a, ok := r.Get(types.ProviderHosting, id)
	if !ok {
		return nil, false
	}
	h, ok := a.(Hosting)
	return h, ok
}

// WAF returns the WAF agent with the given id
func (r *Registry) WAF(id int) (WAF, bool) {
	a, ok := r.Get(types.ProviderWAF, id)
	if !ok {
		return nil, false
	}
	w, ok := a.(WAF)
	return w, ok
}

// Notifier returns the notifier agent with the given id
func (r *Registry) Notifier(id int) (Notifier, bool) {
	a, ok := r.Get(types.ProviderNotifier, id)
	if !ok {
		return nil, false
	}
	n, ok := a.(Notifier)
	return n, ok
}

// List returns the agents of one kind ordered by id
func (r *Registry) List(kind types.ProviderKind) []Agent {
	r.mu.RLock()
	var out []Agent
	for k, a := range r.agents {
		if k.kind == kind {
			out = append(out, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Counts returns the number of registered agents per kind
func (r *Registry) Counts() map[types.ProviderKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.ProviderKind]int)
	for k := range r.agents {
		counts[k.kind]++
	}
	return counts
}

// GatherRegisteredDomains returns the union of domains reported by every
// registrar agent
func (r *Registry) GatherRegisteredDomains(ctx context.Context) []string {
	return r.gather(types.ProviderRegistrar, func(a Agent) ([]string, error) {
		reg, ok := a.(Registrar)
		if !ok {
			return nil, nil
		}
		return reg.RegisteredDomains(ctx)
	})
}

// GatherHostedDomains returns the union of domains served by every DNS agent
func (r *Registry) GatherHostedDomains(ctx context.Context) []string {
	return r.gather(types.ProviderDNS, func(a Agent) ([]string, error) {
		dns, ok := a.(DNSProvider)
		if !ok {
			return nil, nil
		}
		return dns.HostedDomains(ctx)
	})
}

func (r *Registry) gather(kind types.ProviderKind, list func(Agent) ([]string, error)) []string {
	seen := make(map[string]bool)
	var names []string
	for _, a := range r.List(kind) {
		domains, err := list(a)
		if err != nil {
			log.Logger.Warn().
				Err(err).
				Str("component", "registry").
				Str("agent", a.Label()).
				Msg("failed to list domains")
			continue
		}
		for _, d := range domains {
			if !seen[d] {
				seen[d] = true
				names = append(names, d)
			}
		}
	}
	sort.Strings(names)
	return names
}
