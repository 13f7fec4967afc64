package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/sdmgr/pkg/types"
)

// Factory builds an agent for a provider record
type Factory func(p *types.Provider, deps Deps) (Agent, error)

// Catalog maps (kind, agent_module) to the factory that implements it
type Catalog struct {
	mu        sync.RWMutex
	factories map[types.ProviderKind]map[string]Factory
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[types.ProviderKind]map[string]Factory)}
}

// Register adds a factory. Registering the same (kind, module) twice panics.
func (c *Catalog) Register(kind types.ProviderKind, module string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byModule, ok := c.factories[kind]
	if !ok {
		byModule = make(map[string]Factory)
		c.factories[kind] = byModule
	}
	if _, dup := byModule[module]; dup {
		panic(fmt.Sprintf("agent module %s/%s registered twice", kind, module))
	}
	byModule[module] = f
}

// Lookup returns the factory for (kind, module)
func (c *Catalog) Lookup(kind types.ProviderKind, module string) (Factory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.factories[kind][module]
	if !ok {
		return nil, fmt.Errorf("no %s agent module named %q", kind, module)
	}
	return f, nil
}

// Modules lists the registered module names for a kind
func (c *Catalog) Modules(kind types.ProviderKind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name := range c.factories[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
