package manager

import (
	"context"
	"time"

	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/cuemby/sdmgr/pkg/types"
)

// inventoryTimeout bounds the provider calls made for one collection
const inventoryTimeout = 30 * time.Second

// StartMetrics starts the collector refreshing the inventory gauges
func (m *Manager) StartMetrics() {
	if m.collector != nil {
		return
	}
	m.collector = metrics.NewCollector(m, m.metricsInterval)
	m.collector.Start()
}

// CountDomains returns the number of domain records
func (m *Manager) CountDomains() (int, error) {
	domains, err := m.store.ListDomains()
	if err != nil {
		return 0, err
	}
	return len(domains), nil
}

// CountRegisteredDomains returns the number of distinct domains the
// registrar agents report as registered
func (m *Manager) CountRegisteredDomains() int {
	ctx, cancel := context.WithTimeout(context.Background(), inventoryTimeout)
	defer cancel()
	return len(m.registry.GatherRegisteredDomains(ctx))
}

// CountHostedDomains returns the number of distinct domains the DNS agents
// serve
func (m *Manager) CountHostedDomains() int {
	ctx, cancel := context.WithTimeout(context.Background(), inventoryTimeout)
	defer cancel()
	return len(m.registry.GatherHostedDomains(ctx))
}

// ActiveAgents returns the number of started agents per kind, including
// kinds with none
func (m *Manager) ActiveAgents() map[types.ProviderKind]int {
	counts := m.registry.Counts()
	for _, kind := range types.ProviderKinds {
		if _, ok := counts[kind]; !ok {
			counts[kind] = 0
		}
	}
	return counts
}

func (m *Manager) publishAgentCounts() {
	for kind, n := range m.ActiveAgents() {
		metrics.AgentsActive.WithLabelValues(string(kind)).Set(float64(n))
	}
}

var _ metrics.Source = (*Manager)(nil)
