package metrics

import (
	"time"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Source supplies the inventory numbers the collector publishes
type Source interface {
	CountDomains() (int, error)
	CountRegisteredDomains() int
	CountHostedDomains() int
	ActiveAgents() map[types.ProviderKind]int
}

// Collector periodically refreshes the inventory gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every inventory gauge once
func (c *Collector) Collect() {
	if n, err := c.source.CountDomains(); err != nil {
		log.Logger.Warn().Err(err).Str("component", "metrics").Msg("failed to count domains")
	} else {
		DomainsTotal.Set(float64(n))
	}

	RegisteredDomainsTotal.Set(float64(c.source.CountRegisteredDomains()))
	HostedDomainsTotal.Set(float64(c.source.CountHostedDomains()))

	active := c.source.ActiveAgents()
	for _, kind := range types.ProviderKinds {
		AgentsActive.WithLabelValues(string(kind)).Set(float64(active[kind]))
	}
}
