package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	DomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdmgr_domains_total",
			Help: "Total number of domain records",
		},
	)

	RegisteredDomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdmgr_registered_domains_total",
			Help: "Domains reported as registered across all registrar agents",
		},
	)

	HostedDomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdmgr_hosted_domains_total",
			Help: "Domains reported as hosted across all DNS agents",
		},
	)

	AgentsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sdmgr_agents_active",
			Help: "Number of started agents by provider kind",
		},
		[]string{"kind"},
	)

	// Check metrics
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdmgr_checks_total",
			Help: "Total number of reconciliation checks by check name and result",
		},
		[]string{"check", "result"},
	)

	CheckTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdmgr_check_transitions_total",
			Help: "Total number of check outcome changes by check name",
		},
		[]string{"check"},
	)

	CheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdmgr_check_duration_seconds",
			Help:    "Check duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"check"},
	)

	// Sweep metrics
	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sdmgr_sweeps_total",
			Help: "Total number of full reconciliation sweeps started",
		},
	)

	SweepsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sdmgr_sweeps_skipped_total",
			Help: "Sweep ticks skipped because the previous sweep was still running",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sdmgr_sweep_duration_seconds",
			Help:    "Time from sweep start until its last domain finished",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Provider API metrics
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdmgr_provider_requests_total",
			Help: "Outbound provider API requests by provider and status",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(RegisteredDomainsTotal)
	prometheus.MustRegister(HostedDomainsTotal)
	prometheus.MustRegister(AgentsActive)
	prometheus.MustRegister(ChecksTotal)
	prometheus.MustRegister(CheckTransitionsTotal)
	prometheus.MustRegister(CheckDuration)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(SweepsSkipped)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result returns the label value used for a check outcome
func Result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
