/*
Package metrics exposes sdmgr's Prometheus metrics and component health.

All metrics are package variables registered with the default registry in
init and served by Handler at /metrics:

	sdmgr_domains_total                 gauge
	sdmgr_registered_domains_total      gauge      registrar-reported
	sdmgr_hosted_domains_total          gauge      DNS-reported
	sdmgr_agents_active{kind}           gauge
	sdmgr_checks_total{check,result}    counter
	sdmgr_check_transitions_total{check}
	sdmgr_check_duration_seconds{check} histogram
	sdmgr_sweeps_total / sdmgr_sweeps_skipped_total
	sdmgr_sweep_duration_seconds        histogram
	sdmgr_provider_requests_total{provider,status}

The inventory gauges are refreshed by a Collector polling a Source (the
manager) on an interval; check and sweep metrics are updated inline by the
ledger and scheduler. Timer is a small helper for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CheckDuration, "ns_records")

HealthChecker backs /health and /ready. Readiness requires the critical
components (storage and agents for the default checker) to be registered
and healthy.
*/
package metrics
