/*
Package types defines the records sdmgr reconciles: providers, sites,
domains, settings and status checks.

# Records

	Provider ──< Setting            (by ConfigID)
	   │
	   ├── registrar ─┐
	   ├── dns ───────┼──< Domain >── Site >── hosting Provider
	   └── waf ───────┘

A Domain always names its registrar once known; the DNS provider, site
and WAF references are optional and hold 0 when unassigned. Reconciling a
domain with an unassigned reference reports "not configured" rather than
failing the sweep.

Providers carry an opaque State blob owned by their agent. Nothing outside
the agent interprets it.

# Status checks

Check ids are composite keys:

	domain:example.com:ns_records
	site:shop.example.com:ssl

Exactly one StatusCheck row exists per id; each run overwrites it.
*/
package types
