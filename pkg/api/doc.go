/*
Package api is the REST façade over the manager.

The server is an echo instance with three unauthenticated endpoints and a
bearer-token protected /api group:

	GET  /health                                 liveness and component health
	GET  /ready                                  503 until storage and agents are up
	GET  /metrics                                Prometheus exposition

	GET  /api/domains[?name=]                    list or search domains
	POST /api/domains                            create a domain record
	GET  /api/domains/:id
	PUT  /api/domains/:id                        gsv token, active and update flags
	POST /api/domains/:id/apply                  full reconciliation, synchronous
	GET  /api/domains/:id/check/:check           one named check (ns, a, waf, ssl, gsv)
	GET  /api/domains/:id/status                 ledger rows for the domain
	GET  /api/sites[?label=]
	GET  /api/sites/:id
	GET  /api/sites/:id/check/ssl
	GET  /api/providers/:kind
	GET  /api/providers/:kind/:id                record, agent state, refresh method
	POST /api/providers/:kind/:id/refresh
	POST /api/registrars/:id/csvfile             multipart field "file"
	POST /api/registrars/:id/jsonfile            multipart field "file"
	GET  /api/registrars/:id/domains/:name/status
	POST /api/reconcile                          start a sweep, 202
	GET  /api/events[?types=]                    server-sent events
	POST /api/tokens                             issue a short-lived token

Tokens are the static api.tokens from configuration plus tokens issued by
POST /api/tokens. Errors are written as {"error": "..."}; a reconciliation
whose checks fail is still a 200 carrying the report.
*/
package api
