/*
Package log provides structured logging for sdmgr using zerolog.

A single package-level Logger is configured once by Init from the process
configuration (level and JSON or console output). Components derive child
loggers that carry identifying fields:

	log.WithComponent("scheduler")           component=scheduler
	log.WithDomain("example.com")            domain=example.com
	log.WithAgent("dns", "Route53", 2)       agent_kind=dns agent_label=Route53 agent_id=2
	log.WithCheck("domain:example.com:ssl")  check_id=domain:example.com:ssl

Console output is meant for interactive use of the CLI:

	2026-01-02T10:30:00Z INF sweep started component=scheduler domains=42

JSON output is meant for log shippers:

	{"level":"info","component":"scheduler","domains":42,"time":"...","message":"sweep started"}

Check outcomes are logged by the status ledger; transitions are logged at
warn (to failure) or info (to success) so a quiet steady state produces
little noise at the default level.
*/
package log
