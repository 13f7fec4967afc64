/*
Package reconciler checks managed domains and sites against what their
providers report and issues the calls that bring them back in line.

# Checks

Every check is recorded in the ledger under its status check id:

	domain:{name}:ns_records                public delegation matches the DNS provider's NS set
	domain:{name}:a_records                 apex and prefixes resolve to the serving IPs
	domain:{name}:waf                       hosting aliases and WAF routing cover the site's hostnames
	site:{label}:ssl                        each active WAF holds a certificate for its hostnames
	domain:{name}:google_site_verification  verification TXT token is published

CheckDomain runs them in that order, except that the NS and A record checks
run concurrently:

	        ┌── ns_records ──┐
	start ──┤                ├── waf ── ssl ── google_site_verification
	        └── a_records ───┘

# Comparison

NS delegation compares the addresses the two nameserver sets resolve to,
not the names. A records compare the public A set with the serving IPs.
Both comparisons, and the alias comparison in the WAF check, are set
comparisons: order and repeats do not matter.

Public lookups that find nothing (NXDOMAIN, no answer, no nameservers)
count as an empty set and lead to the corrective branch.

# Failure handling

A provider reference that is unassigned, or whose agent did not start,
produces a failed outcome with a short message. Errors and panics inside a
check stop at that check: the remaining checks still run and the failure
is recorded like any other outcome.
*/
package reconciler
