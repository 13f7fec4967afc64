/*
Package resolver performs the public DNS lookups used to detect drift.

The reconciler needs to know what the internet currently sees for a domain,
independent of what any provider claims to serve. Client sends recursive
queries to a configured list of upstream resolvers (8.8.8.8 and 1.1.1.1 by
default) using miekg/dns, retrying over TCP when a UDP answer is truncated
and moving to the next upstream on transport errors, SERVFAIL or REFUSED.

Three outcomes are distinct, non-fatal errors:

	ErrNXDomain       the name does not exist
	ErrNoAnswer       the name exists but has no records of that type
	ErrNoNameservers  no upstream produced a usable answer

IsNotFound groups them for callers that treat "nothing published" as an
empty set. Package resolvertest provides an in-memory Resolver for tests.
*/
package resolver
