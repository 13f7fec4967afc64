/*
Package agent defines provider agents, their lifecycle and the registry the
reconciler resolves them from.

An agent is a stateful handle on one configured provider record (a
registrar, DNS host, hosting platform, WAF or notifier). Concrete agents
live in pkg/providers and embed Base, which carries identity, settings and
the lifecycle state machine:

	Uninitialized ──Start──> Starting ──ok──> Ready
	                             │
	                             └──err──> Failed

Start loads the agent's settings (by config id) and restores its cached
provider state from the provider record. Empty or unreadable state is a
cold start, not an error. A missing required setting surfaces as a
*MissingConfigurationError and fails the agent.

# Capabilities

Agents implement the capability interfaces that match their kind:
Registrar, DNSProvider, Hosting, WAF and Notifier, plus the optional
Refresher, CSVImporter, JSONImporter and SiteDiscoverer. Callers type-assert
for optional capabilities and report ErrNotSupported when absent.

# Registry and catalog

A Catalog maps (kind, agent_module) to a Factory and is populated at
compile time by pkg/providers. StartAll builds and starts one agent per
provider record concurrently; only agents that reach Ready enter the
Registry. Looking up a provider id with no registered agent is an ordinary
"not available" result.

# Locking

Base embeds a sync.RWMutex that guards the agent's cached provider state.
Refresh and import paths fetch or parse outside the lock, swap the cache
under the write lock, release it, then call SaveState, which takes the read
lock itself.

# Discovery

PopulateDomains and PopulateSites pull inventory from providers into the
store. They only create and reassign; records a provider stops reporting
are left alone.
*/
package agent
