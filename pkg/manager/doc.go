/*
Package manager is the sdmgr process context.

A Manager is constructed once by the entry point and handed to the API
layer. It owns:

	┌──────────────────────────── MANAGER ────────────────────────────┐
	│                                                                  │
	│  storage.Store ── agent.Registry ── reconciler.Reconciler        │
	│        │               ▲                    │                    │
	│        │        agent.StartAll              ▼                    │
	│        │     (one agent per active   ledger.Ledger ── sinks      │
	│        │      provider record)              │      (log, events, │
	│        ▼                                    ▼       redis)       │
	│  scheduler.Scheduler ──────────────── events.Broker              │
	│                                                                  │
	│  TokenManager (API bearer tokens)   metrics.Collector            │
	└──────────────────────────────────────────────────────────────────┘

# Lifecycle

	m, err := manager.Open(ctx, cfg)   // store, resolver, sinks
	err = m.Start(ctx)                 // start agents
	m.Run()                            // sweep loop and metrics
	...
	m.Shutdown()

Start never fails because one provider's agent does: the failure is
logged, published as an agent.failed event and the provider is left out of
the registry. Checks involving it then report the provider as unavailable.

# Operations

CheckDomain, RunCheck and CheckSite run synchronously for on-demand
callers. Sweep starts a background sweep; RunSweep waits for one. Refresh
and ImportFile reload a provider's cache, after which its discovery
routine creates or reassigns domain records.
*/
package manager
