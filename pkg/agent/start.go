package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// StartResult is the outcome of starting one provider's agent
type StartResult struct {
	Kind  types.ProviderKind
	ID    int
	Label string
	Err   error
}

// StartAll builds and starts an agent for every provider concurrently.
// Agents that start become Ready and are registered; a provider whose
// module is unknown, whose factory fails or whose Start fails (or panics)
// is reported in the results and left out of the registry.
func StartAll(ctx context.Context, catalog *Catalog, deps Deps, providers []*types.Provider, maxConcurrent int) []StartResult {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	var mu sync.Mutex
	results := make([]StartResult, 0, len(providers))

	p := pool.New().WithMaxGoroutines(maxConcurrent)
	for _, provider := range providers {
		p.Go(func() {
			err := startOne(ctx, catalog, deps, provider)

			mu.Lock()
			results = append(results, StartResult{Kind: provider.Kind, ID: provider.ID, Label: provider.Label, Err: err})
			mu.Unlock()
		})
	}
	p.Wait()

	return results
}

func startOne(ctx context.Context, catalog *Catalog, deps Deps, p *types.Provider) (err error) {
	logger := log.WithAgent(string(p.Kind), p.Label, p.ID)

	defer func() {
		meta := map[string]string{"kind": string(p.Kind), "id": fmt.Sprint(p.ID), "label": p.Label}
		if err != nil {
			logger.Error().Err(err).Str("module", p.AgentModule).Msg("agent failed to start")
			deps.publish(&events.Event{Type: events.EventAgentFailed, Message: err.Error(), Metadata: meta})
			return
		}
		logger.Info().Str("module", p.AgentModule).Msg("agent started")
		deps.publish(&events.Event{Type: events.EventAgentStarted, Message: "agent " + p.Label + " started", Metadata: meta})
	}()

	factory, err := catalog.Lookup(p.Kind, p.AgentModule)
	if err != nil {
		return err
	}

	var a Agent
	var pc panics.Catcher
	pc.Try(func() {
		a, err = factory(p, deps)
		if err == nil {
			err = a.Start(ctx)
		}
	})
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("agent panicked during start: %w", r.AsError())
	}
	if err != nil {
		return err
	}
	if a.State() != StateReady {
		return fmt.Errorf("agent returned from start in state %s", a.State())
	}

	if deps.Registry != nil {
		deps.Registry.Register(a)
	}
	return nil
}
