// Package registrar implements the domain registrar agents. Namecheap is
// refreshed from its API; Marcaria, IONOS and United Domains are refreshed
// by importing the provider's account export and request NS changes through
// their notifier.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/types"
)

// ErrImportFormat is returned when an uploaded export cannot be parsed.
// The agent's cached domains are left untouched.
var ErrImportFormat = errors.New("unrecognised import format")

type cachedState struct {
	Domains map[string]types.RegisteredDomain `json:"domains"`
}

// registrar holds the domain cache shared by every registrar agent. The
// embedded Base lock guards domains.
type registrar struct {
	*agent.Base

	self         agent.Agent
	method       types.RefreshMethod
	activeStatus string
	domains      map[string]types.RegisteredDomain
}

func newRegistrar(p *types.Provider, deps agent.Deps, method types.RefreshMethod, activeStatus string) *registrar {
	return &registrar{
		Base:         agent.NewBase(p, deps),
		method:       method,
		activeStatus: activeStatus,
		domains:      make(map[string]types.RegisteredDomain),
	}
}

func (r *registrar) EncodeState() ([]byte, error) {
	return json.Marshal(cachedState{Domains: r.domains})
}

func (r *registrar) DecodeState(data []byte) error {
	var st cachedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Domains == nil {
		st.Domains = make(map[string]types.RegisteredDomain)
	}
	r.domains = st.Domains
	r.Logger().Info().Int("domains", len(r.domains)).Msg("restored registrar state")
	return nil
}

func (r *registrar) RefreshMethod() types.RefreshMethod {
	return r.method
}

// RegisteredDomains returns the cached domains in the provider's active status
func (r *registrar) RegisteredDomains(context.Context) ([]string, error) {
	r.RLock()
	defer r.RUnlock()

	var names []string
	for name, d := range r.domains {
		if d.Status == r.activeStatus {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *registrar) DomainStatus(_ context.Context, name string) (*types.DomainStatus, error) {
	r.RLock()
	defer r.RUnlock()

	d, ok := r.domains[name]
	if !ok {
		return &types.DomainStatus{Name: name, Summary: fmt.Sprintf("No information for '%s'", name)}, nil
	}
	summary := d.Status
	if summary == "" {
		summary = "N/A"
	}
	return &types.DomainStatus{
		Name:       name,
		Summary:    summary,
		ExpiryDate: d.ExpiryDate,
		AutoRenew:  d.AutoRenew,
	}, nil
}

// replace persists a fully parsed domain set, swaps it into the cache and
// runs domain discovery. Nothing changes if persisting fails.
func (r *registrar) replace(ctx context.Context, domains map[string]types.RegisteredDomain, source string) (int, error) {
	err := r.Mutate(func() error {
		data, err := json.Marshal(cachedState{Domains: domains})
		if err != nil {
			return fmt.Errorf("failed to encode domains: %w", err)
		}
		if err := r.Deps().Store.SaveProviderState(r.Kind(), r.ID(), data); err != nil {
			return fmt.Errorf("failed to save domains: %w", err)
		}
		r.Lock()
		r.domains = domains
		r.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.Logger().Info().Int("domains", len(domains)).Str("source", source).Msg("updated registrar domains")

	active, _ := r.RegisteredDomains(ctx)
	result, err := agent.PopulateDomains(ctx, r.Deps(), r.self, active)
	if err != nil {
		return len(domains), fmt.Errorf("domain discovery failed: %w", err)
	}
	r.Logger().Debug().
		Int("created", result.Created).
		Int("transferred", result.Transferred).
		Msg("domain discovery finished")

	if ev := r.Deps().Events; ev != nil {
		ev.Publish(&events.Event{
			Type:    events.EventRegistrarImported,
			Message: fmt.Sprintf("%s updated with %d domains from %s", r.Label(), len(domains), source),
			Metadata: map[string]string{
				"registrar": r.Label(),
				"source":    source,
				"count":     fmt.Sprint(len(domains)),
			},
		})
	}
	return len(domains), nil
}

// notifyNSUpdate hands an NS change to the registrar's notifier. Used by
// registrars that have no API for delegation changes.
func (r *registrar) notifyNSUpdate(ctx context.Context, domain string, nameservers []string) error {
	n, err := r.Notifier()
	if err != nil {
		return fmt.Errorf("cannot request NS update for %s via %s: %w", domain, r.Label(), err)
	}
	n.NotifyRegistrarNSUpdate(ctx, r.Label(), domain, nameservers)
	r.Logger().Info().Str("domain", domain).Strs("nameservers", nameservers).Msg("requested NS update via notifier")

	if ev := r.Deps().Events; ev != nil {
		ev.Publish(&events.Event{
			Type:     events.EventNSUpdateRequested,
			Message:  fmt.Sprintf("NS update for %s requested via %s", domain, r.Label()),
			Metadata: map[string]string{"domain": domain, "registrar": r.Label()},
		})
	}
	return nil
}
