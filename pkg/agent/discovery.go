package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/sdmgr/pkg/events"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
)

// DiscoveryResult counts the changes made by PopulateDomains
type DiscoveryResult struct {
	Created     int `json:"created"`
	Transferred int `json:"transferred"`
	Unchanged   int `json:"unchanged"`
}

// NewDiscoveredDomain returns the record created for a domain first seen
// at a provider
func NewDiscoveredDomain(name string) *types.Domain {
	return &types.Domain{
		Name:           name,
		UpdateApex:     true,
		UpdateARecords: "www",
		Active:         true,
	}
}

// PopulateDomains makes the local domain inventory reflect what the owner
// (a registrar or DNS agent) reports it manages. Unknown names are
// created, names attached to another provider of the same kind are moved
// to the owner with transfer notifications, and nothing is ever deleted.
func PopulateDomains(ctx context.Context, deps Deps, owner Agent, names []string) (DiscoveryResult, error) {
	var result DiscoveryResult

	ref := referenceFor(owner.Kind())
	if ref == nil {
		return result, fmt.Errorf("%s agents do not own domains", owner.Kind())
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		domain, err := deps.Store.GetDomainByName(name)
		if errors.Is(err, storage.ErrNotFound) {
			domain = NewDiscoveredDomain(name)
			*ref(domain) = owner.ID()
			err = deps.Store.CreateDomain(domain)
			if errors.Is(err, storage.ErrDuplicate) {
				// created concurrently by another agent; fall through to reassignment
				domain, err = deps.Store.GetDomainByName(name)
			} else if err == nil {
				result.Created++
				deps.publish(&events.Event{
					Type:     events.EventDomainCreated,
					Message:  fmt.Sprintf("domain %s discovered via %s", name, owner.Label()),
					Metadata: map[string]string{"domain": name, "kind": string(owner.Kind()), "provider": owner.Label()},
				})
				continue
			}
		}
		if err != nil {
			return result, fmt.Errorf("failed to look up domain %s: %w", name, err)
		}

		current := ref(domain)
		if *current == owner.ID() {
			result.Unchanged++
			continue
		}

		previous := *current
		*current = owner.ID()
		if err := deps.Store.UpdateDomain(domain); err != nil {
			return result, fmt.Errorf("failed to reassign domain %s: %w", name, err)
		}
		result.Transferred++

		deps.publish(&events.Event{
			Type:    events.EventDomainTransferred,
			Message: fmt.Sprintf("domain %s moved to %s", name, owner.Label()),
			Metadata: map[string]string{
				"domain": name,
				"kind":   string(owner.Kind()),
				"from":   fmt.Sprint(previous),
				"to":     fmt.Sprint(owner.ID()),
			},
		})

		if previous != 0 {
			if n, label, ok := deps.providerNotifier(owner.Kind(), previous); ok {
				n.NotifyDomainTransferOut(ctx, label, name)
			}
		}
		if n, label, ok := deps.providerNotifier(owner.Kind(), owner.ID()); ok {
			n.NotifyDomainTransferIn(ctx, label, name)
		}
	}

	return result, nil
}

// referenceFor returns an accessor for the domain field that links a
// domain to a provider of the given kind
func referenceFor(kind types.ProviderKind) func(*types.Domain) *int {
	switch kind {
	case types.ProviderRegistrar:
		return func(d *types.Domain) *int { return &d.RegistrarID }
	case types.ProviderDNS:
		return func(d *types.Domain) *int { return &d.DNSID }
	default:
		return nil
	}
}

// providerNotifier finds the notifier configured for a provider through its
// notifier_id setting. Missing records, settings or agents yield false.
func (d Deps) providerNotifier(kind types.ProviderKind, id int) (Notifier, string, bool) {
	if d.Registry == nil {
		return nil, "", false
	}
	p, err := d.Store.GetProvider(kind, id)
	if err != nil {
		return nil, "", false
	}
	configID := p.ConfigID
	if configID == "" {
		configID = types.DefaultConfigID(kind, id)
	}
	settings, err := d.Store.GetSettings(configID)
	if err != nil {
		return nil, "", false
	}
	var notifierID int
	if _, err := fmt.Sscan(settings["notifier_id"], &notifierID); err != nil || notifierID == 0 {
		return nil, "", false
	}
	n, ok := d.Registry.Notifier(notifierID)
	if !ok {
		return nil, "", false
	}
	return n, p.Label, true
}

// PopulateSites creates a site record for every label a hosting agent
// serves and re-points existing sites at it
func PopulateSites(ctx context.Context, deps Deps, owner Agent, labels []string) (DiscoveryResult, error) {
	var result DiscoveryResult
	if owner.Kind() != types.ProviderHosting {
		return result, fmt.Errorf("%s agents do not own sites", owner.Kind())
	}

	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		site, err := deps.Store.GetSiteByLabel(label)
		if errors.Is(err, storage.ErrNotFound) {
			site = &types.Site{Label: label, HostingID: owner.ID(), Active: true}
			err = deps.Store.CreateSite(site)
			if errors.Is(err, storage.ErrDuplicate) {
				// created concurrently; fall through to reassignment
				site, err = deps.Store.GetSiteByLabel(label)
			} else if err == nil {
				result.Created++
				continue
			} else {
				return result, fmt.Errorf("failed to create site %s: %w", label, err)
			}
		}
		if err != nil {
			return result, fmt.Errorf("failed to look up site %s: %w", label, err)
		}

		if site.HostingID == owner.ID() {
			result.Unchanged++
			continue
		}
		site.HostingID = owner.ID()
		if err := deps.Store.UpdateSite(site); err != nil {
			return result, fmt.Errorf("failed to reassign site %s: %w", label, err)
		}
		result.Transferred++
	}
	return result, nil
}
