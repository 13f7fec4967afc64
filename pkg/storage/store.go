package storage

import (
	"errors"

	"github.com/cuemby/sdmgr/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique name or label is already taken
	ErrDuplicate = errors.New("duplicate record")
)

// Store defines the interface for sdmgr state storage.
// Implemented by BoltDB (default) and SQLite via gorm.
type Store interface {
	// Domains
	CreateDomain(domain *types.Domain) error
	GetDomain(id int) (*types.Domain, error)
	GetDomainByName(name string) (*types.Domain, error)
	ListDomains() ([]*types.Domain, error)
	ListActiveDomains() ([]*types.Domain, error)
	ListDomainsBySite(siteID int) ([]*types.Domain, error)
	UpdateDomain(domain *types.Domain) error
	DeleteDomain(id int) error

	// Sites
	CreateSite(site *types.Site) error
	GetSite(id int) (*types.Site, error)
	GetSiteByLabel(label string) (*types.Site, error)
	ListSites() ([]*types.Site, error)
	UpdateSite(site *types.Site) error

	// Providers
	CreateProvider(provider *types.Provider) error
	GetProvider(kind types.ProviderKind, id int) (*types.Provider, error)
	ListProviders(kind types.ProviderKind) ([]*types.Provider, error)
	UpdateProvider(provider *types.Provider) error
	SaveProviderState(kind types.ProviderKind, id int, state []byte) error

	// Settings
	SetSetting(configID, key, value string) error
	GetSettings(configID string) (map[string]string, error)

	// Status checks
	GetStatusCheck(checkID string) (*types.StatusCheck, error)
	PutStatusCheck(check *types.StatusCheck) error
	ListStatusChecks(prefix string) ([]*types.StatusCheck, error)

	// Utility
	Close() error
}

// ListActiveProviders filters ListProviders down to active records
func ListActiveProviders(s Store, kind types.ProviderKind) ([]*types.Provider, error) {
	all, err := s.ListProviders(kind)
	if err != nil {
		return nil, err
	}
	var active []*types.Provider
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}
