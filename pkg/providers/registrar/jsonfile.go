package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
)

// flag decodes auto-renew markers exported either as booleans or as
// "ON"/"true" strings
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.ToLower(strings.TrimSpace(s))
	*f = flag(s == "on" || s == "true" || s == "yes")
	return nil
}

// JSONFile is a registrar refreshed from a JSON domain export. IONOS and
// United Domains differ only in field names and the active status value.
type JSONFile struct {
	*registrar
	decode func([]byte) (map[string]types.RegisteredDomain, error)
}

func newJSONFile(p *types.Provider, deps agent.Deps, activeStatus string, decode func([]byte) (map[string]types.RegisteredDomain, error)) *JSONFile {
	j := &JSONFile{
		registrar: newRegistrar(p, deps, types.RefreshJSONFile, activeStatus),
		decode:    decode,
	}
	j.self = j
	return j
}

// NewIONOS creates an IONOS registrar agent
func NewIONOS(p *types.Provider, deps agent.Deps) *JSONFile {
	return newJSONFile(p, deps, "ACTIVE", decodeIONOS)
}

// NewUnitedDomains creates a United Domains registrar agent
func NewUnitedDomains(p *types.Provider, deps agent.Deps) *JSONFile {
	return newJSONFile(p, deps, statusRegistered, decodeUnitedDomains)
}

func (j *JSONFile) Start(ctx context.Context) error {
	return j.Boot(ctx, j, nil)
}

// ImportJSON replaces the cached domains with the contents of an export
func (j *JSONFile) ImportJSON(ctx context.Context, data []byte) (int, error) {
	domains, err := j.decode(data)
	if err != nil {
		return 0, err
	}
	return j.replace(ctx, domains, "jsonfile")
}

func (j *JSONFile) SetNSRecords(ctx context.Context, domain string, nameservers []string) error {
	return j.notifyNSUpdate(ctx, domain, nameservers)
}

func decodeIONOS(data []byte) (map[string]types.RegisteredDomain, error) {
	var doc struct {
		DomainList *[]struct {
			Name           string `json:"name"`
			State          string `json:"state"`
			ExpirationDate string `json:"expirationDate"`
			AutoRenew      flag   `json:"autoRenew"`
		} `json:"domainList"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
	}
	if doc.DomainList == nil {
		return nil, fmt.Errorf("%w: missing domainList", ErrImportFormat)
	}

	domains := make(map[string]types.RegisteredDomain)
	for _, d := range *doc.DomainList {
		if d.Name == "" {
			continue
		}
		domains[d.Name] = types.RegisteredDomain{
			Name:       d.Name,
			Status:     d.State,
			ExpiryDate: d.ExpirationDate,
			AutoRenew:  bool(d.AutoRenew),
		}
	}
	return domains, nil
}

func decodeUnitedDomains(data []byte) (map[string]types.RegisteredDomain, error) {
	var doc struct {
		DomainList *[]struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			ExpiryDate string `json:"expiry_date"`
			AutoRenew  flag   `json:"auto_renew"`
		} `json:"domainList"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
	}
	if doc.DomainList == nil {
		return nil, fmt.Errorf("%w: missing domainList", ErrImportFormat)
	}

	domains := make(map[string]types.RegisteredDomain)
	for _, d := range *doc.DomainList {
		if d.Name == "" {
			continue
		}
		domains[d.Name] = types.RegisteredDomain{
			Name:       d.Name,
			Status:     d.Status,
			ExpiryDate: d.ExpiryDate,
			AutoRenew:  bool(d.AutoRenew),
		}
	}
	return domains, nil
}

var (
	_ agent.Registrar    = (*Namecheap)(nil)
	_ agent.Refresher    = (*Namecheap)(nil)
	_ agent.Registrar    = (*Marcaria)(nil)
	_ agent.CSVImporter  = (*Marcaria)(nil)
	_ agent.Registrar    = (*JSONFile)(nil)
	_ agent.JSONImporter = (*JSONFile)(nil)
)
