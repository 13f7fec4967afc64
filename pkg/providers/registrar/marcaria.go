package registrar

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Marcaria export columns
const (
	colName       = 0
	colStatus     = 1
	colExpiry     = 4
	colDNSProfile = 7
	colAutoRenew  = 8
)

// Marcaria is refreshed from the account's CSV domain export
type Marcaria struct {
	*registrar
}

// NewMarcaria creates a Marcaria registrar agent
func NewMarcaria(p *types.Provider, deps agent.Deps) *Marcaria {
	m := &Marcaria{registrar: newRegistrar(p, deps, types.RefreshCSVFile, statusRegistered)}
	m.self = m
	return m
}

func (m *Marcaria) Start(ctx context.Context) error {
	return m.Boot(ctx, m, nil)
}

// ImportCSV replaces the cached domains with the rows of a CSV export. The
// first row is a header; blank lines are skipped.
func (m *Marcaria) ImportCSV(ctx context.Context, data []byte) (int, error) {
	domains, err := parseMarcariaCSV(data)
	if err != nil {
		return 0, err
	}
	return m.replace(ctx, domains, "csvfile")
}

func (m *Marcaria) SetNSRecords(ctx context.Context, domain string, nameservers []string) error {
	return m.notifyNSUpdate(ctx, domain, nameservers)
}

func parseMarcariaCSV(data []byte) (map[string]types.RegisteredDomain, error) {
	// exports use bare CR line endings
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	r := csv.NewReader(bytes.NewReader([]byte(text)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	domains := make(map[string]types.RegisteredDomain)
	header := false
	for line := 1; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImportFormat, err)
		}
		if len(row) <= 1 {
			continue
		}
		if !header {
			header = true
			continue
		}
		if len(row) <= colAutoRenew {
			return nil, fmt.Errorf("%w: row %d has %d columns, want at least %d", ErrImportFormat, line, len(row), colAutoRenew+1)
		}

		name := strings.TrimSpace(row[colName])
		if name == "" {
			continue
		}
		domains[name] = types.RegisteredDomain{
			Name:       name,
			Status:     strings.TrimSpace(row[colStatus]),
			ExpiryDate: isoDate(row[colExpiry], true),
			DNSProfile: strings.TrimSpace(row[colDNSProfile]),
			AutoRenew:  strings.TrimSpace(row[colAutoRenew]) == "ON",
		}
	}

	if !header {
		return nil, fmt.Errorf("%w: no data in upload, is it the right file?", ErrImportFormat)
	}
	return domains, nil
}
