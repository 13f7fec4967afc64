// Package resolvertest provides an in-memory resolver for tests
package resolvertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/sdmgr/pkg/resolver"
)

// Fake answers lookups from maps. Names absent from a map yield
// resolver.ErrNXDomain unless Errors overrides them.
type Fake struct {
	mu     sync.Mutex
	Hosts  map[string][]string
	NS     map[string][]string
	TXT    map[string][]string
	Errors map[string]error
	Calls  []string
}

// New creates an empty fake resolver
func New() *Fake {
	return &Fake{
		Hosts:  make(map[string][]string),
		NS:     make(map[string][]string),
		TXT:    make(map[string][]string),
		Errors: make(map[string]error),
	}
}

// SetHost sets the A records for a host
func (f *Fake) SetHost(host string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Hosts[host] = ips
}

// SetNS sets the NS records for a name
func (f *Fake) SetNS(name string, hosts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NS[name] = hosts
}

// SetTXT sets the TXT records for a name
func (f *Fake) SetTXT(name string, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TXT[name] = values
}

// CallCount returns the number of lookups made so far
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *Fake) lookup(kind string, records map[string][]string, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := kind + " " + name
	f.Calls = append(f.Calls, key)
	if err, ok := f.Errors[key]; ok {
		return nil, err
	}
	values, ok := records[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, resolver.ErrNXDomain)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: %w", name, resolver.ErrNoAnswer)
	}
	return append([]string(nil), values...), nil
}

func (f *Fake) LookupHost(_ context.Context, host string) ([]string, error) {
	return f.lookup("A", f.Hosts, host)
}

func (f *Fake) LookupNS(_ context.Context, name string) ([]string, error) {
	return f.lookup("NS", f.NS, name)
}

func (f *Fake) LookupTXT(_ context.Context, name string) ([]string, error) {
	return f.lookup("TXT", f.TXT, name)
}

var _ resolver.Resolver = (*Fake)(nil)
