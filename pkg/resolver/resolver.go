package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/miekg/dns"
)

var (
	// ErrNXDomain is returned when the queried name does not exist
	ErrNXDomain = errors.New("no such domain")

	// ErrNoAnswer is returned when the name exists but has no records of the requested type
	ErrNoAnswer = errors.New("no answer")

	// ErrNoNameservers is returned when no upstream server produced a usable response
	ErrNoNameservers = errors.New("no nameservers could answer")
)

// DefaultServers are used when no upstream resolvers are configured
var DefaultServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// maxCNAMEHops bounds CNAME chasing for A lookups
const maxCNAMEHops = 8

// Resolver answers the public DNS questions the reconciler asks
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// IsNotFound reports whether err is one of the "nothing published" conditions
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNXDomain) || errors.Is(err, ErrNoAnswer) || errors.Is(err, ErrNoNameservers)
}

// Config holds resolver configuration
type Config struct {
	Servers []string
	Timeout time.Duration
}

// Client is a recursive-query DNS client backed by miekg/dns
type Client struct {
	servers []string
	udp     *dns.Client
	tcp     *dns.Client
}

// New creates a new resolver client
func New(cfg Config) *Client {
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = DefaultServers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		servers: servers,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// query sends one question to each upstream in turn until one answers
func (c *Client) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		resp, _, err := c.udp.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = c.tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "resolver").
				Str("upstream", server).
				Str("query", name).
				Msg("upstream query failed")
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: %w", name, ErrNXDomain)
		default:
			lastErr = fmt.Errorf("upstream %s returned %s", server, dns.RcodeToString[resp.Rcode])
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w (%v)", name, ErrNoNameservers, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoNameservers)
}

// LookupHost returns the IPv4 addresses for host, following CNAMEs
func (c *Client) LookupHost(ctx context.Context, host string) ([]string, error) {
	name := host
	for hop := 0; hop < maxCNAMEHops; hop++ {
		resp, err := c.query(ctx, name, dns.TypeA)
		if err != nil {
			return nil, err
		}

		var ips []string
		var target string
		for _, rr := range resp.Answer {
			switch r := rr.(type) {
			case *dns.A:
				ips = append(ips, r.A.String())
			case *dns.CNAME:
				target = r.Target
			}
		}
		if len(ips) > 0 {
			return uniqueSorted(ips), nil
		}
		if target == "" {
			return nil, fmt.Errorf("%s A: %w", host, ErrNoAnswer)
		}
		name = target
	}
	return nil, fmt.Errorf("%s: CNAME chain too long: %w", host, ErrNoAnswer)
}

// LookupNS returns the nameserver hostnames for name, lowercased and
// without the trailing dot
func (c *Client) LookupNS(ctx context.Context, name string) ([]string, error) {
	resp, err := c.query(ctx, name, dns.TypeNS)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, rr := range resp.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			hosts = append(hosts, strings.ToLower(strings.TrimSuffix(ns.Ns, ".")))
		}
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%s NS: %w", name, ErrNoAnswer)
	}
	return uniqueSorted(hosts), nil
}

// LookupTXT returns each TXT record for name with its strings joined
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s TXT: %w", name, ErrNoAnswer)
	}
	return values, nil
}

// LookupHosts resolves every host and returns the union of their addresses.
// Hosts that publish nothing contribute no addresses; any other failure is
// returned.
func LookupHosts(ctx context.Context, r Resolver, hosts []string) ([]string, error) {
	var all []string
	for _, h := range hosts {
		ips, err := r.LookupHost(ctx, h)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		all = append(all, ips...)
	}
	return uniqueSorted(all), nil
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
