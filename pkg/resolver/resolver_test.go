package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs a miekg/dns server on a random local UDP port
func startServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func zone(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	q := r.Question[0]

	rr := func(s string) dns.RR {
		record, err := dns.NewRR(s)
		if err != nil {
			panic(err)
		}
		return record
	}

	switch {
	case q.Name == "example.com." && q.Qtype == dns.TypeA:
		msg.Answer = append(msg.Answer, rr("example.com. 300 IN A 9.9.9.9"), rr("example.com. 300 IN A 1.1.1.1"))
	case q.Name == "www.example.com." && q.Qtype == dns.TypeA:
		msg.Answer = append(msg.Answer, rr("www.example.com. 300 IN CNAME example.com."))
	case q.Name == "example.com." && q.Qtype == dns.TypeNS:
		msg.Answer = append(msg.Answer, rr("example.com. 300 IN NS NS2.Example.net."), rr("example.com. 300 IN NS ns1.example.net."))
	case q.Name == "example.com." && q.Qtype == dns.TypeTXT:
		msg.Answer = append(msg.Answer, rr(`example.com. 300 IN TXT "v=spf1 " "-all"`), rr(`example.com. 300 IN TXT "google-site-verification=abc"`))
	case q.Name == "empty.example.com.":
		// NOERROR, no records
	case q.Name == "broken.example.com.":
		msg.Rcode = dns.RcodeServerFailure
	default:
		msg.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(msg)
}

func TestLookups(t *testing.T) {
	addr := startServer(t, zone)
	c := New(Config{Servers: []string{addr}, Timeout: time.Second})
	ctx := context.Background()

	ips, err := c.LookupHost(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "9.9.9.9"}, ips)

	ips, err = c.LookupHost(ctx, "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "9.9.9.9"}, ips, "CNAME is followed")

	ns, err := c.LookupNS(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1.example.net", "ns2.example.net"}, ns)

	txt, err := c.LookupTXT(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 -all", "google-site-verification=abc"}, txt)
}

func TestLookupErrors(t *testing.T) {
	addr := startServer(t, zone)
	c := New(Config{Servers: []string{addr}, Timeout: time.Second})
	ctx := context.Background()

	tests := []struct {
		name   string
		lookup func() error
		want   error
	}{
		{
			name:   "nxdomain",
			lookup: func() error { _, err := c.LookupHost(ctx, "missing.example.com"); return err },
			want:   ErrNXDomain,
		},
		{
			name:   "no answer",
			lookup: func() error { _, err := c.LookupNS(ctx, "empty.example.com"); return err },
			want:   ErrNoAnswer,
		},
		{
			name:   "servfail",
			lookup: func() error { _, err := c.LookupTXT(ctx, "broken.example.com"); return err },
			want:   ErrNoNameservers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lookup()
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestFallsThroughToNextUpstream(t *testing.T) {
	addr := startServer(t, zone)

	// nothing listens on the first address, so the query times out there
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	c := New(Config{Servers: []string{deadAddr, addr}, Timeout: 200 * time.Millisecond})
	ips, err := c.LookupHost(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, ips, 2)
}

type staticResolver map[string][]string

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if ips, ok := s[host]; ok {
		return ips, nil
	}
	return nil, ErrNXDomain
}
func (s staticResolver) LookupNS(context.Context, string) ([]string, error)  { return nil, ErrNoAnswer }
func (s staticResolver) LookupTXT(context.Context, string) ([]string, error) { return nil, ErrNoAnswer }

func TestLookupHosts(t *testing.T) {
	r := staticResolver{
		"ns1.example.net": {"2.2.2.2", "1.1.1.1"},
		"ns2.example.net": {"1.1.1.1"},
	}

	ips, err := LookupHosts(context.Background(), r, []string{"ns1.example.net", "ns2.example.net", "gone.example.net"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, ips)

	ips, err = LookupHosts(context.Background(), r, nil)
	require.NoError(t, err)
	assert.Empty(t, ips)
}
