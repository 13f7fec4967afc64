package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/storage"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func provider(t *testing.T, module string, settings map[string]string) (*types.Provider, agent.Deps) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &types.Provider{Kind: types.ProviderNotifier, Label: module, AgentModule: module, Active: true}
	require.NoError(t, s.CreateProvider(p))
	for k, v := range settings {
		require.NoError(t, s.SetSetting(p.ConfigID, k, v))
	}
	return p, agent.Deps{Store: s}
}

func TestMessages(t *testing.T) {
	m := nsUpdateMessage("marcaria", "example.com", []string{"ns1.x.net", "ns2.x.net"})
	assert.Equal(t, "marcaria", m.Sender)
	assert.Equal(t, "NS record update required for 'example.com'", m.Subject)
	assert.Equal(t, "Please update NS records for domain 'example.com' to:\nns1.x.net\nns2.x.net", m.Body)

	assert.Contains(t, transferOutMessage("old", "a.com").Body, "no longer reported by old")
	assert.Contains(t, transferInMessage("new", "a.com").Body, "now reported by new")
}

func TestDiscord(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, deps := provider(t, "discord", map[string]string{"webhook_url": srv.URL})
	d := NewDiscord(p, deps)
	require.NoError(t, d.Start(context.Background()))

	d.NotifyRegistrarNSUpdate(context.Background(), "marcaria", "example.com", []string{"ns1.x.net"})
	assert.Equal(t, "marcaria", got["username"])
	assert.Contains(t, got["content"], "ns1.x.net")
}

func TestDiscordFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, deps := provider(t, "discord", map[string]string{"webhook_url": srv.URL})
	d := NewDiscord(p, deps)
	require.NoError(t, d.Start(context.Background()))

	assert.NotPanics(t, func() {
		d.NotifyDomainTransferIn(context.Background(), "new", "example.com")
	})
}

func TestDiscordRequiresWebhook(t *testing.T) {
	p, deps := provider(t, "discord", nil)
	var missing *agent.MissingConfigurationError
	assert.ErrorAs(t, NewDiscord(p, deps).Start(context.Background()), &missing)
}

func TestSMTPMessage(t *testing.T) {
	p, deps := provider(t, "smtp", map[string]string{
		"smtp_host":         "127.0.0.1",
		"smtp_port":         "1",
		"mail_from_address": "sdmgr@example.com",
		"mail_from_label":   "Site Manager",
		"mail_to_address":   "ops@example.com",
	})
	s := NewSMTP(p, deps)
	require.NoError(t, s.Start(context.Background()))

	m, err := s.message(nsUpdateMessage("marcaria", "example.com", []string{"ns1.x.net"}))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: NS record update required for 'example.com'")
	assert.Contains(t, raw, "ops@example.com")
	assert.Contains(t, raw, "ns1.x.net")

	// nothing listens on port 1; delivery failure is logged only
	assert.NotPanics(t, func() {
		s.NotifyDomainTransferOut(context.Background(), "old", "example.com")
	})
}
