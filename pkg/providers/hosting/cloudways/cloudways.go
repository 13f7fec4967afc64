// Package cloudways implements the hosting agent for Cloudways managed
// servers. Each Cloudways application is a site, matched by label.
package cloudways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/providers/apiclient"
	"github.com/cuemby/sdmgr/pkg/types"
)

const (
	defaultAPI    = "https://api.cloudways.com/api/v1/"
	tokenLifetime = time.Hour
)

// Server is a Cloudways server and the applications it runs
type Server struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	PublicIP string `json:"public_ip"`
	Apps     []App  `json:"apps"`
}

// App is one application on a server
type App struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Aliases []string `json:"aliases"`
}

type cachedState struct {
	Servers []Server `json:"servers"`
}

// Cloudways is a hosting agent
type Cloudways struct {
	*agent.Base

	client  *apiclient.Client
	servers []Server

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewCloudways creates the agent. Settings: api_email, api_key; optional
// api_url.
func NewCloudways(p *types.Provider, deps agent.Deps) *Cloudways {
	return &Cloudways{
		Base:   agent.NewBase(p, deps),
		client: apiclient.New(apiclient.Config{Provider: "cloudways", HTTP: deps.HTTP, RequestsPerSecond: 2, Burst: 4}),
	}
}

func (c *Cloudways) Start(ctx context.Context) error {
	return c.Boot(ctx, c, func(context.Context) error {
		if _, err := c.Config("api_email"); err != nil {
			return err
		}
		_, err := c.Config("api_key")
		return err
	})
}

func (c *Cloudways) EncodeState() ([]byte, error) {
	return json.Marshal(cachedState{Servers: c.servers})
}

func (c *Cloudways) DecodeState(data []byte) error {
	var st cachedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	c.servers = st.Servers
	return nil
}

func (c *Cloudways) endpoint(path string) string {
	return strings.TrimSuffix(c.OptionalConfig("api_url", defaultAPI), "/") + "/" + path
}

// auth returns a bearer header, fetching a new token when the current one
// has expired
func (c *Cloudways) auth(ctx context.Context) (http.Header, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token == "" || time.Now().After(c.tokenExpires) {
		email, err := c.Config("api_email")
		if err != nil {
			return nil, err
		}
		key, err := c.Config("api_key")
		if err != nil {
			return nil, err
		}

		data, err := c.client.PostForm(ctx, c.endpoint("oauth/access_token"), nil, url.Values{
			"email":   {email},
			"api_key": {key},
		})
		if err != nil {
			return nil, fmt.Errorf("cloudways authentication failed: %w", err)
		}
		var resp struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(data, &resp); err != nil || resp.AccessToken == "" {
			return nil, fmt.Errorf("cloudways authentication returned no token")
		}
		c.token = resp.AccessToken
		c.tokenExpires = time.Now().Add(tokenLifetime)
	}

	return http.Header{
		"Authorization": {"Bearer " + c.token},
		"Accept":        {"application/json"},
	}, nil
}

// Refresh reloads the server list and creates sites for new applications
func (c *Cloudways) Refresh(ctx context.Context) error {
	header, err := c.auth(ctx)
	if err != nil {
		return err
	}

	err = c.Mutate(func() error {
		c.Logger().Info().Msg("fetching server list")
		var resp cachedState
		if err := c.client.GetJSON(ctx, c.endpoint("server"), header, &resp); err != nil {
			return fmt.Errorf("failed to list servers: %w", err)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if err := c.Deps().Store.SaveProviderState(c.Kind(), c.ID(), data); err != nil {
			return fmt.Errorf("failed to save servers: %w", err)
		}
		c.Lock()
		c.servers = resp.Servers
		c.Unlock()
		c.Logger().Info().Int("servers", len(resp.Servers)).Msg("loaded servers")
		return nil
	})
	if err != nil {
		return err
	}

	labels, _ := c.SiteLabels(ctx)
	_, err = agent.PopulateSites(ctx, c.Deps(), c, labels)
	return err
}

// SiteLabels lists the application labels across all servers
func (c *Cloudways) SiteLabels(context.Context) ([]string, error) {
	c.RLock()
	defer c.RUnlock()

	var labels []string
	for _, s := range c.servers {
		for _, a := range s.Apps {
			labels = append(labels, a.Label)
		}
	}
	sort.Strings(labels)
	return labels, nil
}

func (c *Cloudways) find(label string) (Server, App, error) {
	c.RLock()
	defer c.RUnlock()

	for _, s := range c.servers {
		for _, a := range s.Apps {
			if a.Label == label {
				return s, a, nil
			}
		}
	}
	return Server{}, App{}, fmt.Errorf("unknown site %s", label)
}

func (c *Cloudways) SiteIPs(_ context.Context, site *types.Site) ([]string, error) {
	s, _, err := c.find(site.Label)
	if err != nil {
		return nil, err
	}
	if s.PublicIP == "" {
		return nil, nil
	}
	return []string{s.PublicIP}, nil
}

func (c *Cloudways) SiteAliases(_ context.Context, site *types.Site) ([]string, error) {
	_, a, err := c.find(site.Label)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), a.Aliases...), nil
}

// UpdateSiteAliases replaces the application's aliases. A 422 from the
// API (alias rejected) is logged and not treated as a failure.
func (c *Cloudways) UpdateSiteAliases(ctx context.Context, site *types.Site, aliases []string) error {
	return c.Mutate(func() error { return c.updateSiteAliases(ctx, site, aliases) })
}

func (c *Cloudways) updateSiteAliases(ctx context.Context, site *types.Site, aliases []string) error {
	s, a, err := c.find(site.Label)
	if err != nil {
		return err
	}
	header, err := c.auth(ctx)
	if err != nil {
		return err
	}

	c.Logger().Info().Str("site", site.Label).Int("aliases", len(aliases)).Msg("setting aliases")
	form := url.Values{
		"server_id": {s.ID},
		"app_id":    {a.ID},
		"aliases[]": aliases,
	}
	body, err := c.client.PostForm(ctx, c.endpoint("app/manage/aliases"), header, form)
	var se *apiclient.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnprocessableEntity {
		c.Logger().Warn().Str("site", site.Label).Str("response", string(body)).Msg("aliases rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set aliases for %s: %w", site.Label, err)
	}

	c.Lock()
	for i := range c.servers {
		for j := range c.servers[i].Apps {
			if c.servers[i].Apps[j].ID == a.ID {
				c.servers[i].Apps[j].Aliases = append([]string(nil), aliases...)
			}
		}
	}
	c.Unlock()
	return c.SaveState(c)
}

var (
	_ agent.Hosting        = (*Cloudways)(nil)
	_ agent.Refresher      = (*Cloudways)(nil)
	_ agent.SiteDiscoverer = (*Cloudways)(nil)
)
