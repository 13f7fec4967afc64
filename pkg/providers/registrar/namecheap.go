package registrar

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/providers/apiclient"
	"github.com/cuemby/sdmgr/pkg/types"
)

const (
	namecheapAPI      = "https://api.namecheap.com/xml.response"
	namecheapPageSize = 100
)

// Namecheap manages domains through the Namecheap XML API
type Namecheap struct {
	*registrar
	client *apiclient.Client
}

// NewNamecheap creates a Namecheap registrar agent.
//
// Settings: api_user, api_key, client_ip; optional username (defaults to
// api_user), api_url and page_size.
func NewNamecheap(p *types.Provider, deps agent.Deps) *Namecheap {
	n := &Namecheap{
		registrar: newRegistrar(p, deps, types.RefreshAPI, statusRegistered),
		client:    apiclient.New(apiclient.Config{Provider: "namecheap", HTTP: deps.HTTP, RequestsPerSecond: 5, Burst: 5}),
	}
	n.self = n
	return n
}

const (
	statusRegistered = "Registered"
	statusExpired    = "Expired"
)

func (n *Namecheap) Start(ctx context.Context) error {
	return n.Boot(ctx, n, func(context.Context) error {
		for _, key := range []string{"api_user", "api_key", "client_ip"} {
			if _, err := n.Config(key); err != nil {
				return err
			}
		}
		return nil
	})
}

type ncResponse struct {
	XMLName xml.Name  `xml:"ApiResponse"`
	Status  string    `xml:"Status,attr"`
	Errors  []ncError `xml:"Errors>Error"`
	Command ncCommand `xml:"CommandResponse"`
}

type ncError struct {
	Number string `xml:"Number,attr"`
	Text   string `xml:",chardata"`
}

type ncCommand struct {
	Domains    []ncDomain `xml:"DomainGetListResult>Domain"`
	TotalItems int        `xml:"Paging>TotalItems"`
	SetCustom  struct {
		Domain  string `xml:"Domain,attr"`
		Updated bool   `xml:"Updated,attr"`
	} `xml:"DomainDNSSetCustomResult"`
}

type ncDomain struct {
	Name      string `xml:"Name,attr"`
	Expires   string `xml:"Expires,attr"`
	IsExpired bool   `xml:"IsExpired,attr"`
	AutoRenew bool   `xml:"AutoRenew,attr"`
	IsOurDNS  bool   `xml:"IsOurDNS,attr"`
}

func (n *Namecheap) call(ctx context.Context, command string, params url.Values) (*ncResponse, error) {
	user, err := n.Config("api_user")
	if err != nil {
		return nil, err
	}
	key, err := n.Config("api_key")
	if err != nil {
		return nil, err
	}
	clientIP, err := n.Config("client_ip")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ApiUser", user)
	q.Set("ApiKey", key)
	q.Set("UserName", n.OptionalConfig("username", user))
	q.Set("ClientIp", clientIP)
	q.Set("Command", command)
	for k, v := range params {
		q[k] = v
	}

	endpoint := n.OptionalConfig("api_url", namecheapAPI) + "?" + q.Encode()
	data, err := n.client.Fetch(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("namecheap %s: %w", command, err)
	}

	var resp ncResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("namecheap %s: invalid response: %w", command, err)
	}
	if !strings.EqualFold(resp.Status, "OK") {
		var msgs []string
		for _, e := range resp.Errors {
			msgs = append(msgs, strings.TrimSpace(e.Number+" "+e.Text))
		}
		return nil, fmt.Errorf("namecheap %s failed: %s", command, strings.Join(msgs, "; "))
	}
	return &resp, nil
}

// Refresh reloads the domain list page by page
func (n *Namecheap) Refresh(ctx context.Context) error {
	n.Logger().Info().Msg("refreshing domains from namecheap")

	pageSize := n.OptionalConfigInt("page_size", namecheapPageSize)
	if pageSize < 1 {
		pageSize = namecheapPageSize
	}
	domains := make(map[string]types.RegisteredDomain)

	for page, pages := 1, 1; page <= pages; page++ {
		resp, err := n.call(ctx, "namecheap.domains.getList", url.Values{
			"PageSize": {strconv.Itoa(pageSize)},
			"Page":     {strconv.Itoa(page)},
		})
		if err != nil {
			return err
		}
		for _, d := range resp.Command.Domains {
			status := statusRegistered
			if d.IsExpired {
				status = statusExpired
			}
			domains[d.Name] = types.RegisteredDomain{
				Name:       d.Name,
				Status:     status,
				ExpiryDate: isoDate(d.Expires, false),
				AutoRenew:  d.AutoRenew,
			}
		}
		if total := resp.Command.TotalItems; total > 0 {
			pages = (total-1)/pageSize + 1
		}
	}

	_, err := n.replace(ctx, domains, "api")
	return err
}

// SetNSRecords points the domain at custom nameservers
func (n *Namecheap) SetNSRecords(ctx context.Context, domain string, nameservers []string) error {
	sld, tld, ok := strings.Cut(domain, ".")
	if !ok {
		return fmt.Errorf("invalid domain name %q", domain)
	}

	n.Logger().Info().Str("domain", domain).Strs("nameservers", nameservers).Msg("updating NS records")
	resp, err := n.call(ctx, "namecheap.domains.dns.setCustom", url.Values{
		"SLD":         {sld},
		"TLD":         {tld},
		"Nameservers": {strings.Join(nameservers, ",")},
	})
	if err != nil {
		return err
	}
	if !resp.Command.SetCustom.Updated {
		return fmt.Errorf("namecheap did not update nameservers for %s", domain)
	}
	return nil
}

// isoDate converts a slash-separated date to YYYY-MM-DD. dayFirst selects
// DD/MM/YYYY over MM/DD/YYYY. Unparseable input yields "".
func isoDate(s string, dayFirst bool) string {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return ""
	}
	var nums [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return ""
		}
		nums[i] = v
	}
	day, month := nums[1], nums[0]
	if dayFirst {
		day, month = nums[0], nums[1]
	}
	return fmt.Sprintf("%04d-%02d-%02d", nums[2], month, day)
}
