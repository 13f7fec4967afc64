package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/sdmgr/pkg/reconciler"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/labstack/echo/v4"
)

// checkAliases maps the short check names of the URL scheme to check names
var checkAliases = map[string]string{
	"ns":  reconciler.CheckNSRecords,
	"a":   reconciler.CheckARecords,
	"gsv": reconciler.CheckGoogleSiteVerification,
}

func intParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, c.Param(name)))
	}
	return v, nil
}

func (s *Server) listDomains(c echo.Context) error {
	domains, err := s.manager.Store().ListDomains()
	if err != nil {
		return err
	}

	if name := strings.ToLower(c.QueryParam("name")); name != "" {
		filtered := make([]*types.Domain, 0, len(domains))
		for _, d := range domains {
			if strings.Contains(strings.ToLower(d.Name), name) {
				filtered = append(filtered, d)
			}
		}
		domains = filtered
	}

	return c.JSON(http.StatusOK, map[string]any{"domains": domains})
}

func (s *Server) getDomain(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	d, err := s.manager.Store().GetDomain(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"domain": d})
}

// CreateDomainRequest is the body of POST /api/domains
type CreateDomainRequest struct {
	Name                   string `json:"name"`
	RegistrarID            int    `json:"registrar_id"`
	DNSID                  int    `json:"dns_id"`
	SiteID                 int    `json:"site_id"`
	WAFID                  int    `json:"waf_id"`
	UpdateApex             *bool  `json:"update_apex"`
	UpdateARecords         string `json:"update_a_records"`
	GoogleSiteVerification string `json:"google_site_verification"`
	Active                 *bool  `json:"active"`
}

func (s *Server) createDomain(c echo.Context) error {
	var req CreateDomainRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.Name = strings.TrimSpace(strings.ToLower(req.Name))
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	d := &types.Domain{
		Name:                   req.Name,
		RegistrarID:            req.RegistrarID,
		DNSID:                  req.DNSID,
		SiteID:                 req.SiteID,
		WAFID:                  req.WAFID,
		UpdateApex:             req.UpdateApex == nil || *req.UpdateApex,
		UpdateARecords:         req.UpdateARecords,
		GoogleSiteVerification: req.GoogleSiteVerification,
		Active:                 req.Active == nil || *req.Active,
	}
	if err := s.manager.Store().CreateDomain(d); err != nil {
		return err
	}

	s.logger.Info().Str("domain", d.Name).Int("id", d.ID).Msg("domain created")
	return c.JSON(http.StatusCreated, map[string]any{"domain": d})
}

// UpdateDomainRequest is the body of PUT /api/domains/:id. Only the fields
// present are changed.
type UpdateDomainRequest struct {
	GoogleSiteVerification *string `json:"google_site_verification"`
	Active                 *bool   `json:"active"`
	UpdateApex             *bool   `json:"update_apex"`
	UpdateARecords         *string `json:"update_a_records"`
}

// UpdateDomainResponse lists the changes PUT /api/domains/:id made
type UpdateDomainResponse struct {
	Status  string   `json:"status"`
	Actions []string `json:"actions"`
}

func (s *Server) updateDomain(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	var req UpdateDomainRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	d, err := s.manager.Store().GetDomain(id)
	if err != nil {
		return err
	}

	actions := []string{}
	if req.GoogleSiteVerification != nil && *req.GoogleSiteVerification != d.GoogleSiteVerification {
		d.GoogleSiteVerification = *req.GoogleSiteVerification
		actions = append(actions, fmt.Sprintf("Updated GSV to %s", d.GoogleSiteVerification))
	}
	if req.Active != nil && *req.Active != d.Active {
		d.Active = *req.Active
		actions = append(actions, fmt.Sprintf("Updated active flag to %t", d.Active))
	}
	if req.UpdateApex != nil && *req.UpdateApex != d.UpdateApex {
		d.UpdateApex = *req.UpdateApex
		actions = append(actions, fmt.Sprintf("Updated apex flag to %t", d.UpdateApex))
	}
	if req.UpdateARecords != nil && *req.UpdateARecords != d.UpdateARecords {
		d.UpdateARecords = *req.UpdateARecords
		actions = append(actions, fmt.Sprintf("Updated A record prefixes to %q", d.UpdateARecords))
	}

	if len(actions) > 0 {
		if err := s.manager.Store().UpdateDomain(d); err != nil {
			return err
		}
		for _, a := range actions {
			s.logger.Info().Str("domain", d.Name).Msg(a)
		}
	}

	return c.JSON(http.StatusOK, UpdateDomainResponse{Status: "ok", Actions: actions})
}

// applyDomain runs the full reconciliation for one domain. Failed checks
// are part of the report, not an error.
func (s *Server) applyDomain(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	report, err := s.manager.CheckDomain(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) checkDomain(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	check := c.Param("check")
	if alias, ok := checkAliases[check]; ok {
		check = alias
	}

	result, err := s.manager.RunCheck(c.Request().Context(), id, check)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// domainStatus returns the ledger rows recorded for a domain
func (s *Server) domainStatus(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	d, err := s.manager.Store().GetDomain(id)
	if err != nil {
		return err
	}
	checks, err := s.manager.Ledger().List(types.CheckID("domain", d.Name, ""))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"checks": checks})
}

func (s *Server) listSites(c echo.Context) error {
	sites, err := s.manager.Store().ListSites()
	if err != nil {
		return err
	}

	if label := strings.ToLower(c.QueryParam("label")); label != "" {
		filtered := make([]*types.Site, 0, len(sites))
		for _, site := range sites {
			if strings.Contains(strings.ToLower(site.Label), label) {
				filtered = append(filtered, site)
			}
		}
		sites = filtered
	}

	return c.JSON(http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) getSite(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	site, err := s.manager.Store().GetSite(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"site": site})
}

func (s *Server) checkSiteSSL(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	result, err := s.manager.CheckSite(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
