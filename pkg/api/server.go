package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/sdmgr/pkg/log"
	"github.com/cuemby/sdmgr/pkg/manager"
	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Server is the REST façade over a Manager
type Server struct {
	manager *manager.Manager
	echo    *echo.Echo
	logger  zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(mgr *manager.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		manager: mgr,
		echo:    e,
		logger:  log.WithComponent("api"),
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())

	e.GET("/health", s.healthHandler)
	e.GET("/ready", s.readyHandler)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("/api", s.tokenAuth())
	g.GET("/domains", s.listDomains)
	g.POST("/domains", s.createDomain)
	g.GET("/domains/:id", s.getDomain)
	g.PUT("/domains/:id", s.updateDomain)
	g.POST("/domains/:id/apply", s.applyDomain)
	g.GET("/domains/:id/check/:check", s.checkDomain)
	g.GET("/domains/:id/status", s.domainStatus)

	g.GET("/sites", s.listSites)
	g.GET("/sites/:id", s.getSite)
	g.GET("/sites/:id/check/ssl", s.checkSiteSSL)

	g.GET("/providers/:kind", s.listProviders)
	g.GET("/providers/:kind/:id", s.getProvider)
	g.POST("/providers/:kind/:id/refresh", s.refreshProvider)

	g.POST("/registrars/:id/:format", s.importRegistrarFile)
	g.GET("/registrars/:id/domains/:name/status", s.registrarDomainStatus)

	g.POST("/reconcile", s.reconcile)
	g.GET("/events", s.streamEvents)
	g.POST("/tokens", s.issueToken)

	return s
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.echo.StartServer(server)
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.echo
}
