package api

import (
	"net/http"

	"github.com/cuemby/sdmgr/pkg/metrics"
	"github.com/labstack/echo/v4"
)

// healthHandler implements /health. It is a liveness check: the body lists
// component health but the status is always 200 while the process serves.
func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Health().Health())
}

// readyHandler implements /ready: 503 until storage is open and agents
// have been started
func (s *Server) readyHandler(c echo.Context) error {
	status := s.manager.Health().Readiness()
	code := http.StatusOK
	if status.Status != metrics.StatusReady {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
