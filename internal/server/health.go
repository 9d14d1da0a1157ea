package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz verifies the store is reachable and no breaker is open. A
// not-ready gateway keeps serving; the probe only steers traffic away.
func (s *Server) handleReadyz(c echo.Context) error {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "event store unreachable",
			})
		}
	}
	if s.deps.Breakers != nil {
		if err := s.deps.Breakers.HealthCheck(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
