package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"host-smuggler/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ConnCounter reports how many inbound connections are being served.
type ConnCounter interface {
	Active() int64
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Upstream          string `json:"upstream"`
	SmuggleHeader     string `json:"smuggle_header"`
	ProxyProtocol     bool   `json:"proxy_protocol"`
	ActiveConnections int64  `json:"active_connections"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	conns   ConnCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, conns ConnCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, conns: conns}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:            "ok",
		Version:           string(h.version),
		Upstream:          h.cfg.Upstream.Addr(),
		SmuggleHeader:     h.cfg.Smuggle.Header,
		ProxyProtocol:     h.cfg.Server.ProxyProtocol,
		ActiveConnections: h.conns.Active(),
	})
}
