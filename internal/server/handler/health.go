package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Pinger is a dependency whose liveness the health check reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	protocol common.Address
	mode     string
	checks   map[string]Pinger
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks maps a component name to
// its pinger; nil entries are skipped.
func NewHealthHandler(protocol common.Address, mode string, checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{protocol: protocol, mode: mode, checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck reports the protocol address and the state of each backing
// component. Any failing component turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	components := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			components[name] = "down"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"protocol":   h.protocol.Hex(),
		"mode":       h.mode,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
