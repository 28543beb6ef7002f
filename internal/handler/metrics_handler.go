package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/authsession-api/internal/service"
)

// HealthCheck probes one dependency and reports whether it answered.
type HealthCheck func(ctx context.Context) bool

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	checks  map[string]HealthCheck
	// required dependencies turn the health status to 503 when they fail.
	required map[string]bool
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(metrics *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, checks: map[string]HealthCheck{}, required: map[string]bool{}}
}

// WithCheck registers a dependency probe reported by Health.
func (h *MetricsHandler) WithCheck(name string, required bool, check HealthCheck) *MetricsHandler {
	h.checks[name] = check
	h.required[name] = required
	return h
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health reports dependency status. The cache is advisory: when it is down
// requests fall through to the database, so only required checks fail the probe.
func (h *MetricsHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if h.checks[name](ctx) {
			deps[name] = "up"
			continue
		}
		deps[name] = "down"
		if h.required[name] {
			status = http.StatusServiceUnavailable
		}
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps, "metrics": h.metrics.Snapshot()})
}
