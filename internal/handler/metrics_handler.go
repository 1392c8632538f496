package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/coi-compliance-api/internal/service"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type cachePinger interface {
	Ping(ctx context.Context) error
}

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	db      pinger
	cache   cachePinger
}

// NewMetricsHandler constructs a metrics handler. db and cache may be nil.
func NewMetricsHandler(metrics *service.MetricsService, db pinger, cache cachePinger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, db: db, cache: cache}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready checks the database and, when configured, the cache. A cache outage degrades the
// service without making it unready.
func (h *MetricsHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
		} else {
			checks["cache"] = "ok"
		}
	}
	state := "ready"
	if status != http.StatusOK {
		state = "unavailable"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Snapshot returns the JSON summary of the in-process metrics.
func (h *MetricsHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}
