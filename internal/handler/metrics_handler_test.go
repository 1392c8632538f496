package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/service"
)

type pingStub struct{ err error }

func (p pingStub) PingContext(ctx context.Context) error { return p.err }

func (p pingStub) Ping(ctx context.Context) error { return p.err }

func TestMetricsHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewMetricsHandler(service.NewMetricsService(), pingStub{}, pingStub{err: errors.New("redis down")})
	c, w := newGinContext(http.MethodGet, "/ready", nil)
	handler.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cache":"degraded"`)

	handler = NewMetricsHandler(nil, pingStub{err: errors.New("db down")}, nil)
	c, w = newGinContext(http.MethodGet, "/ready", nil)
	handler.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsHandlerPrometheus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	metrics.RecordTransition("awaiting_admin_review", "active")

	handler := NewMetricsHandler(metrics, nil, nil)
	c, w := newGinContext(http.MethodGet, "/metrics", nil)
	handler.Prometheus(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coi_transitions_total")
}
