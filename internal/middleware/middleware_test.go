package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

type stubValidator struct {
	claims *models.JWTClaims
	err    error
}

func (s stubValidator) ValidateToken(string) (*models.JWTClaims, error) {
	return s.claims, s.err
}

func newRouter(validator TokenValidator, roles ...models.UserRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/secure", JWT(validator), RequireRoles(roles...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestJWTMissingHeader(t *testing.T) {
	r := newRouter(stubValidator{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/secure", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTInvalidToken(t *testing.T) {
	r := newRouter(stubValidator{err: appErrors.Wrap(errors.New("bad"), appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")})
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRBAC(t *testing.T) {
	cases := []struct {
		name    string
		role    models.UserRole
		allowed []models.UserRole
		status  int
	}{
		{name: "broker allowed", role: models.RoleBroker, allowed: []models.UserRole{models.RoleBroker}, status: http.StatusOK},
		{name: "gc forbidden on admin route", role: models.RoleGC, allowed: []models.UserRole{models.RoleAdmin}, status: http.StatusForbidden},
		{name: "superadmin passes admin gate", role: models.RoleSuperAdmin, allowed: []models.UserRole{models.RoleAdmin}, status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(stubValidator{claims: &models.JWTClaims{UserID: "u1", Role: tc.role, Email: "a@example.com"}}, tc.allowed...)
			req := httptest.NewRequest(http.MethodGet, "/secure", nil)
			req.Header.Set("Authorization", "Bearer token")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/ping", func(c *gin.Context) {
		time.Sleep(time.Millisecond)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.RequestsTotal)
	assert.Greater(t, snapshot.AverageRequestDurationMs, 0.0)
}

func TestMetricsMiddlewareSkipsProbes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/documents/abc", nil))

	assert.Equal(t, uint64(1), metrics.Snapshot().RequestsTotal)
}
