package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/newsletter-api/internal/handler/health"
	promhandler "github.com/jwalitptl/newsletter-api/internal/handler/prometheus"
	"github.com/jwalitptl/newsletter-api/internal/middleware"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
)

type pingerStub struct{}

func (pingerStub) PingContext(context.Context) error { return nil }

type ownerEcho struct{}

func (ownerEcho) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/admin/newsletters", func(c *gin.Context) {
		id, _ := middleware.OwnerID(c)
		c.String(http.StatusAccepted, id.String())
	})
}

func newTestRouter(t *testing.T, cfg RouterConfig) *gin.Engine {
	t.Helper()
	r := NewRouter(
		health.NewHandler(pingerStub{}),
		promhandler.New("test", prometheus.NewRegistry()),
		ownerEcho{},
		logger.NewNop(),
		cfg,
	)
	r.Setup()
	return r.Engine()
}

func TestRoutes(t *testing.T) {
	cfg := RouterConfig{ServiceName: "test", JWTSecret: "s3cret", JWTIssuer: "newsletter-api", MaxBodyBytes: 1 << 10}
	engine := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID))

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/admin/newsletters", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	owner := uuid.New()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner.String(),
		Issuer:    "newsletter-api",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/newsletters", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, owner.String(), w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	engine := newTestRouter(t, RouterConfig{ServiceName: "test", RateLimit: true, RateRPS: 0.001, RateBurst: 1})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/live", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
