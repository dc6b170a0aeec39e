package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/telemetry"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":    c.GetString("userID"),
			"request_id": telemetry.RequestIDFromContext(c.Request.Context()),
		})
	})
	return r
}

func TestIdentityFromHeader(t *testing.T) {
	r := newRouter(Identity(config.ServerConfig{}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u1"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?user_id=u1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityQueryOnlyOnAllowedUpgrade(t *testing.T) {
	upgrade := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/?user_id=u9", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		return req
	}

	w := httptest.NewRecorder()
	newRouter(Identity(config.ServerConfig{})).ServeHTTP(w, upgrade())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	newRouter(Identity(config.ServerConfig{AllowQueryIdentity: true})).ServeHTTP(w, upgrade())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u9"`)
}

func TestRequireAdmin(t *testing.T) {
	cfg := config.ServerConfig{AdminUserIDs: []string{"root"}}
	r := newRouter(Identity(cfg), RequireAdmin(cfg))

	for user, status := range map[string]int{"root": http.StatusOK, "u1": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, user)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	r := newRouter(RequestID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"request_id":"req-1"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RPS: 1, Burst: 2})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"), "buckets are per user")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("u1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := config.ServerConfig{}
	r := newRouter(Identity(cfg), NewRateLimiter(config.RateLimitConfig{RPS: 0.001, Burst: 1}).Middleware())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", "u1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
