package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

func protected(roles ...string) *gin.Engine {
	r := gin.New()
	chain := []gin.HandlerFunc{JWTAuth(testSecret)}
	if len(roles) > 0 {
		chain = append(chain, RequireRole(roles...))
	}
	chain = append(chain, func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).OperatorID)
	})
	r.GET("/v1/venue", chain...)
	r.GET("/v1/events", chain...)
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth_AcceptsIssuedToken(t *testing.T) {
	token, err := IssueToken(testSecret, "op-1", uuid.New(), RoleCashier, time.Hour)
	require.NoError(t, err)

	w := get(protected(), "/v1/venue", token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "op-1", w.Body.String())
}

func TestJWTAuth_Rejections(t *testing.T) {
	venue := uuid.New()
	wrongKey, _ := IssueToken("other-secret", "op-1", venue, RoleCashier, time.Hour)
	expired, _ := IssueToken(testSecret, "op-1", venue, RoleCashier, -time.Minute)
	noOperator, _ := IssueToken(testSecret, "", venue, RoleCashier, time.Hour)

	cases := map[string]string{
		"missing":     "",
		"garbage":     "not-a-jwt",
		"wrong key":   wrongKey,
		"expired":     expired,
		"no operator": noOperator,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			w := get(protected(), "/v1/venue", token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "unauthenticated")
		})
	}
}

func TestJWTAuth_QueryTokenOnlyForEventStream(t *testing.T) {
	token, _ := IssueToken(testSecret, "op-1", uuid.New(), RoleCashier, time.Hour)
	r := protected()

	assert.Equal(t, http.StatusOK, get(r, "/v1/events?access_token="+token, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/v1/venue?access_token="+token, "").Code)
}

func TestRequireRole(t *testing.T) {
	venue := uuid.New()
	cashier, _ := IssueToken(testSecret, "op-1", venue, RoleCashier, time.Hour)
	supervisor, _ := IssueToken(testSecret, "op-2", venue, RoleSupervisor, time.Hour)
	r := protected(RoleSupervisor, RoleAdmin)

	assert.Equal(t, http.StatusForbidden, get(r, "/v1/venue", cashier).Code)
	assert.Equal(t, http.StatusOK, get(r, "/v1/venue", supervisor).Code)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)
	now := time.Now()

	ok, end := l.Allow("k", now)
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), end)
	ok, _ = l.Allow("k", now.Add(time.Second))
	assert.True(t, ok)
	ok, _ = l.Allow("k", now.Add(2*time.Second))
	assert.False(t, ok)

	ok, _ = l.Allow("other", now)
	assert.True(t, ok, "keys are counted separately")

	ok, _ = l.Allow("k", now.Add(time.Minute+time.Second))
	assert.True(t, ok, "a new window starts after the old one ends")
}

func TestRateLimiter_HandlerKeysByOperator(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	r := gin.New()
	r.GET("/v1/venue", JWTAuth(testSecret), l.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	venue := uuid.New()
	a, _ := IssueToken(testSecret, "op-a", venue, RoleCashier, time.Hour)
	b, _ := IssueToken(testSecret, "op-b", venue, RoleCashier, time.Hour)

	assert.Equal(t, http.StatusOK, get(r, "/v1/venue", a).Code)
	w := get(r, "/v1/venue", a)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, get(r, "/v1/venue", b).Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))

	w = get(r, "/", "")
	_, err := uuid.Parse(w.Body.String())
	assert.NoError(t, err)
}

func TestRecoveryAndErrorHandler(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery(), ErrorHandler())
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	r.GET("/error", func(c *gin.Context) { _ = c.Error(assert.AnError) })

	for _, path := range []string{"/panic", "/error"} {
		w := get(r, path, "")
		assert.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.NotContains(t, w.Body.String(), "boom")
		assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	}
}

func TestCORS_Preflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.OPTIONS("/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/v1/orders", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
