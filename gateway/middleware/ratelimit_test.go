package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"staking": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("staking")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/staking/status", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	require.Equal(t, "1", res.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"rate limit exceeded","code":"rate_limited"}`, res.Body.String())
}

func TestRateLimiterSeparatesGroupsAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"staking":  {RequestsPerMinute: 60, Burst: 1},
		"payments": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	staking := limiter.Middleware("staking")(okHandler())
	payments := limiter.Middleware("payments")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/staking/status", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	res := httptest.NewRecorder()
	staking.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	payments.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	other := httptest.NewRequest(http.MethodGet, "/staking/status", nil)
	other.Header.Set("X-Forwarded-For", "10.0.0.2, 172.16.0.1")
	res = httptest.NewRecorder()
	staking.ServeHTTP(res, other)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRateLimiterPassesUnconfiguredGroups(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("health")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"staking": {RequestsPerMinute: 60, Burst: 1}}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.allow("staking|a", limiter.limits["staking"]))
	require.Len(t, limiter.visitors, 1)

	now = now.Add(10 * time.Minute)
	require.True(t, limiter.allow("staking|b", limiter.limits["staking"]))
	require.Len(t, limiter.visitors, 1)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	require.Equal(t, "192.0.2.1", clientID(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientID(req))

	req.Header.Set("X-Real-IP", "198.51.100.4")
	require.Equal(t, "198.51.100.4", clientID(req))
}
