package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialThrottle_PerIPBuckets(t *testing.T) {
	throttle := newCredentialThrottle(2)

	// Each address gets its own burst allowance.
	assert.True(t, throttle.allow("10.0.0.1"))
	assert.True(t, throttle.allow("10.0.0.1"))
	assert.False(t, throttle.allow("10.0.0.1"))

	assert.True(t, throttle.allow("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{
			name:   "remote addr",
			remote: "192.0.2.7:52311",
			want:   "192.0.2.7",
		},
		{
			name:   "forwarded single",
			remote: "10.0.0.1:80",
			xff:    "203.0.113.9",
			want:   "203.0.113.9",
		},
		{
			name:   "forwarded chain takes first hop",
			remote: "10.0.0.1:80",
			xff:    "203.0.113.9, 10.0.0.1",
			want:   "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestAPI_CredentialRateLimit(t *testing.T) {
	env := setupAPI(t)
	env.cfg.Server.RateLimit.Enabled = true
	env.cfg.Server.RateLimit.RequestsPerMinute = 3

	// Rebuild the router so the limiter picks up the config.
	srv := httptest.NewServer(env.api.buildRouter())
	t.Cleanup(srv.Close)

	env.srv = srv

	body := map[string]string{"email": "x@example.com", "password": "y"}

	var last int
	for i := 0; i < 5; i++ {
		resp, _ := env.request(t, http.MethodPost, "/auth/login", "", body)
		last = resp.StatusCode
	}

	require.Equal(t, http.StatusTooManyRequests, last)
}
