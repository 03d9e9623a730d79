package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// The credential endpoints (login, bootstrap claim, set-password, node
// exchange) are the only brute-forceable surface, so they share one
// per-IP token-bucket pool. Idle entries are pruned lazily on access; a
// scan piggybacks on traffic instead of a background goroutine.
const visitorTTL = 10 * time.Minute

type visitor struct {
	bucket *rate.Limiter
	seen   time.Time
}

type credentialThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	refill   rate.Limit
	burst    int
	lastScan time.Time
}

func newCredentialThrottle(requestsPerMinute int) *credentialThrottle {
	return &credentialThrottle{
		visitors: make(map[string]*visitor, 64),
		refill:   rate.Limit(float64(requestsPerMinute) / 60.0),
		// A full minute's allowance may arrive as one burst.
		burst:    requestsPerMinute,
		lastScan: time.Now(),
	}
}

func (t *credentialThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if now.Sub(t.lastScan) > visitorTTL {
		for addr, v := range t.visitors {
			if now.Sub(v.seen) > visitorTTL {
				delete(t.visitors, addr)
			}
		}

		t.lastScan = now
	}

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(t.refill, t.burst)}
		t.visitors[ip] = v
	}

	v.seen = now

	return v.bucket.Allow()
}

// credentialRateLimiter returns the middleware applied to the
// credential endpoints. Disabled config yields a pass-through.
func (s *server) credentialRateLimiter() func(http.Handler) http.Handler {
	if !s.cfg.Server.RateLimit.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	throttle := newCredentialThrottle(s.cfg.Server.RateLimit.RequestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !throttle.allow(clientIP(r)) {
				s.log.WithField("ip", clientIP(r)).
					Warn("Credential endpoint rate limit hit")
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the caller's address, honoring the first hop of an
// X-Forwarded-For chain when a reverse proxy fronts the server.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
