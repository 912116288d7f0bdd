package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/rin-agent/rin/pkg/secrets"
)

// peerIsLocal reports whether the request came over loopback. Only the
// TCP peer address counts; X-Forwarded-For is attacker-controlled and
// never trusted.
func peerIsLocal(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// clientKey identifies a caller for rate limiting: the bearer token when
// present, the peer address otherwise.
func clientKey(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return "key:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// authRequired rejects requests without a valid bearer token. Loopback
// peers are exempt so local tooling works without the key.
func authRequired(store *secrets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if peerIsLocal(c.Request) {
			c.Next()
			return
		}
		key, err := store.Load()
		if err != nil {
			slog.Error("API key unavailable", "error", err)
			apiError(c, http.StatusInternalServerError, codeInternal, "auth unavailable")
			return
		}
		if !secrets.Equal(bearerToken(c.Request), key) {
			apiError(c, http.StatusUnauthorized, codeAuth, "missing or invalid API key")
			return
		}
		c.Next()
	}
}

// localOnly restricts an endpoint to loopback peers regardless of auth.
func localOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !peerIsLocal(c.Request) {
			apiError(c, http.StatusForbidden, codeAuth, "endpoint is local-only")
			return
		}
		c.Next()
	}
}

// limiterPool holds one token bucket per client.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newLimiterPool builds a pool refilling rpm tokens per minute with a
// burst of the same size.
func newLimiterPool(rpm int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    rpm,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// rateLimit enforces a per-client bucket. Loopback peers are exempt.
func rateLimit(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if peerIsLocal(c.Request) {
			c.Next()
			return
		}
		if !pool.allow(clientKey(c.Request)) {
			apiError(c, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// bodyCap rejects request bodies above the configured limit with 413.
func bodyCap(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			apiError(c, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// corsHeaders emits CORS headers only for configured origins. The
// default empty list means no cross-origin access at all.
func corsHeaders(allowed []string) gin.HandlerFunc {
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowedSet[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs one line per request. Health probes stay quiet.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
