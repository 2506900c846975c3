package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"comandapos/internal/apierror"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ── Fixed-window rate limiter ─────────────────────────────────────────────────

type rateEntry struct {
	count     int
	windowEnd time.Time
}

// RateLimiter counts requests per key within a fixed window. Authenticated
// requests are keyed by operator, anonymous ones by client IP.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*rateEntry
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, entries: make(map[string]*rateEntry)}
}

// Allow records one request for key and reports whether it is within limit.
func (l *RateLimiter) Allow(key string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.windowEnd) {
		e = &rateEntry{windowEnd: now.Add(l.window)}
		l.entries[key] = e
	}
	e.count++
	return e.count <= l.limit, e.windowEnd
}

// Handler returns the gin middleware.
func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if v, ok := c.Get(ClaimsKey); ok {
			if claims, ok := v.(*JWTClaims); ok {
				key = "op:" + claims.VenueID + ":" + claims.OperatorID
			}
		}

		allowed, windowEnd := l.Allow(key, time.Now())
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(windowEnd).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.WithReason("rate_limited", "too many requests, retry shortly"))
			return
		}
		c.Next()
	}
}

// Purge drops expired entries every interval until ctx is done, so keys that
// never return do not accumulate.
func (l *RateLimiter) Purge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			purged := 0
			for key, e := range l.entries {
				if now.After(e.windowEnd) {
					delete(l.entries, key)
					purged++
				}
			}
			remaining := len(l.entries)
			l.mu.Unlock()

			if purged > 0 {
				log.Debug().Int("purged", purged).Int("remaining", remaining).Msg("rate limiter entries purged")
			}
		}
	}
}
