package safety

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/config"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
)

// HTTPLimiter enforces per-identifier limits on the HTTP surface.
type HTTPLimiter struct {
	sessionInit *limiter.Limiter
	reports     *limiter.Limiter
}

// NewHTTPLimiter builds the HTTP rate limiters from config. A nil
// redisClient falls back to an in-memory store (single-instance dev mode).
func NewHTTPLimiter(cfg *config.Config, redisClient *redis.Client) (*HTTPLimiter, error) {
	sessionInitRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSessionInit)
	if err != nil {
		return nil, fmt.Errorf("invalid session-init rate: %w", err)
	}

	reportsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitReports)
	if err != nil {
		return nil, fmt.Errorf("invalid reports rate: %w", err)
	}

	var st limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		st = s
		logging.Info(context.Background(), "✅ HTTP rate limiter using Redis store")
	} else {
		st = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  HTTP rate limiter using Memory store")
	}

	return &HTTPLimiter{
		sessionInit: limiter.New(st, sessionInitRate),
		reports:     limiter.New(st, reportsRate),
	}, nil
}

// SessionInitMiddleware limits session issuance per client network address.
func (rl *HTTPLimiter) SessionInitMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.sessionInit, "session_init", func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// ReportsMiddleware limits report filing per authenticated session. The
// auth middleware must have set "sessionId" in the gin context first; the
// client address is the fallback key.
func (rl *HTTPLimiter) ReportsMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.reports, "reports", func(c *gin.Context) string {
		if sid, exists := c.Get("sessionId"); exists {
			return sid.(string)
		}
		return c.ClientIP()
	})
}

func (rl *HTTPLimiter) middleware(inst *limiter.Limiter, scope string, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		limiterCtx, err := inst.Get(ctx, keyFn(c))
		if err != nil {
			// Fail open on store failure
			logging.Error(ctx, "HTTP rate limiter store failed", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiterCtx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limiterCtx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limiterCtx.Reset, 10))

		if limiterCtx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.FormatInt(limiterCtx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": limiterCtx.Reset,
			})
			return
		}

		c.Next()
	}
}
