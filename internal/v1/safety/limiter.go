// Package safety implements rate limiting and abuse-report handling.
package safety

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/store"
)

// Limit is a sliding-window budget.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Default per-identifier limits for websocket commands; config can
// override both. HTTP endpoints are limited separately by middleware.
var (
	LimitSignaling = Limit{Max: 30, Window: time.Second}
	LimitDefault   = Limit{Max: 100, Window: time.Second}
)

// ParseLimit converts a "<count>-<period>" budget such as "30-S" into a
// Limit, using the same format as the HTTP limiter rates.
func ParseLimit(s string) (Limit, error) {
	rate, err := limiter.NewRateFromFormatted(s)
	if err != nil {
		return Limit{}, err
	}
	return Limit{Max: rate.Limit, Window: rate.Period}, nil
}

// Limiter is a sorted-set sliding window over the shared store: scores are
// timestamps, old scores are evicted, and a request is admitted while the
// window holds fewer than Max entries. On store failure the limiter fails
// open and logs.
type Limiter struct {
	store *store.Store
	now   func() time.Time

	// Budgets applied by the websocket dispatcher.
	Signaling Limit
	Default   Limit
}

// NewLimiter creates a Limiter with the given websocket budgets.
func NewLimiter(st *store.Store, signaling, def Limit) *Limiter {
	return &Limiter{store: st, now: time.Now, Signaling: signaling, Default: def}
}

func rateKey(scope, identifier string) string {
	return "ratelimit:" + scope + ":" + identifier
}

// Allow records one request for (scope, identifier) and reports whether it
// fits the limit. Eviction, insertion, and the count run in one
// transactional pipeline.
func (l *Limiter) Allow(ctx context.Context, scope, identifier string, limit Limit) bool {
	key := rateKey(scope, identifier)
	now := l.now()
	cutoff := now.Add(-limit.Window)

	var card *redis.IntCmd
	err := l.store.TxPipelined(ctx, "ratelimit", func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString(),
		})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, limit.Window)
		return nil
	})
	if err != nil {
		// Fail open: an unavailable store must not lock everyone out.
		logging.Error(ctx, "Rate limiter store failed, allowing request",
			zap.String("scope", scope), zap.Error(err))
		return true
	}

	if card.Val() > limit.Max {
		metrics.RateLimitExceeded.WithLabelValues(scope).Inc()
		return false
	}
	return true
}
