package httpapi

import (
	"fmt"
	"strconv"
	"time"

	"callscore/internal/apperr"
	"callscore/internal/httpapi/respond"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RateLimitStore picks the limiter backend: Redis when a client is given so
// limits hold across processes, memory otherwise.
func RateLimitStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	opts := limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}
	if rdb == nil {
		return memory.NewStoreWithOptions(opts), nil
	}
	opts.MaxRetry = 3
	s, err := sredis.NewStoreWithOptions(rdb, opts)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	return s, nil
}

// RateLimit limits requests per client IP. rate uses the limiter format,
// e.g. "300-M". An empty rate disables limiting.
func RateLimit(store limiter.Store, rate string) (gin.HandlerFunc, error) {
	if rate == "" {
		return func(c *gin.Context) { c.Next() }, nil
	}
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", rate, err)
	}
	return mgin.NewMiddleware(limiter.New(store, r),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			respond.Fail(c, apperr.RateLimited("too many requests", retryAfter(c)))
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			// Fail open.
			_ = c.Error(err)
			c.Next()
		}),
	), nil
}

// retryAfter derives the wait from the reset header the middleware sets.
func retryAfter(c *gin.Context) time.Duration {
	reset, err := strconv.ParseInt(c.Writer.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return time.Second
	}
	d := time.Until(time.Unix(reset, 0))
	if d < time.Second {
		return time.Second
	}
	return d
}
