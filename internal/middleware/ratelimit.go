package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/aura-lms/seats/pkg/response"
)

// NewRateLimiter creates a Gin middleware from a formatted rate such as "100-M".
// Authenticated callers are keyed by user id, others by client IP. With a Redis client the
// counters are shared across instances.
func NewRateLimiter(formatted string, client goredis.UniversalClient) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", formatted, err)
	}

	var store limiter.Store
	if client != nil {
		s, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "seats:ratelimit"})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return mgin.NewMiddleware(limiter.New(store, rate),
		mgin.WithKeyGetter(func(c *gin.Context) string {
			if id := UserID(c); id != uuid.Nil {
				return "user:" + id.String()
			}
			return "ip:" + c.ClientIP()
		}),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			response.TooManyRequests(c, "rate limit exceeded")
		}),
	), nil
}
