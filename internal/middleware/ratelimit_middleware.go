package middleware

import (
	"context"
	"net/http"
	"strconv"

	"orderflow/internal/redis"
	"orderflow/internal/transport/httpdto"
	"orderflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Limiter interface {
	Allow(ctx context.Context, subject string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware limits requests per client IP. When the limiter itself
// fails the request goes through.
func RateLimitMiddleware(limiter Limiter, l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if l != nil {
				l.WithContext(c.Request.Context()).Warn("rate limiter unavailable", zap.Error(err))
			}
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)
		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("rate limit exceeded", "RATE_LIMITED"))
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
