package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
	"github.com/noah-isme/coi-compliance-api/pkg/response"
)

// RateCounter counts requests for a key inside a fixed window.
type RateCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// RateLimit rejects requests beyond limit per window with 429. Requests are counted per
// authenticated user when JWT ran earlier in the chain, otherwise per client IP. A failing counter
// lets the request through.
func RateLimit(scope string, limit int, window time.Duration, counter RateCounter, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if counter == nil || limit <= 0 {
			c.Next()
			return
		}

		key := scope + ":" + rateSubject(c)
		count, reset, err := counter.Hit(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("rate limit counter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count > int64(limit) {
			retryAfter := int(math.Ceil(time.Until(reset).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

func rateSubject(c *gin.Context) string {
	if value, ok := c.Get(ContextUserKey); ok {
		if claims, ok := value.(*models.JWTClaims); ok && claims != nil && claims.UserID != "" {
			return "user:" + claims.UserID
		}
	}
	return "ip:" + c.ClientIP()
}
