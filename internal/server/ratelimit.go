package server

import (
	"context"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/invoicing/internal/ratelimit"
	"go.uber.org/zap"
)

type orgRateLimiter interface {
	AllowOrg(ctx context.Context, orgID string) (*ratelimit.Result, error)
}

// InvoiceCreateRateLimit rejects invoice creation once the organization has
// spent its token bucket. Limiter failures let the request through.
func (s *Server) InvoiceCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.createLimit == nil {
			c.Next()
			return
		}

		orgID := c.GetString("org_id")
		res, err := s.createLimit.AllowOrg(c.Request.Context(), orgID)
		if err != nil {
			s.log.Warn("invoice create rate limit unavailable",
				zap.String("org_id", orgID),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if res == nil {
			c.Next()
			return
		}

		s.metrics.RecordRateLimit(c.Request.Context(), res.Allowed)
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
		}
		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
