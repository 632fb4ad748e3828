package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/invoicing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyInvoiceCreateOrg = "invoicing:create:org:%s"

// InvoiceCreateLimiter bounds how fast one organization can create invoices.
// A nil limiter allows everything.
type InvoiceCreateLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewInvoiceCreateLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*InvoiceCreateLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.InvoiceCreateRate <= 0 || limitCfg.InvoiceCreateBurst <= 0 {
		return nil, errors.New("invoice create rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}

	log.Named("rate.limit").Info("invoice create rate limit enabled",
		zap.String("redis_addr", addr),
		zap.Float64("rate", limitCfg.InvoiceCreateRate),
		zap.Int("burst", limitCfg.InvoiceCreateBurst),
	)

	return newInvoiceCreateLimiter(NewTokenBucket(client), limitCfg.InvoiceCreateRate, limitCfg.InvoiceCreateBurst), nil
}

func newInvoiceCreateLimiter(bucket *TokenBucket, rate float64, burst int) *InvoiceCreateLimiter {
	return &InvoiceCreateLimiter{bucket: bucket, rate: rate, burst: burst}
}

func (l *InvoiceCreateLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *InvoiceCreateLimiter) AllowOrg(ctx context.Context, orgID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyInvoiceCreateOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}
