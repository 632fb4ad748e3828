package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryPolicy bounds how often RunInTx replays a conflicting transaction.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// RunInTx runs fn in a serializable transaction. When the transaction fails
// with a retryable conflict the whole unit is replayed from the start, so fn
// must not carry state between attempts.
func RunInTx(ctx context.Context, conn *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) error) error {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(expo, policy.MaxAttempts-1)
	b = backoff.WithContext(b, ctx)

	opts := txOptions(conn)
	attempt := 0
	op := func() error {
		attempt++
		err := conn.WithContext(ctx).Transaction(fn, opts...)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		zap.L().Debug("retrying transaction after conflict",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	return backoff.RetryNotify(op, b, notify)
}

// SQLite has no isolation levels beyond its global write lock.
func txOptions(conn *gorm.DB) []*sql.TxOptions {
	if conn == nil || conn.Dialector == nil || conn.Dialector.Name() == "sqlite" {
		return nil
	}
	return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
}
