package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"

	"github.com/kandev/litepool/internal/common/config"
)

// RetryPolicy retries statements that failed on a transient lock
// (SQLITE_BUSY, SQLITE_LOCKED) with exponential backoff. Every other error
// is returned after the first attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFromConfig converts the configuration section into a RetryPolicy.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// NoRetry runs each statement exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// IsTransient reports whether err is a lock conflict worth retrying.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Do runs op under the policy.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	_, err := retryValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

func retryValue[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 1 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return v, err
}
