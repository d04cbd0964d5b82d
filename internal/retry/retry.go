// Package retry re-runs operations that fail with transient infrastructure
// errors. Every relational-backend call goes through it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/config"
)

// MaxRetries is the default bound on re-invocations after the first call.
const MaxRetries = 3

// Policy bounds the retries of one operation.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: MaxRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// FromConfig builds a Policy from the retry section.
func FromConfig(c config.RetryConfig) Policy {
	p := Policy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// linear waits base × attempt number, capped at max.
type linear struct {
	base, max time.Duration
	attempt   int64
}

func (l *linear) NextBackOff() time.Duration {
	l.attempt++
	d := l.base * time.Duration(l.attempt)
	if d > l.max || d <= 0 {
		d = l.max
	}
	return d
}

func (l *linear) Reset() { l.attempt = 0 }

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := &linear{base: p.BaseDelay, max: p.MaxDelay}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. op is re-invoked from scratch on every attempt and the
// wait between attempts is a timer, so no connection is held while waiting.
// The error returned is the last one op produced.
func Do[T any](ctx context.Context, p Policy, log *zap.SugaredLogger, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		if log != nil {
			log.Warnw("transient failure, retrying", "attempt", attempt, "max_retries", p.MaxRetries, "next_in", next, "error", err)
		}
	}
	res, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	if err != nil && attempt > p.MaxRetries && IsTransient(err) && log != nil {
		log.Errorw("retries exhausted", "attempts", attempt, "error", err)
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, log *zap.SugaredLogger, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, log, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
