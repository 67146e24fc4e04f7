// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"MailPress/internal/domain"
)

// Policy bounds one retried operation.
type Policy struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	// Timeout caps each individual try; zero means no per-try deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// Classifier reports whether an error is worth another try.
type Classifier func(error) bool

// Retrier executes operations with logging around every failed try.
type Retrier struct {
	logger *slog.Logger
}

// New builds a Retrier.
func New(logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{logger: logger}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		bo.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		bo.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		bo.Multiplier = p.Multiplier
	}
	return bo
}

func (p Policy) tries() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// Do runs op until it succeeds, returns a non-retryable error or the policy runs out.
// It returns the number of tries made. Exhaustion is reported as
// domain.ErrRetryBudgetExhausted wrapping the last error.
func (r *Retrier) Do(ctx context.Context, name string, p Policy, retryable Classifier, op func(ctx context.Context, try int) error) (int, error) {
	if retryable == nil {
		retryable = domain.IsTransient
	}

	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		tryCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			tryCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		err := op(tryCtx, tries)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.tries()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("operation try failed",
				"operation", name,
				"try", tries,
				"max_tries", p.tries(),
				"retry_in", wait,
				"error", err)
		}),
	)
	if err == nil {
		return tries, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return tries, permanent.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return tries, ctxErr
	}
	if !retryable(err) {
		return tries, err
	}

	r.logger.Error("retry budget exhausted", "operation", name, "tries", tries, "error", err)
	return tries, fmt.Errorf("%s: %w after %d tries: %w", name, domain.ErrRetryBudgetExhausted, tries, err)
}
