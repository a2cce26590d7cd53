// Package retry implements spec.md §4.4: error classification, backoff
// delay calculation, and header-aware (Retry-After) retry scheduling.
// Grounded on the teacher's internal/domain/retry_entities.go
// (classification taxonomy, DefaultRetryConfig shape) and
// internal/config/retry_config.go (env-tunable defaults), with the
// actual delay loop built on cenkalti/backoff/v4's ExponentialBackOff
// rather than the teacher's hand-rolled attempt counter, since the
// teacher itself reaches for that library for its AI-call backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// Options configures withRetry (spec.md §4.4).
type Options struct {
	MaxAttempts             int
	InitialDelay            time.Duration
	MaxDelay                time.Duration
	Factor                  float64
	Jitter                  bool
	RetryableErrorPredicate func(error) bool
}

// DefaultOptions mirrors the teacher's DefaultRetryConfig values.
var DefaultOptions = Options{
	MaxAttempts:  5,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Factor:       2.0,
	Jitter:       true,
}

// RateLimitedOptions sets stronger defaults for calls guarded by the
// shared rate limiter (spec.md §4.4 withRateLimitedRetry).
var RateLimitedOptions = Options{
	MaxAttempts:  6,
	InitialDelay: 2 * time.Second,
	MaxDelay:     2 * time.Minute,
	Factor:       2.0,
	Jitter:       true,
}

// HTTPError carries response metadata so Classify and delay derivation
// can inspect status codes and headers (spec.md §4.4's "if the error
// carries response headers").
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Err        error
}

func (e *HTTPError) Error() string { return e.Err.Error() }
func (e *HTTPError) Unwrap() error { return e.Err }

// Classify maps err onto the spec's taxonomy. HTTP-carrying errors are
// classified by status code first; otherwise it defers to
// domain.Classify for sentinel-wrapped errors.
func Classify(err error) domain.FailureCategory {
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return domain.CategoryRateLimit
		case he.StatusCode == http.StatusRequestTimeout, he.StatusCode == 425:
			return domain.CategoryTransient
		case he.StatusCode == http.StatusBadRequest:
			return domain.CategoryValidation
		case he.StatusCode >= 400 && he.StatusCode < 500:
			return domain.CategoryNotFound
		case he.StatusCode >= 500:
			return domain.CategoryServerError
		}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.CategoryTimeout
	}
	return domain.Classify(err)
}

// newBackOff builds the cenkalti/backoff/v4 ExponentialBackOff that
// drives WithRetry's delay loop, configured from Options. MaxElapsedTime
// is left at zero (no cap) since WithRetry bounds retries by attempt
// count, not elapsed wall time.
func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialDelay
	b.MaxInterval = o.MaxDelay
	b.Multiplier = o.Factor
	b.MaxElapsedTime = 0
	if !o.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// retryAfterDelay derives a delay from a Retry-After header, accepting
// integer seconds, an HTTP-date, or a Unix timestamp (spec.md §4.4).
// An integer of at least 1e9 is read as a Unix timestamp in seconds;
// smaller integers are a delay in seconds.
func retryAfterDelay(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n >= 1_000_000_000 {
			return time.Until(time.Unix(n, 0)), true
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

// WithRetry runs fn up to opts.MaxAttempts times, sleeping between
// attempts per spec.md §4.4. Non-retryable errors (predicate or
// PERMANENT-class) are rethrown immediately without sleeping.
func WithRetry(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	var lastErr error
	b := newBackOff(opts)
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if opts.RetryableErrorPredicate != nil && !opts.RetryableErrorPredicate(err) {
			return err
		}
		category := Classify(err)
		if !category.Retryable() {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		if category == domain.CategoryRateLimit {
			var he *HTTPError
			if errors.As(err, &he) && he.Header != nil {
				if d, ok := retryAfterDelay(he.Header); ok {
					delay = d
				}
			}
		}
		slog.Warn("retrying after error", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// WithRateLimitedRetry wraps WithRetry with RateLimitedOptions and
// tags every retry observation with resourceKey (spec.md §4.4).
func WithRateLimitedRetry(ctx context.Context, resourceKey string, fn func(ctx context.Context) error) error {
	opts := RateLimitedOptions
	attempt := 0
	return WithRetry(ctx, opts, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil {
			slog.Warn("rate-limited retry observation", slog.String("resource", resourceKey), slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return err
	})
}
