package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

func TestClassify_HTTPStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   domain.FailureCategory
	}{
		{"too many requests", http.StatusTooManyRequests, domain.CategoryRateLimit},
		{"request timeout", http.StatusRequestTimeout, domain.CategoryTransient},
		{"bad request", http.StatusBadRequest, domain.CategoryValidation},
		{"not found", http.StatusNotFound, domain.CategoryNotFound},
		{"server error", http.StatusInternalServerError, domain.CategoryServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &HTTPError{StatusCode: tc.status, Err: errors.New("boom")}
			assert.Equal(t, tc.want, Classify(err))
		})
	}
}

func TestClassify_DefersToDomainForSentinels(t *testing.T) {
	assert.Equal(t, domain.CategoryMissingRecord, Classify(domain.ErrMissingRecord))
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	opts := Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2, Jitter: false}

	err := WithRetry(context.Background(), opts, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &HTTPError{StatusCode: http.StatusInternalServerError, Err: errors.New("transient")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_NonRetryableReturnsImmediately(t *testing.T) {
	attempts := 0
	opts := DefaultOptions
	opts.InitialDelay = time.Millisecond

	err := WithRetry(context.Background(), opts, func(ctx context.Context) error {
		attempts++
		return domain.ErrSchemaInvalid
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a validation-class error must not be retried")
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	opts := Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}

	err := WithRetry(context.Background(), opts, func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: http.StatusInternalServerError, Err: errors.New("down")}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Factor: 2}

	attempts := 0
	cancel()
	err := WithRetry(ctx, opts, func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: http.StatusInternalServerError, Err: errors.New("down")}
	})

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

func TestRetryAfterDelay_IntegerSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	d, ok := retryAfterDelay(h)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestRetryAfterDelay_Absent(t *testing.T) {
	_, ok := retryAfterDelay(http.Header{})
	assert.False(t, ok)
}
