package breaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate_ReturnsSameInstance(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	b1 := r.GetOrCreate(ctx, "spotify-search-artist", DefaultOptions)
	b2 := r.GetOrCreate(ctx, "spotify-search-artist", DefaultOptions)

	assert.Same(t, b1, b2)
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	r := NewRegistry(nil)
	b := r.GetOrCreate(context.Background(), "genius-song-credits", Options{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenInterval: time.Second,
	})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := b.Fire(context.Background(), func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	err := b.Fire(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_NamedOptions_RateLimitTripsOnFirstFailure(t *testing.T) {
	r := NewRegistry(nil)
	b := r.GetOrCreate(context.Background(), "spotify-ratelimit-guard", Options{})

	err := b.Fire(context.Background(), func(ctx context.Context) error { return errors.New("429") })
	require.Error(t, err)

	err = b.Fire(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen, "a rate-limit-named breaker should trip after a single failure")
}

func TestBreaker_RecordFailure_PinsOpenPastGobreakerTimeout(t *testing.T) {
	r := NewRegistry(nil)
	b := r.GetOrCreate(context.Background(), "spotify-search-artist", Options{
		FailureThreshold: 100,
		ResetTimeout:     time.Millisecond,
		HalfOpenInterval: time.Millisecond,
	})

	resp := httptest.NewRecorder()
	resp.Header().Set("Retry-After", "60")
	resp.WriteHeader(http.StatusTooManyRequests)
	b.RecordFailure(resp.Result())

	err := b.Fire(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_FireSucceeds(t *testing.T) {
	r := NewRegistry(nil)
	b := r.GetOrCreate(context.Background(), "genius-artist-lookup", DefaultOptions)

	err := b.Fire(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestRegistry_ResetEndpointCircuits(t *testing.T) {
	r := NewRegistry(nil)
	b := r.GetOrCreate(context.Background(), "spotify-search-artist", Options{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenInterval: time.Second,
	})

	resp := httptest.NewRecorder()
	resp.Header().Set("Retry-After", "3600")
	resp.WriteHeader(http.StatusTooManyRequests)
	b.RecordFailure(resp.Result())

	r.ResetEndpointCircuits("spotify-")

	err := b.Fire(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}
