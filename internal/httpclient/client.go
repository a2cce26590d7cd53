// Package httpclient provides the outbound HTTP path shared by every
// stage handler's external API calls (Spotify, Genius): a global
// semaphore capping concurrent requests (spec.md §5's backpressure
// policy) plus a per-resource local rate.Limiter throttle, grounded on
// the pack's ManuGH-xg2g/internal/ratelimit/limiter.go use of
// golang.org/x/time/rate, layered under golang.org/x/sync/semaphore for
// the concurrency cap.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Client wraps *http.Client with a global outbound concurrency cap and
// an optional per-resource local rate limiter. Calls that can't
// acquire a slot immediately wait with incrementally larger sleeps as
// the backlog grows (spec.md §5).
type Client struct {
	http *http.Client
	sem  *semaphore.Weighted

	backlogSleepBase time.Duration
}

// New constructs a Client whose global semaphore allows at most
// maxConcurrent outbound requests at a time (default 10 per spec.md
// §5).
func New(maxConcurrent int64, timeout time.Duration) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Client{
		http:             &http.Client{Timeout: timeout},
		sem:              semaphore.NewWeighted(maxConcurrent),
		backlogSleepBase: 50 * time.Millisecond,
	}
}

// Do acquires a backpressure slot (sleeping with backoff while the
// pool is saturated), then issues req, honoring a per-resource local
// limiter if provided (nil disables local throttling).
func (c *Client) Do(ctx context.Context, req *http.Request, local *rate.Limiter) (*http.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, fmt.Errorf("op=httpclient.acquire: %w", err)
	}
	defer c.sem.Release(1)

	if local != nil {
		if err := local.Wait(ctx); err != nil {
			return nil, fmt.Errorf("op=httpclient.rate_wait: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=httpclient.do %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// acquire tries the semaphore immediately, then falls back to
// progressively longer sleeps (spec.md §5: "additional calls wait with
// incrementally larger sleeps as the backlog grows").
func (c *Client) acquire(ctx context.Context) error {
	if c.sem.TryAcquire(1) {
		return nil
	}
	backoff := c.backlogSleepBase
	const maxBackoff = 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if c.sem.TryAcquire(1) {
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// DrainAndClose discards and closes the response body, the
// idiomatic cleanup for reused connections.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
