// Package breaker implements spec.md §4.3's per-resource circuit
// breaker and registry. State-machine mechanics are delegated to
// sony/gobreaker (grounded on jordigilh-kubernaut's
// circuitbreaker.NewManager(gobreaker.Settings{...}) usage); the
// per-name registry shape is grounded on the teacher's
// internal/adapter/observability/circuit_breaker.go
// CircuitBreakerManager. gobreaker has no concept of a dynamic,
// per-trip reset timeout, so the Retry-After override from
// recordFailure (spec.md §4.3) is implemented as a side-channel
// forcedOpenUntil check ahead of every Execute call.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

// Store persists circuit breaker state across process invocations
// (spec.md §3: "CircuitBreakerState... Shared across worker
// invocations").
type Store interface {
	Load(ctx context.Context, name string) (domain.CircuitBreakerState, bool, error)
	Save(ctx context.Context, s domain.CircuitBreakerState) error
	RecordEvent(ctx context.Context, name string, from, to string) error
}

// Options configures a named breaker. halfOpenSuccessThreshold is
// fixed at 1 per spec.md §4.3's stated default and mapped onto
// gobreaker's MaxRequests.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenInterval time.Duration
}

// DefaultOptions are applied by Registry.GetOrCreate when the caller
// passes the zero value.
var DefaultOptions = Options{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
	HalfOpenInterval: 10 * time.Second,
}

// namedOptions applies spec.md §4.3's per-name registry defaults:
// "rate-limit circuits trip on the first 429 with longer reset;
// token-refresh circuits use a 1-hour reset".
func namedOptions(name string, o Options) Options {
	switch {
	case containsAny(name, "ratelimit", "rate-limit", "429"):
		o.FailureThreshold = 1
		o.ResetTimeout = 2 * time.Minute
	case containsAny(name, "token", "auth-refresh", "token-refresh"):
		o.ResetTimeout = time.Hour
	}
	return o
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// Breaker wraps a gobreaker.CircuitBreaker with the spec's half-open
// probe throttle and Retry-After override.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	store   Store
	mu      sync.Mutex
	// forcedOpenUntil, when non-zero, overrides gobreaker's own timeout:
	// a 429 Retry-After pins the circuit open past whatever gobreaker
	// would otherwise allow.
	forcedOpenUntil time.Time
	lastProbeAt     time.Time
	probeInterval   time.Duration
}

// ErrOpen is returned when the circuit rejects a call, either via
// gobreaker or via the Retry-After override.
var ErrOpen = errors.New("circuit open")

func newBreaker(name string, o Options, store Store) *Breaker {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultOptions.FailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultOptions.ResetTimeout
	}
	if o.HalfOpenInterval <= 0 {
		o.HalfOpenInterval = DefaultOptions.HalfOpenInterval
	}
	b := &Breaker{name: name, store: store, probeInterval: o.HalfOpenInterval}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     o.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(o.FailureThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	observability.CircuitBreakerState.WithLabelValues(b.name).Set(stateGauge(to))
	slog.Info("circuit breaker state change", slog.String("name", b.name), slog.String("from", from.String()), slog.String("to", to.String()))
	if b.store != nil {
		ctx := context.Background()
		if err := b.store.RecordEvent(ctx, b.name, from.String(), to.String()); err != nil {
			slog.Error("failed to record circuit breaker event", slog.String("name", b.name), slog.Any("error", err))
		}
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Fire executes action under the breaker per spec.md §4.3: checks the
// Retry-After override first, then defers to gobreaker's own
// closed/open/half-open logic, throttling half-open probes to one
// every probeInterval.
func (b *Breaker) Fire(ctx context.Context, action func(ctx context.Context) error) error {
	b.mu.Lock()
	if !b.forcedOpenUntil.IsZero() && time.Now().Before(b.forcedOpenUntil) {
		until := b.forcedOpenUntil
		b.mu.Unlock()
		return &openUntilError{until: until}
	}
	if b.cb.State() == gobreaker.StateHalfOpen {
		if time.Since(b.lastProbeAt) < b.probeInterval {
			b.mu.Unlock()
			return ErrOpen
		}
		b.lastProbeAt = time.Now()
	}
	b.mu.Unlock()

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, action(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

type openUntilError struct{ until time.Time }

func (e *openUntilError) Error() string {
	return "circuit open until " + e.until.Format(time.RFC3339)
}

func (e *openUntilError) Is(target error) bool { return target == ErrOpen }

// RecordFailure implements spec.md §4.3's recordFailure: on a 429
// response, parse Retry-After (seconds or HTTP-date), cap at 2
// minutes, and pin the circuit open for that long regardless of what
// gobreaker's own Timeout would otherwise allow.
func (b *Breaker) RecordFailure(resp *http.Response) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			if d > 2*time.Minute {
				d = 2 * time.Minute
			}
			b.mu.Lock()
			b.forcedOpenUntil = time.Now().Add(d)
			b.mu.Unlock()
		}
	}
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

// State reports the current gobreaker state as a string for
// observability endpoints.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Registry is the process-wide map name→breaker (spec.md §4.3).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	store    Store
}

// NewRegistry constructs an empty registry backed by store (nil is
// valid: breakers then operate purely in-memory).
func NewRegistry(store Store) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), store: store}
}

// GetOrCreate returns the named breaker, creating it with
// namedOptions(name, opts) defaults on first use, and hydrating it
// from the store if a persisted row exists.
func (r *Registry) GetOrCreate(ctx context.Context, name string, opts Options) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	effective := namedOptions(name, opts)
	b := newBreaker(name, effective, r.store)
	if r.store != nil {
		if st, found, err := r.store.Load(ctx, name); err == nil && found {
			if st.State == gobreaker.StateOpen.String() && time.Since(st.LastFailureTime) < time.Duration(st.ResetTimeoutMs)*time.Millisecond {
				b.forcedOpenUntil = st.LastFailureTime.Add(time.Duration(st.ResetTimeoutMs) * time.Millisecond)
			}
		}
	}
	r.breakers[name] = b
	return b
}

// Get returns the named breaker if it has been created.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// ResetEndpointCircuits mass-resets every breaker whose name has the
// given prefix (spec.md §4.3).
func (r *Registry) ResetEndpointCircuits(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.breakers {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			b.mu.Lock()
			b.forcedOpenUntil = time.Time{}
			b.mu.Unlock()
		}
	}
}
