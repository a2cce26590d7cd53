package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// BreakerStore persists circuit_breakers + circuit_breaker_events rows
// (spec.md §3, §4.3), implementing breaker.Store.
type BreakerStore struct {
	pool *pgxpool.Pool
}

// NewBreakerStore constructs a BreakerStore over pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

// Load returns the persisted state for name, if any.
func (s *BreakerStore) Load(ctx context.Context, name string) (domain.CircuitBreakerState, bool, error) {
	var st domain.CircuitBreakerState
	err := s.pool.QueryRow(ctx,
		`SELECT name, state, failure_count, success_count, last_failure_time, last_state_change, failure_threshold, reset_timeout_ms
		 FROM circuit_breakers WHERE name = $1`, name).
		Scan(&st.Name, &st.State, &st.FailureCount, &st.SuccessCount, &st.LastFailureTime, &st.LastStateChange, &st.FailureThreshold, &st.ResetTimeoutMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CircuitBreakerState{}, false, nil
	}
	if err != nil {
		return domain.CircuitBreakerState{}, false, fmt.Errorf("op=breaker.load name=%s: %w", name, err)
	}
	return st, true, nil
}

// Save upserts the full state row for name.
func (s *BreakerStore) Save(ctx context.Context, st domain.CircuitBreakerState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circuit_breakers (name, state, failure_count, success_count, last_failure_time, last_state_change, failure_threshold, reset_timeout_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (name) DO UPDATE SET
		   state = EXCLUDED.state, failure_count = EXCLUDED.failure_count, success_count = EXCLUDED.success_count,
		   last_failure_time = EXCLUDED.last_failure_time, last_state_change = EXCLUDED.last_state_change,
		   failure_threshold = EXCLUDED.failure_threshold, reset_timeout_ms = EXCLUDED.reset_timeout_ms`,
		st.Name, st.State, st.FailureCount, st.SuccessCount, st.LastFailureTime, st.LastStateChange, st.FailureThreshold, st.ResetTimeoutMs)
	if err != nil {
		return fmt.Errorf("op=breaker.save name=%s: %w", st.Name, err)
	}
	return nil
}

// RecordEvent appends a transition row to circuit_breaker_events and
// refreshes the summary row's last_state_change.
func (s *BreakerStore) RecordEvent(ctx context.Context, name, from, to string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circuit_breaker_events (name, from_state, to_state, occurred_at) VALUES ($1,$2,$3,$4)`,
		name, from, to, now)
	if err != nil {
		return fmt.Errorf("op=breaker.record_event name=%s: %w", name, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO circuit_breakers (name, state, last_state_change) VALUES ($1,$2,$3)
		 ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, last_state_change = EXCLUDED.last_state_change`,
		name, to, now)
	if err != nil {
		return fmt.Errorf("op=breaker.record_event upsert name=%s: %w", name, err)
	}
	return nil
}
