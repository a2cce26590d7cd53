package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the helpers below inspect (spec.md §4.5). All but
// the foreign-key violation are treated as transient by WithDBRetry.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// isUniqueViolation reports whether err is a unique-constraint conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// isForeignKeyViolation reports whether err is a missing-parent-row
// error, the DB-level signal for spec.md §7's "missing_record" category.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}

func isRetryableDBError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return true
		}
		return false
	}
	// Connection-level errors (closed pool, broken pipe, etc.) surface
	// without a PgError wrapper; ErrNoRows is a legitimate absence, not
	// a transient fault.
	return !errors.Is(err, pgx.ErrNoRows)
}

// WithDBRetry retries fn up to 3 times on unique-violation (concurrent
// insert race), serialization failure, deadlock, or connection-level
// errors, with a small fixed backoff (spec.md §4.5).
func WithDBRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableDBError(err) || attempt == maxAttempts {
			return err
		}
		delay := time.Duration(attempt) * 50 * time.Millisecond
		slog.Warn("retrying db operation", slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// WithTransaction begins a transaction, runs fn, commits on success
// and rolls back on any error or panic (spec.md §4.5).
func WithTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				slog.Error("rollback failed", slog.Any("error", rerr))
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SafeUpsert implements spec.md §4.5's idempotent-write guarantee: try
// an insert; on a unique-violation, fetch and return the existing row
// instead of failing. This resolves the concurrent-writer race without
// holding a table-level lock (the "one row per external key" contract
// that all domain inserts use).
func SafeUpsert[T any](ctx context.Context, pool *pgxpool.Pool, insert func(ctx context.Context) (T, error), fetchExisting func(ctx context.Context) (T, error)) (T, error) {
	row, err := insert(ctx)
	if err == nil {
		return row, nil
	}
	if !isUniqueViolation(err) {
		var zero T
		return zero, err
	}
	return fetchExisting(ctx)
}
