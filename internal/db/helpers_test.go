package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: codeUniqueViolation}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: codeForeignKeyViolation}))
	assert.False(t, isUniqueViolation(errors.New("plain error")))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, isForeignKeyViolation(&pgconn.PgError{Code: codeForeignKeyViolation}))
	assert.False(t, isForeignKeyViolation(&pgconn.PgError{Code: codeUniqueViolation}))
}

func TestIsRetryableDBError(t *testing.T) {
	assert.True(t, isRetryableDBError(&pgconn.PgError{Code: codeUniqueViolation}))
	assert.True(t, isRetryableDBError(&pgconn.PgError{Code: codeSerializationFailure}))
	assert.True(t, isRetryableDBError(&pgconn.PgError{Code: codeDeadlockDetected}))
	assert.False(t, isRetryableDBError(&pgconn.PgError{Code: codeForeignKeyViolation}))
	assert.False(t, isRetryableDBError(pgx.ErrNoRows))
	assert.True(t, isRetryableDBError(errors.New("connection reset by peer")))
}

func TestSafeUpsert_ReturnsInsertedRowOnSuccess(t *testing.T) {
	got, err := SafeUpsert(context.Background(), nil,
		func(ctx context.Context) (string, error) { return "inserted", nil },
		func(ctx context.Context) (string, error) { return "existing", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "inserted", got)
}

func TestSafeUpsert_FetchesExistingOnUniqueViolation(t *testing.T) {
	got, err := SafeUpsert(context.Background(), nil,
		func(ctx context.Context) (string, error) { return "", &pgconn.PgError{Code: codeUniqueViolation} },
		func(ctx context.Context) (string, error) { return "existing", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "existing", got)
}

func TestSafeUpsert_PropagatesOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := SafeUpsert(context.Background(), nil,
		func(ctx context.Context) (string, error) { return "", boom },
		func(ctx context.Context) (string, error) { return "existing", nil },
	)
	assert.ErrorIs(t, err, boom)
}

func TestWithDBRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithDBRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &pgconn.PgError{Code: codeSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithDBRetry_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	err := WithDBRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return &pgconn.PgError{Code: codeForeignKeyViolation}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
