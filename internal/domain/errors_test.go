package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SentinelMapping(t *testing.T) {
	cases := []struct {
		err  error
		want FailureCategory
	}{
		{ErrSchemaInvalid, CategoryValidation},
		{ErrInvalidArgument, CategoryValidation},
		{ErrMissingRecord, CategoryMissingRecord},
		{ErrAuthorization, CategoryAuthorization},
		{ErrNotFound, CategoryNotFound},
		{ErrRateLimited, CategoryRateLimit},
		{ErrUpstreamRateLimit, CategoryRateLimit},
		{ErrUpstreamTimeout, CategoryTimeout},
		{ErrCircuitOpen, CategoryTransient},
		{ErrConflict, CategoryDatabaseError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "classifying %v", tc.err)
	}
}

func TestFailureCategory_Retryable(t *testing.T) {
	nonRetryable := []FailureCategory{
		CategoryValidation, CategoryAuthorization, CategoryNotFound,
		CategoryMissingRecord, CategoryDatabaseError,
	}
	for _, c := range nonRetryable {
		assert.False(t, c.Retryable(), "%s should not be retryable", c)
	}

	retryable := []FailureCategory{
		CategoryRateLimit, CategoryTimeout, CategoryNetwork,
		CategoryConnection, CategoryTransient, CategoryServerError, CategoryUnknown,
	}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), "%s should be retryable", c)
	}
}
