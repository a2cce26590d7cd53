package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
)

// TraceStore persists completed spans as append-only trace_spans rows
// (spec.md §3, §4.6), implementing tracing.Store.
type TraceStore struct {
	pool *pgxpool.Pool
}

// NewTraceStore constructs a TraceStore over pool.
func NewTraceStore(pool *pgxpool.Pool) *TraceStore {
	return &TraceStore{pool: pool}
}

// RecordSpan inserts one trace_spans row.
func (s *TraceStore) RecordSpan(ctx context.Context, span tracing.CompletedSpan) error {
	attrs, err := json.Marshal(span.Attributes)
	if err != nil {
		return fmt.Errorf("op=tracing.record_span marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trace_spans (trace_id, span_id, parent_id, service, operation, timestamp, duration_ms, status, attributes, error_message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10)`,
		span.TraceID, span.SpanID, span.ParentID, span.Service, span.Operation, span.Timestamp, span.DurationMs, span.Status, attrs, span.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=tracing.record_span trace=%s span=%s: %w", span.TraceID, span.SpanID, err)
	}
	return nil
}
