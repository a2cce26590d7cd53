package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

// MetricsSink persists the append-only queue_metrics, dead_letter_items,
// and queue_depth_metrics rows (spec.md §3).
type MetricsSink struct {
	pool *pgxpool.Pool
}

// NewMetricsSink constructs a MetricsSink over pool.
func NewMetricsSink(pool *pgxpool.Pool) *MetricsSink {
	return &MetricsSink{pool: pool}
}

// RecordQueueMetric inserts one queue_metrics row and mirrors it to
// the Prometheus counters used by the HTTP /metrics endpoint.
func (s *MetricsSink) RecordQueueMetric(ctx context.Context, m domain.QueueMetric) error {
	details, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("op=metrics.record_queue_metric marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queue_metrics (queue, msg_id, status, processing_ms, span_id, worker_instance, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb, now())`,
		m.Queue, m.MsgID, string(m.Status), m.ProcessingMs, m.SpanID, m.WorkerInstance, details)
	if err != nil {
		return fmt.Errorf("op=metrics.record_queue_metric queue=%s: %w", m.Queue, err)
	}
	observability.QueueMessagesProcessedTotal.WithLabelValues(m.Queue, string(m.Status)).Inc()
	observability.QueueProcessingDuration.WithLabelValues(m.Queue).Observe(float64(m.ProcessingMs) / 1000.0)
	return nil
}

// RecordDeadLetter inserts one dead_letter_items row.
func (s *MetricsSink) RecordDeadLetter(ctx context.Context, d domain.DeadLetterItem) error {
	original, err := json.Marshal(d.OriginalMsg)
	if err != nil {
		return fmt.Errorf("op=metrics.record_dead_letter marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_items (queue, original_msg, fail_count, failed_at, error_category, error_message)
		 VALUES ($1,$2::jsonb,$3,now(),$4,$5)`,
		d.Queue, original, d.FailCount, string(d.ErrorCategory), d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=metrics.record_dead_letter queue=%s: %w", d.Queue, err)
	}
	observability.DeadLetterTotal.WithLabelValues(d.Queue, string(d.ErrorCategory)).Inc()
	return nil
}

// RecordQueueDepth inserts a queue_depth_metrics row and refreshes the
// Prometheus gauge, emitted by Worker.Enqueue (spec.md §4.7 "Enqueue").
func (s *MetricsSink) RecordQueueDepth(ctx context.Context, sourceQueue, targetQueue string, depth int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_depth_metrics (source_queue, target_queue, depth, recorded_at) VALUES ($1,$2,$3,now())`,
		sourceQueue, targetQueue, depth)
	if err != nil {
		return fmt.Errorf("op=metrics.record_queue_depth source=%s target=%s: %w", sourceQueue, targetQueue, err)
	}
	observability.QueueDepth.WithLabelValues(targetQueue).Set(float64(depth))
	return nil
}
