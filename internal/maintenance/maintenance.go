// Package maintenance implements spec.md §4.7's "Stalled recovery"
// section and §2's maintenance loop: health checks, metrics roll-ups,
// and clearing visibility timeouts that have been expired too long.
// Grounded on the teacher's internal/app/stuck_jobs.go StuckJobSweeper
// (ticker-driven Run loop, span-per-pass, span-per-item).
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/observability"
)

// Sweeper releases stalled messages (visibility timeout expired for
// longer than StalledAfter, indicating a crashed worker) across every
// configured queue, and refreshes each queue's depth gauge.
type Sweeper struct {
	queue        domain.Queue
	metrics      domain.MetricsSink
	queues       []string
	stalledAfter time.Duration
	interval     time.Duration
}

// NewSweeper constructs a Sweeper over queues, using stalledAfter as
// the staleness threshold (spec.md §4.7 names 30 minutes) and interval
// as the tick period (spec.md §2 names roughly 2 minutes).
func NewSweeper(queue domain.Queue, metrics domain.MetricsSink, queues []string, stalledAfter, interval time.Duration) *Sweeper {
	if stalledAfter <= 0 {
		stalledAfter = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Sweeper{queue: queue, metrics: metrics, queues: queues, stalledAfter: stalledAfter, interval: interval}
}

// Run blocks, sweeping once immediately and then every interval, until
// ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("maintenance.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("maintenance.stalled_after_seconds", s.stalledAfter.Seconds()))

	for _, queue := range s.queues {
		qCtx, qSpan := tracer.Start(ctx, "Sweeper.sweepQueue")
		qSpan.SetAttributes(attribute.String("queue", queue))

		released, err := s.queue.ReleaseStalled(qCtx, queue, s.stalledAfter)
		if err != nil {
			qSpan.RecordError(err)
			slog.Error("stalled message release failed", slog.String("queue", queue), slog.Any("error", err))
			qSpan.End()
			continue
		}
		if released > 0 {
			slog.Info("released stalled messages", slog.String("queue", queue), slog.Int("count", released))
		}

		depth, err := s.queue.PendingCount(qCtx, queue)
		if err == nil {
			observability.QueueDepth.WithLabelValues(queue).Set(float64(depth))
			if s.metrics != nil {
				_ = s.metrics.RecordQueueDepth(qCtx, queue, queue, depth)
			}
		}
		qSpan.End()
	}
}

// Health is one queue's row in a coarse health snapshot. No HTTP
// handler serves it, and Snapshot does not fill in BreakerState.
type Health struct {
	Queue        string `json:"queue"`
	Depth        int    `json:"depth"`
	BreakerState string `json:"breakerState,omitempty"`
}

// Snapshot gathers a Health row per configured queue.
func (s *Sweeper) Snapshot(ctx context.Context) ([]Health, error) {
	out := make([]Health, 0, len(s.queues))
	for _, queue := range s.queues {
		depth, err := s.queue.PendingCount(ctx, queue)
		if err != nil {
			return nil, err
		}
		out = append(out, Health{Queue: queue, Depth: depth})
	}
	return out, nil
}
