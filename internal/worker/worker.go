// Package worker implements spec.md §4.7: the WorkerBase spine shared
// by all five stages — poll, validate, dispatch under a circuit
// breaker and per-message timeout, then archive or retry/DLQ. Grounded
// on the teacher's internal/adapter/queue/shared/handler.go (nil-dep
// checks, span-wrapped dispatch, structured error wrapping) generalized
// from one hand-written evaluate handler into a reusable generic
// Worker[P] parameterized by payload type.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/patchworkdata/catalog-pipeline/internal/breaker"
	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
)

var workerInstance = instanceID()

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

// Payload is the constraint every stage payload type satisfies
// (internal/domain's DecodePayload constraint, reused here).
type Payload interface {
	Validate() error
}

// Handler is implemented by each stage (internal/stage/...). process
// is pure with respect to the framework: return nil on success, an
// error on failure (spec.md §4.8).
type Handler[P Payload] func(ctx context.Context, span *tracing.Span, msg domain.Message, payload P) error

// Config tunes one Worker's polling and retry behavior.
type Config struct {
	Queue                string
	DeadLetterQueue      string
	VisibilityTimeoutSec int
	BatchSize            int
	MaxRetries           int
	PerMessageTimeout    time.Duration
}

// AuthFailureNotifier alerts an operator when a message is dead-lettered
// for an authorization failure (spec.md §7: "authorization — 401/403 →
// DLQ; alert").
type AuthFailureNotifier interface {
	NotifyAuthorizationFailure(ctx context.Context, item domain.DeadLetterItem)
}

// Worker is the generic spine: poll→validate→dispatch→ack/retry/DLQ,
// parameterized by a stage's payload type.
type Worker[P Payload] struct {
	cfg      Config
	queue    domain.Queue
	metrics  domain.MetricsSink
	breaker  *breaker.Registry
	handle   Handler[P]
	notifier AuthFailureNotifier
}

// New constructs a Worker for one stage.
func New[P Payload](cfg Config, queue domain.Queue, metrics domain.MetricsSink, breakers *breaker.Registry, handle Handler[P]) *Worker[P] {
	return &Worker[P]{cfg: cfg, queue: queue, metrics: metrics, breaker: breakers, handle: handle}
}

// WithNotifier attaches an AuthFailureNotifier, returning w for chaining.
func (w *Worker[P]) WithNotifier(n AuthFailureNotifier) *Worker[P] {
	w.notifier = n
	return w
}

// RunOnce implements the §4.7 lifecycle for a single poll. Each
// invocation is one-shot, triggered by the stage's HTTP entry point
// (spec.md §5's scheduling model); it does not loop internally.
func (w *Worker[P]) RunOnce(ctx context.Context) error {
	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	vt := w.cfg.VisibilityTimeoutSec
	if vt <= 0 {
		vt = 30
	}

	messages, err := w.queue.Read(ctx, w.cfg.Queue, vt, batchSize)
	if err != nil {
		return fmt.Errorf("op=worker.read queue=%s: %w", w.cfg.Queue, err)
	}

	for _, msg := range messages {
		w.processOne(ctx, msg)
	}
	return nil
}

func (w *Worker[P]) processOne(ctx context.Context, msg domain.Message) {
	start := time.Now()
	maxRetries := w.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	payload, err := domain.DecodePayload[P](msg.Body)
	if err != nil {
		w.deadLetter(ctx, msg, domain.CategoryValidation, err)
		return
	}

	var envelope struct {
		Trace *domain.TraceContext `json:"traceContext"`
	}
	_ = json.Unmarshal(msg.Body, &envelope)
	span := tracing.FromContext(envelope.Trace, w.cfg.Queue, "process")

	timeout := w.cfg.PerMessageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	procCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	breakerName := "queue-" + w.cfg.Queue
	cb := w.breaker.GetOrCreate(procCtx, breakerName, breaker.DefaultOptions)

	err = cb.Fire(procCtx, func(ctx context.Context) error {
		return w.handle(ctx, span, msg, payload)
	})
	span.End(ctx, err)

	if err == nil {
		w.archive(ctx, msg, start, span)
		return
	}

	category := domain.Classify(err)
	if category.Retryable() && msg.ReadCount < maxRetries {
		slog.Warn("leaving message unacked for retry",
			slog.String("queue", w.cfg.Queue), slog.Int64("msg_id", msg.MsgID), slog.Int("read_count", msg.ReadCount), slog.Any("error", err))
		w.recordMetric(ctx, msg, domain.MetricError, start, span, err)
		return
	}
	w.deadLetter(ctx, msg, category, err)
}

func (w *Worker[P]) archive(ctx context.Context, msg domain.Message, start time.Time, span *tracing.Span) {
	if _, err := w.queue.Archive(ctx, w.cfg.Queue, msg.MsgID); err != nil {
		slog.Error("failed to archive message", slog.String("queue", w.cfg.Queue), slog.Int64("msg_id", msg.MsgID), slog.Any("error", err))
	}
	w.recordMetric(ctx, msg, domain.MetricSuccess, start, span, nil)
}

func (w *Worker[P]) recordMetric(ctx context.Context, msg domain.Message, status domain.QueueMetricStatus, start time.Time, span *tracing.Span, err error) {
	if w.metrics == nil {
		return
	}
	details := map[string]any{}
	if err != nil {
		details["error"] = err.Error()
	}
	spanID := ""
	if span != nil {
		spanID = span.SpanID
	}
	if merr := w.metrics.RecordQueueMetric(ctx, domain.QueueMetric{
		Queue:          w.cfg.Queue,
		MsgID:          msg.MsgID,
		Status:         status,
		ProcessingMs:   time.Since(start).Milliseconds(),
		SpanID:         spanID,
		WorkerInstance: workerInstance,
		Details:        details,
	}); merr != nil {
		slog.Error("failed to record queue metric", slog.String("queue", w.cfg.Queue), slog.Any("error", merr))
	}
}

// deadLetter routes msg to the DLQ per spec.md §4.7's failure branch:
// insert the dead_letter_items row then archive so the message never
// reappears.
func (w *Worker[P]) deadLetter(ctx context.Context, msg domain.Message, category domain.FailureCategory, cause error) {
	slog.Error("routing message to dead letter queue",
		slog.String("queue", w.cfg.Queue), slog.Int64("msg_id", msg.MsgID), slog.String("category", string(category)), slog.Any("error", cause))

	var original map[string]any
	_ = json.Unmarshal(msg.Body, &original)

	item := domain.DeadLetterItem{
		Queue:         w.cfg.Queue,
		OriginalMsg:   original,
		FailCount:     msg.ReadCount + 1,
		FailedAt:      time.Now(),
		ErrorCategory: category,
		ErrorMessage:  cause.Error(),
	}
	if w.metrics != nil {
		if err := w.metrics.RecordDeadLetter(ctx, item); err != nil {
			slog.Error("failed to record dead letter item", slog.String("queue", w.cfg.Queue), slog.Any("error", err))
		}
	}
	if category == domain.CategoryAuthorization && w.notifier != nil {
		w.notifier.NotifyAuthorizationFailure(ctx, item)
	}
	if _, err := w.queue.Archive(ctx, w.cfg.Queue, msg.MsgID); err != nil {
		slog.Error("failed to archive dead-lettered message", slog.String("queue", w.cfg.Queue), slog.Int64("msg_id", msg.MsgID), slog.Any("error", err))
	}
}

// Enqueuer is the contract stage handlers use to fan out downstream
// work, injecting the current span as parent (spec.md §4.7 "Enqueue").
type Enqueuer struct {
	queue   domain.Queue
	metrics domain.MetricsSink
}

// NewEnqueuer constructs an Enqueuer.
func NewEnqueuer(queue domain.Queue, metrics domain.MetricsSink) *Enqueuer {
	return &Enqueuer{queue: queue, metrics: metrics}
}

// Enqueue wraps payload with the current trace context and sends it,
// then emits a queue_depth_metrics entry tagged with source and target.
func (e *Enqueuer) Enqueue(ctx context.Context, sourceQueue string, span *tracing.Span, targetQueue domain.StageName, payload any) error {
	wrapped, err := withTraceContext(payload, span)
	if err != nil {
		return fmt.Errorf("op=enqueue.marshal target=%s: %w", targetQueue, err)
	}
	if _, err := e.queue.Send(ctx, targetQueue.QueueName(), wrapped); err != nil {
		return fmt.Errorf("op=enqueue.send target=%s: %w", targetQueue, err)
	}
	if e.metrics != nil {
		depth, derr := e.queue.PendingCount(ctx, targetQueue.QueueName())
		if derr == nil {
			_ = e.metrics.RecordQueueDepth(ctx, sourceQueue, targetQueue.QueueName(), depth)
		}
	}
	return nil
}

// withTraceContext merges payload (a struct) with a traceContext field
// derived from span, without requiring every payload type to expose a
// settable Trace field directly.
func withTraceContext(payload any, span *tracing.Span) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	if tc := span.ToTraceContext(); tc != nil {
		asMap["traceContext"] = tc
	}
	return asMap, nil
}
