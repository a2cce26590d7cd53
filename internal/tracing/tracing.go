// Package tracing implements spec.md §4.6's span model: a span is opened
// around a unit of work, persisted on completion, and threaded explicitly
// as a function parameter — never a goroutine-local — so it can cross
// queue-message boundaries (Design Note "Cross-worker trace flow").
package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	otelattr "go.opentelemetry.io/otel/attribute"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// Span is the explicit, serializable unit of trace context the framework
// passes between layers. It doubles as the wire shape carried in
// domain.TraceContext.
type Span struct {
	TraceID   string
	SpanID    string
	ParentID  string
	Service   string
	Operation string
	start     time.Time
	attrs     map[string]string
}

// Store persists completed spans (TraceSpan rows, spec.md §3).
type Store interface {
	RecordSpan(ctx context.Context, s CompletedSpan) error
}

// CompletedSpan is the append-only row written when a span finishes.
type CompletedSpan struct {
	TraceID      string
	SpanID       string
	ParentID     string
	Service      string
	Operation    string
	Timestamp    time.Time
	DurationMs   int64
	Status       string
	Attributes   map[string]string
	ErrorMessage string
}

var store Store

// SetStore installs the package-wide span store. Called once at startup;
// tests may install a no-op or in-memory store.
func SetStore(s Store) { store = s }

// NewRoot starts a fresh trace (used by stage A when no incoming
// TraceContext is present).
func NewRoot(service, operation string) *Span {
	traceID := ulid.Make().String()
	return &Span{
		TraceID:   traceID,
		SpanID:    ulid.Make().String(),
		Service:   service,
		Operation: operation,
		start:     time.Now(),
		attrs:     map[string]string{},
	}
}

// FromContext resumes a trace carried in a queue message's TraceContext,
// minting a fresh span id as the child of the incoming one (spec.md §4.6
// step 1).
func FromContext(tc *domain.TraceContext, service, operation string) *Span {
	if tc == nil {
		return NewRoot(service, operation)
	}
	return &Span{
		TraceID:   tc.TraceID,
		SpanID:    ulid.Make().String(),
		ParentID:  tc.SpanID,
		Service:   service,
		Operation: operation,
		start:     time.Now(),
		attrs:     map[string]string{},
	}
}

// Child starts a nested span under s, for sub-operations within one
// handler invocation (e.g. "fetch album page" within stage B).
func (s *Span) Child(operation string) *Span {
	if s == nil {
		return NewRoot("unknown", operation)
	}
	return &Span{
		TraceID:   s.TraceID,
		SpanID:    ulid.Make().String(),
		ParentID:  s.SpanID,
		Service:   s.Service,
		Operation: operation,
		start:     time.Now(),
		attrs:     map[string]string{},
	}
}

// SetAttribute records a key/value pair that will be persisted with the
// span on End.
func (s *Span) SetAttribute(key, value string) {
	if s == nil {
		return
	}
	if s.attrs == nil {
		s.attrs = map[string]string{}
	}
	s.attrs[key] = value
}

// ToTraceContext projects the span as the wire envelope a worker injects
// into an outgoing message, with parentId set to this span's id
// (spec.md §4.7 "Enqueue").
func (s *Span) ToTraceContext() *domain.TraceContext {
	if s == nil {
		return nil
	}
	return &domain.TraceContext{
		TraceID:    s.TraceID,
		SpanID:     ulid.Make().String(),
		ParentID:   s.SpanID,
		Service:    s.Service,
		Operation:  s.Operation,
		Timestamp:  time.Now().UnixMilli(),
		Attributes: s.attrs,
	}
}

// End persists the span and, when an OTEL tracer provider is configured,
// mirrors it as an OTEL span for exporters (teacher's
// observability/tracing.go SetupTracing wiring).
func (s *Span) End(ctx context.Context, err error) {
	if s == nil {
		return
	}
	status := "ok"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	duration := time.Since(s.start)

	_, otelSpan := otel.Tracer(s.Service).Start(ctx, s.Operation)
	otelSpan.SetAttributes(otelattr.String("trace.id", s.TraceID), otelattr.String("span.id", s.SpanID))
	if err != nil {
		otelSpan.RecordError(err)
	}
	otelSpan.End()

	if store != nil {
		rec := CompletedSpan{
			TraceID:      s.TraceID,
			SpanID:       s.SpanID,
			ParentID:     s.ParentID,
			Service:      s.Service,
			Operation:    s.Operation,
			Timestamp:    s.start,
			DurationMs:   duration.Milliseconds(),
			Status:       status,
			Attributes:   s.attrs,
			ErrorMessage: errMsg,
		}
		if rerr := store.RecordSpan(ctx, rec); rerr != nil {
			slog.Error("failed to persist trace span", slog.String("span_id", s.SpanID), slog.Any("error", rerr))
		}
	}
}
