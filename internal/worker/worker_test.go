package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/patchworkdata/catalog-pipeline/internal/breaker"
	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
)

type testPayload struct {
	Value string `json:"value"`
}

func (p testPayload) Validate() error {
	if p.Value == "" {
		return errors.New("value required")
	}
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []domain.Message
	archived []int64
	sent     []string
	pending  int
}

func (q *fakeQueue) Send(ctx context.Context, queue string, payload any) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, queue)
	return int64(len(q.sent)), nil
}

func (q *fakeQueue) Read(ctx context.Context, queue string, visibilityTimeoutSec, batchSize int) ([]domain.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.messages
	q.messages = nil
	return msgs, nil
}

func (q *fakeQueue) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.archived = append(q.archived, msgID)
	return true, nil
}

func (q *fakeQueue) DropAndRecreate(ctx context.Context, queue string) error { return nil }

func (q *fakeQueue) PendingCount(ctx context.Context, queue string) (int, error) {
	return q.pending, nil
}

func (q *fakeQueue) ReleaseStalled(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	return 0, nil
}

type fakeMetrics struct {
	mu          sync.Mutex
	deadLetters []domain.DeadLetterItem
	metrics     []domain.QueueMetric
	depths      []int
}

func (m *fakeMetrics) RecordQueueMetric(ctx context.Context, qm domain.QueueMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, qm)
	return nil
}

func (m *fakeMetrics) RecordDeadLetter(ctx context.Context, d domain.DeadLetterItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, d)
	return nil
}

func (m *fakeMetrics) RecordQueueDepth(ctx context.Context, source, target string, depth int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths = append(m.depths, depth)
	return nil
}

func (m *fakeMetrics) snapshot() ([]domain.DeadLetterItem, []domain.QueueMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeadLetterItem(nil), m.deadLetters...), append([]domain.QueueMetric(nil), m.metrics...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	items []domain.DeadLetterItem
}

func (n *fakeNotifier) NotifyAuthorizationFailure(ctx context.Context, item domain.DeadLetterItem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, item)
}

func (n *fakeNotifier) snapshot() []domain.DeadLetterItem {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.DeadLetterItem(nil), n.items...)
}

func newMessage(t *testing.T, body any, readCount int) domain.Message {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return domain.Message{MsgID: 1, ReadCount: readCount, Body: raw}
}

func TestWorker_ArchivesOnSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := &fakeQueue{messages: []domain.Message{newMessage(t, testPayload{Value: "ok"}, 0)}}
	metrics := &fakeMetrics{}
	w := New(Config{Queue: "artist"}, q, metrics, breaker.NewRegistry(nil),
		func(ctx context.Context, span *tracing.Span, msg domain.Message, p testPayload) error { return nil })

	require.NoError(t, w.RunOnce(context.Background()))

	assert.Equal(t, []int64{1}, q.archived)
	_, recorded := metrics.snapshot()
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.MetricSuccess, recorded[0].Status)
}

func TestWorker_SchemaInvalid_GoesStraightToDLQ(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := &fakeQueue{messages: []domain.Message{newMessage(t, testPayload{Value: ""}, 0)}}
	metrics := &fakeMetrics{}
	w := New(Config{Queue: "artist"}, q, metrics, breaker.NewRegistry(nil),
		func(ctx context.Context, span *tracing.Span, msg domain.Message, p testPayload) error { return nil })

	require.NoError(t, w.RunOnce(context.Background()))

	dead, _ := metrics.snapshot()
	require.Len(t, dead, 1)
	assert.Equal(t, domain.CategoryValidation, dead[0].ErrorCategory)
	assert.Equal(t, []int64{1}, q.archived, "a dead-lettered message must still be archived so it never reappears")
}

func TestWorker_RetryableError_LeavesMessageUnacked(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := &fakeQueue{messages: []domain.Message{newMessage(t, testPayload{Value: "ok"}, 0)}}
	metrics := &fakeMetrics{}
	w := New(Config{Queue: "artist", MaxRetries: 5}, q, metrics, breaker.NewRegistry(nil),
		func(ctx context.Context, span *tracing.Span, msg domain.Message, p testPayload) error {
			return domain.ErrUpstreamTimeout
		})

	require.NoError(t, w.RunOnce(context.Background()))

	assert.Empty(t, q.archived, "a retryable failure under MaxRetries must not be archived")
	dead, _ := metrics.snapshot()
	assert.Empty(t, dead)
}

func TestWorker_RetryableError_ExhaustedGoesToDLQ(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := &fakeQueue{messages: []domain.Message{newMessage(t, testPayload{Value: "ok"}, 10)}}
	metrics := &fakeMetrics{}
	w := New(Config{Queue: "artist", MaxRetries: 5}, q, metrics, breaker.NewRegistry(nil),
		func(ctx context.Context, span *tracing.Span, msg domain.Message, p testPayload) error {
			return domain.ErrUpstreamTimeout
		})

	require.NoError(t, w.RunOnce(context.Background()))

	dead, _ := metrics.snapshot()
	require.Len(t, dead, 1)
	assert.Equal(t, domain.CategoryTimeout, dead[0].ErrorCategory)
}

func TestWorker_AuthorizationFailure_NotifiesAndDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := &fakeQueue{messages: []domain.Message{newMessage(t, testPayload{Value: "ok"}, 0)}}
	metrics := &fakeMetrics{}
	notifier := &fakeNotifier{}
	w := New(Config{Queue: "artist"}, q, metrics, breaker.NewRegistry(nil),
		func(ctx context.Context, span *tracing.Span, msg domain.Message, p testPayload) error {
			return domain.ErrAuthorization
		}).WithNotifier(notifier)

	require.NoError(t, w.RunOnce(context.Background()))

	items := notifier.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, domain.CategoryAuthorization, items[0].ErrorCategory)
}

func TestEnqueuer_RecordsQueueDepth(t *testing.T) {
	q := &fakeQueue{pending: 3}
	metrics := &fakeMetrics{}
	enq := NewEnqueuer(q, metrics)

	err := enq.Enqueue(context.Background(), "artist", tracing.NewRoot("artist", "seed"), domain.StageAlbum, domain.AlbumPayload{ArtistID: "abc"})
	require.NoError(t, err)

	assert.Equal(t, []string{"album"}, q.sent)
	assert.Equal(t, []int{3}, metrics.depths)
}
