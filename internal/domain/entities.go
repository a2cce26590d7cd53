package domain

import "time"

// Artist is the root entity of the pipeline: one row per unique Spotify
// artist id.
type Artist struct {
	ID        string
	SpotifyID string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Album belongs to an Artist. ReleaseDate is nil when the upstream value
// could not be coerced (see normalize.ReleaseDate).
type Album struct {
	ID          string
	SpotifyID   string
	ArtistID    string
	Name        string
	ReleaseDate *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Track belongs to an Album.
type Track struct {
	ID          string
	SpotifyID   string
	AlbumID     string
	Name        string
	DurationMs  int64
	NormalizedName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizedTrack is the per-artist dedup key: at most one row exists for
// a given (ArtistID, NormalizedName) pair.
type NormalizedTrack struct {
	ArtistID             string
	NormalizedName       string
	RepresentativeTrackID string
	CreatedAt            time.Time
}

// Producer is merged across sources by NormalizedName.
type Producer struct {
	ID                string
	NormalizedName    string
	DisplayName        string
	Roles             []string
	Sources           []string
	ExternalIDs       map[string]string
	InstagramHandle   string
	EnrichmentFailed  bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrackProducer attributes a Producer to a Track from a given source.
type TrackProducer struct {
	TrackID    string
	ProducerID string
	Source     string
	Confidence float64
	CreatedAt  time.Time
}

// QueueMetricStatus enumerates outcomes recorded for a processed message.
type QueueMetricStatus string

// Queue metric statuses.
const (
	MetricSuccess        QueueMetricStatus = "success"
	MetricError          QueueMetricStatus = "error"
	MetricPartialFailure QueueMetricStatus = "partial_failure"
)

// QueueMetric is an append-only record of one message's processing outcome.
type QueueMetric struct {
	ID             int64
	Queue          string
	MsgID          int64
	Status         QueueMetricStatus
	ProcessingMs   int64
	SpanID         string
	WorkerInstance string
	Details        map[string]any
	CreatedAt      time.Time
}

// DeadLetterItem is an append-only record of a message that exhausted
// retries or was classified as non-retryable.
type DeadLetterItem struct {
	ID            int64
	Queue         string
	OriginalMsg   map[string]any
	FailCount     int
	FailedAt      time.Time
	ErrorCategory FailureCategory
	ErrorMessage  string
}

// RateLimit is the durable, cross-invocation row backing the shared
// rate limiter (spec.md §3, §4.2). Count and WindowEnd are only ever
// mutated via atomic server-side increment/reset.
type RateLimit struct {
	Key         string
	Count       int
	WindowEnd   time.Time
	MaxRequests int
}

// CircuitBreakerState is the durable, cross-invocation row backing a
// named circuit breaker (spec.md §3, §4.3).
type CircuitBreakerState struct {
	Name             string
	State            string
	FailureCount     int
	SuccessCount     int
	LastFailureTime  time.Time
	LastStateChange  time.Time
	FailureThreshold int
	ResetTimeoutMs   int64
}

// TraceSpanRow is the append-only persisted form of a completed span
// (spec.md §3).
type TraceSpanRow struct {
	ID        int64
	TraceID   string
	SpanID    string
	ParentID  string
	Service   string
	Operation string
	Timestamp time.Time
	Attributes map[string]string
	Details   map[string]any
}
