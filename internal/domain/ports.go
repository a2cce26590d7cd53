package domain

import (
	"context"
	"time"
)

// Context is a type alias to stdlib context.Context, kept as its own name
// (per the teacher's convention) so ports read as domain vocabulary.
type Context = context.Context

// ArtistRepository persists Artist rows.
type ArtistRepository interface {
	// UpsertBySpotifyID inserts the artist if absent, else returns the
	// existing row untouched (spec.md §4.5 safeUpsert contract).
	UpsertBySpotifyID(ctx Context, a Artist) (Artist, error)
	GetBySpotifyID(ctx Context, spotifyID string) (Artist, error)
}

// AlbumRepository persists Album rows.
type AlbumRepository interface {
	UpsertBySpotifyID(ctx Context, a Album) (Album, error)
}

// TrackRepository persists Track and NormalizedTrack rows.
type TrackRepository interface {
	UpsertBySpotifyID(ctx Context, t Track) (Track, error)
	// ExistsNormalized reports whether (artistID, normalizedName) is
	// already claimed by another track.
	ExistsNormalized(ctx Context, artistID, normalizedName string) (bool, error)
	ClaimNormalized(ctx Context, nt NormalizedTrack) error
}

// ProducerRepository persists Producer and TrackProducer rows.
type ProducerRepository interface {
	UpsertByNormalizedName(ctx Context, p Producer) (Producer, error)
	AttributeToTrack(ctx Context, tp TrackProducer) error
	UpdateSocial(ctx Context, producerID, instagramHandle string, enrichmentFailed bool) error
}

// Message is one leased row returned by Queue.Read.
type Message struct {
	MsgID         int64
	ReadCount     int
	EnqueuedAt    time.Time
	VisibilityTo  time.Time
	Body          []byte
}

// Queue is the contract for the Postgres-native message-queue extension
// assumed present per spec.md §6.2 (pgmq). The pipeline never implements
// this against anything but Postgres; internal/db/pgmq.go is the concrete
// adapter.
type Queue interface {
	Send(ctx Context, queue string, payload any) (int64, error)
	Read(ctx Context, queue string, visibilityTimeoutSec, batchSize int) ([]Message, error)
	Archive(ctx Context, queue string, msgID int64) (bool, error)
	DropAndRecreate(ctx Context, queue string) error
	PendingCount(ctx Context, queue string) (int, error)
	// ReleaseStalled clears the visibility timeout of messages whose lease
	// has been expired for longer than olderThan, per spec.md §4.7
	// "Stalled recovery". Returns the count released.
	ReleaseStalled(ctx Context, queue string, olderThan time.Duration) (int, error)
}

// MetricsSink records append-only observability rows (spec.md §3).
type MetricsSink interface {
	RecordQueueMetric(ctx Context, m QueueMetric) error
	RecordDeadLetter(ctx Context, d DeadLetterItem) error
	RecordQueueDepth(ctx Context, sourceQueue, targetQueue string, depth int) error
}
