package domain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validateInst *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() { validateInst = validator.New() })
	return validateInst
}

// TraceContext is the envelope every queue message optionally carries so
// spans across stages link into one trace (spec.md §3, §4.6).
type TraceContext struct {
	TraceID    string            `json:"traceId"`
	SpanID     string            `json:"spanId"`
	ParentID   string            `json:"parentId,omitempty"`
	Service    string            `json:"service"`
	Operation  string            `json:"operation"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StageName identifies one of the five pipeline stages.
type StageName string

// Stage names, also used as queue names.
const (
	StageArtist   StageName = "artist"
	StageAlbum    StageName = "album"
	StageTrack    StageName = "track"
	StageProducer StageName = "producer"
	StageSocial   StageName = "social"
)

// QueueName returns the durable queue name for the stage.
func (s StageName) QueueName() string { return string(s) }

// ArtistPayload is stage A's message body: at least one of ArtistID or
// ArtistName must be present.
type ArtistPayload struct {
	ArtistID   string        `json:"artistId,omitempty"`
	ArtistName string        `json:"artistName,omitempty"`
	Trace      *TraceContext `json:"traceContext,omitempty"`
}

// Validate enforces "at least one of artistId/artistName" since the
// validator package cannot express that as a struct tag across two
// optional fields cleanly.
func (p ArtistPayload) Validate() error {
	if p.ArtistID == "" && p.ArtistName == "" {
		return fmt.Errorf("%w: one of artistId or artistName is required", ErrSchemaInvalid)
	}
	return nil
}

// AlbumPayload is stage B's message body.
type AlbumPayload struct {
	ArtistID string        `json:"artistId" validate:"required"`
	Offset   int           `json:"offset"`
	Trace    *TraceContext `json:"traceContext,omitempty"`
}

// Validate runs struct-tag validation.
func (p AlbumPayload) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, err.Error())
	}
	return nil
}

// TrackPayload is stage C's message body.
type TrackPayload struct {
	AlbumSpotifyID  string        `json:"albumSpotifyId" validate:"required"`
	AlbumUUID       string        `json:"albumUuid" validate:"required"`
	AlbumName       string        `json:"albumName" validate:"required"`
	ArtistSpotifyID string        `json:"artistSpotifyId" validate:"required"`
	Offset          int           `json:"offset,omitempty"`
	Trace           *TraceContext `json:"traceContext,omitempty"`
}

// Validate runs struct-tag validation.
func (p TrackPayload) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, err.Error())
	}
	return nil
}

// ProducerPayload is stage D's message body.
type ProducerPayload struct {
	TrackSpotifyID  string        `json:"trackSpotifyId" validate:"required"`
	TrackUUID       string        `json:"trackUuid" validate:"required"`
	TrackName       string        `json:"trackName" validate:"required"`
	AlbumSpotifyID  string        `json:"albumSpotifyId" validate:"required"`
	ArtistSpotifyID string        `json:"artistSpotifyId" validate:"required"`
	Trace           *TraceContext `json:"traceContext,omitempty"`
}

// Validate runs struct-tag validation.
func (p ProducerPayload) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, err.Error())
	}
	return nil
}

// SocialPayload is stage E's message body.
type SocialPayload struct {
	ProducerID   string        `json:"producerId" validate:"required"`
	ProducerName string        `json:"producerName" validate:"required"`
	Trace        *TraceContext `json:"traceContext,omitempty"`
}

// Validate runs struct-tag validation.
func (p SocialPayload) Validate() error {
	if err := validatorInstance().Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaInvalid, err.Error())
	}
	return nil
}

// DecodePayload unmarshals raw JSON into the stage-specific payload type T
// and validates it, wrapping any failure as ErrSchemaInvalid so the
// worker spine routes it straight to the DLQ.
func DecodePayload[T interface {
	Validate() error
}](raw []byte) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %s", ErrSchemaInvalid, err.Error())
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
