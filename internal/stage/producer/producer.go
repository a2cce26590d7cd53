// Package producer implements stage D (spec.md §4.8): fetch the
// producer credits Genius lists for a track, upsert each as a
// Producer merged by normalized name, attribute it to the track, and
// fan out one E message per kept producer.
package producer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/genius"
	"github.com/patchworkdata/catalog-pipeline/internal/normalize"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
	"github.com/patchworkdata/catalog-pipeline/internal/worker"
)

// Caps from spec.md §4.8's batching rule: "trim with a warning to keep
// message processing under the per-message timeout".
const (
	maxProducersPerTrack = 25
	maxEnrichmentFanOuts = 10

	sourceGenius = "genius"
)

// Handler implements worker.Handler[domain.ProducerPayload]. Genius
// may be nil when GENIUS_ACCESS_TOKEN is unset (spec.md §6.4); Process
// then writes no credits and still succeeds.
type Handler struct {
	Genius    *genius.Client
	Producers domain.ProducerRepository
	Enqueuer  *worker.Enqueuer
}

// New constructs a Handler.
func New(g *genius.Client, producers domain.ProducerRepository, enq *worker.Enqueuer) *Handler {
	return &Handler{Genius: g, Producers: producers, Enqueuer: enq}
}

// Process implements stage D's contract. A Genius miss (song not
// found) is not an error: some tracks simply have no listed credits.
func (h *Handler) Process(ctx domain.Context, span *tracing.Span, msg domain.Message, payload domain.ProducerPayload) error {
	if h.Genius == nil {
		return nil
	}

	songID, err := h.Genius.SearchSong(ctx, payload.TrackName, "")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=stage_producer.search_song track_id=%s: %w", payload.TrackSpotifyID, err)
	}

	credited, err := h.Genius.CreditedProducers(ctx, songID)
	if err != nil {
		return fmt.Errorf("op=stage_producer.credits track_id=%s: %w", payload.TrackSpotifyID, err)
	}

	if len(credited) > maxProducersPerTrack {
		slog.Warn("trimming producer credits over cap", slog.String("track_id", payload.TrackSpotifyID), slog.Int("count", len(credited)), slog.Int("cap", maxProducersPerTrack))
		credited = credited[:maxProducersPerTrack]
	}

	fanOuts := 0
	for _, p := range credited {
		normalized := normalize.ProducerName(p.Name)

		row, err := h.Producers.UpsertByNormalizedName(ctx, domain.Producer{
			NormalizedName: normalized,
			DisplayName:    p.Name,
			Roles:          []string{"producer"},
			Sources:        []string{sourceGenius},
			ExternalIDs:    map[string]string{sourceGenius: p.ID},
		})
		if err != nil {
			return fmt.Errorf("op=stage_producer.upsert_producer name=%q: %w", p.Name, err)
		}

		if err := h.Producers.AttributeToTrack(ctx, domain.TrackProducer{
			TrackID:    payload.TrackUUID,
			ProducerID: row.ID,
			Source:     sourceGenius,
			Confidence: 1.0,
		}); err != nil {
			return fmt.Errorf("op=stage_producer.attribute track_id=%s producer_id=%s: %w", payload.TrackUUID, row.ID, err)
		}

		if fanOuts >= maxEnrichmentFanOuts {
			slog.Warn("trimming social enrichment fan-out over cap", slog.String("track_id", payload.TrackSpotifyID), slog.Int("cap", maxEnrichmentFanOuts))
			continue
		}
		fanOuts++

		socialSpan := span.Child("enqueue-social")
		err = h.Enqueuer.Enqueue(ctx, domain.StageProducer.QueueName(), socialSpan, domain.StageSocial, domain.SocialPayload{
			ProducerID:   row.ID,
			ProducerName: row.DisplayName,
		})
		socialSpan.End(ctx, err)
		if err != nil {
			return fmt.Errorf("op=stage_producer.enqueue_social producer_id=%s: %w", row.ID, err)
		}
	}
	return nil
}
