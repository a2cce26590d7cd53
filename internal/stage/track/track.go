// Package track implements stage C (spec.md §4.8): list one page of an
// album's tracks, skip non-primary-artist and already-claimed
// duplicates, upsert the rest, fan out a D message per kept track, and
// re-enqueue itself for the next page.
package track

import (
	"fmt"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/normalize"
	"github.com/patchworkdata/catalog-pipeline/internal/spotify"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
	"github.com/patchworkdata/catalog-pipeline/internal/worker"
)

const pageSize = 50

// Handler implements worker.Handler[domain.TrackPayload].
type Handler struct {
	Spotify  *spotify.Client
	Artists  domain.ArtistRepository
	Tracks   domain.TrackRepository
	Enqueuer *worker.Enqueuer
}

// New constructs a Handler.
func New(sp *spotify.Client, artists domain.ArtistRepository, tracks domain.TrackRepository, enq *worker.Enqueuer) *Handler {
	return &Handler{Spotify: sp, Artists: artists, Tracks: tracks, Enqueuer: enq}
}

// Process implements stage C's contract: dedup on
// (artistId, normalizedName), skip non-primary-artist tracks.
func (h *Handler) Process(ctx domain.Context, span *tracing.Span, msg domain.Message, payload domain.TrackPayload) error {
	artistRow, err := h.Artists.GetBySpotifyID(ctx, payload.ArtistSpotifyID)
	if err != nil {
		return fmt.Errorf("op=stage_track.lookup_artist artist_id=%s: %w", payload.ArtistSpotifyID, domain.ErrMissingRecord)
	}

	page, err := h.Spotify.ListTracks(ctx, payload.AlbumSpotifyID, payload.Offset, pageSize)
	if err != nil {
		return fmt.Errorf("op=stage_track.list_tracks album_id=%s: %w", payload.AlbumSpotifyID, err)
	}

	for _, t := range page.Items {
		if t.PrimaryArtistID != payload.ArtistSpotifyID {
			continue
		}

		normalized := normalize.TrackName(t.Name)
		exists, err := h.Tracks.ExistsNormalized(ctx, artistRow.ID, normalized)
		if err != nil {
			return fmt.Errorf("op=stage_track.check_dedup track_id=%s: %w", t.ID, err)
		}
		if exists {
			continue
		}

		row, err := h.Tracks.UpsertBySpotifyID(ctx, domain.Track{
			SpotifyID:      t.ID,
			AlbumID:        payload.AlbumUUID,
			Name:           t.Name,
			DurationMs:     t.DurationMs,
			NormalizedName: normalized,
		})
		if err != nil {
			return fmt.Errorf("op=stage_track.upsert spotify_id=%s: %w", t.ID, err)
		}

		if err := h.Tracks.ClaimNormalized(ctx, domain.NormalizedTrack{
			ArtistID:              artistRow.ID,
			NormalizedName:        normalized,
			RepresentativeTrackID: row.ID,
		}); err != nil {
			return fmt.Errorf("op=stage_track.claim_dedup track_id=%s: %w", row.ID, err)
		}

		producerSpan := span.Child("enqueue-producer")
		err = h.Enqueuer.Enqueue(ctx, domain.StageTrack.QueueName(), producerSpan, domain.StageProducer, domain.ProducerPayload{
			TrackSpotifyID:  row.SpotifyID,
			TrackUUID:       row.ID,
			TrackName:       row.Name,
			AlbumSpotifyID:  payload.AlbumSpotifyID,
			ArtistSpotifyID: payload.ArtistSpotifyID,
		})
		producerSpan.End(ctx, err)
		if err != nil {
			return fmt.Errorf("op=stage_track.enqueue_producer track_id=%s: %w", row.SpotifyID, err)
		}
	}

	if page.HasMore {
		nextSpan := span.Child("enqueue-next-page")
		err := h.Enqueuer.Enqueue(ctx, domain.StageTrack.QueueName(), nextSpan, domain.StageTrack, domain.TrackPayload{
			AlbumSpotifyID:  payload.AlbumSpotifyID,
			AlbumUUID:       payload.AlbumUUID,
			AlbumName:       payload.AlbumName,
			ArtistSpotifyID: payload.ArtistSpotifyID,
			Offset:          page.Offset,
		})
		nextSpan.End(ctx, err)
		if err != nil {
			return fmt.Errorf("op=stage_track.enqueue_next_page album_id=%s: %w", payload.AlbumSpotifyID, err)
		}
	}
	return nil
}
