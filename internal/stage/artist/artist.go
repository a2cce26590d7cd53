// Package artist implements stage A (spec.md §4.8): resolve an
// {artistId|artistName} seed to a Spotify artist, upsert it, and fan
// out one B message. Grounded on the teacher's
// internal/adapter/queue/shared/handler.go HandleEvaluate shape: a
// single process(msg) entry point with no hidden state between calls.
package artist

import (
	"context"
	"fmt"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/spotify"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
	"github.com/patchworkdata/catalog-pipeline/internal/worker"
)

// Handler implements worker.Handler[domain.ArtistPayload].
type Handler struct {
	Spotify  *spotify.Client
	Artists  domain.ArtistRepository
	Enqueuer *worker.Enqueuer
}

// New constructs a Handler.
func New(sp *spotify.Client, artists domain.ArtistRepository, enq *worker.Enqueuer) *Handler {
	return &Handler{Spotify: sp, Artists: artists, Enqueuer: enq}
}

// Process resolves the seed, upserts the artist, and enqueues stage B
// at offset 0 (spec.md §4.8's stage A contract).
func (h *Handler) Process(ctx context.Context, span *tracing.Span, msg domain.Message, payload domain.ArtistPayload) error {
	var resolved spotify.Artist
	var err error
	if payload.ArtistID != "" {
		resolved, err = h.Spotify.GetArtist(ctx, payload.ArtistID)
	} else {
		resolved, err = h.Spotify.SearchArtist(ctx, payload.ArtistName)
	}
	if err != nil {
		return fmt.Errorf("op=stage_artist.resolve: %w", err)
	}
	span.SetAttribute("artist.spotify_id", resolved.ID)

	row, err := h.Artists.UpsertBySpotifyID(ctx, domain.Artist{SpotifyID: resolved.ID, Name: resolved.Name})
	if err != nil {
		return fmt.Errorf("op=stage_artist.upsert spotify_id=%s: %w", resolved.ID, err)
	}

	albumSpan := span.Child("enqueue-album")
	err = h.Enqueuer.Enqueue(ctx, domain.StageArtist.QueueName(), albumSpan, domain.StageAlbum, domain.AlbumPayload{
		ArtistID: row.SpotifyID,
		Offset:   0,
	})
	albumSpan.End(ctx, err)
	if err != nil {
		return fmt.Errorf("op=stage_artist.enqueue_album artist_id=%s: %w", row.SpotifyID, err)
	}
	return nil
}
