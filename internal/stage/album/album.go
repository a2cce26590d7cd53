// Package album implements stage B (spec.md §4.8): list one page of an
// artist's albums, upsert the primary, non-compilation ones, fan out a
// C message per kept album, and re-enqueue itself for the next page.
package album

import (
	"fmt"
	"log/slog"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/normalize"
	"github.com/patchworkdata/catalog-pipeline/internal/spotify"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
	"github.com/patchworkdata/catalog-pipeline/internal/worker"
)

const pageSize = 20

// Handler implements worker.Handler[domain.AlbumPayload].
type Handler struct {
	Spotify  *spotify.Client
	Artists  domain.ArtistRepository
	Albums   domain.AlbumRepository
	Enqueuer *worker.Enqueuer
}

// New constructs a Handler.
func New(sp *spotify.Client, artists domain.ArtistRepository, albums domain.AlbumRepository, enq *worker.Enqueuer) *Handler {
	return &Handler{Spotify: sp, Artists: artists, Albums: albums, Enqueuer: enq}
}

// Process implements stage B's contract: "artist row must exist (else
// MISSING_RECORD, DLQ)"; dedup rule "skip non-primary-artist releases
// and any of type compilation or group appears_on".
func (h *Handler) Process(ctx domain.Context, span *tracing.Span, msg domain.Message, payload domain.AlbumPayload) error {
	artistRow, err := h.Artists.GetBySpotifyID(ctx, payload.ArtistID)
	if err != nil {
		return fmt.Errorf("op=stage_album.lookup_artist artist_id=%s: %w", payload.ArtistID, domain.ErrMissingRecord)
	}

	page, err := h.Spotify.ListAlbums(ctx, payload.ArtistID, payload.Offset, pageSize)
	if err != nil {
		return fmt.Errorf("op=stage_album.list_albums artist_id=%s: %w", payload.ArtistID, err)
	}

	kept := 0
	for _, album := range page.Items {
		if album.PrimaryArtistID != payload.ArtistID {
			continue
		}
		if album.AlbumGroup == "compilation" || album.AlbumGroup == "appears_on" {
			continue
		}

		row, err := h.Albums.UpsertBySpotifyID(ctx, domain.Album{
			SpotifyID:   album.ID,
			ArtistID:    artistRow.ID,
			Name:        album.Name,
			ReleaseDate: normalize.ReleaseDate(album.ReleaseDate),
		})
		if err != nil {
			return fmt.Errorf("op=stage_album.upsert spotify_id=%s: %w", album.ID, err)
		}

		trackSpan := span.Child("enqueue-track")
		err = h.Enqueuer.Enqueue(ctx, domain.StageAlbum.QueueName(), trackSpan, domain.StageTrack, domain.TrackPayload{
			AlbumSpotifyID:  row.SpotifyID,
			AlbumUUID:       row.ID,
			AlbumName:       row.Name,
			ArtistSpotifyID: payload.ArtistID,
			Offset:          0,
		})
		trackSpan.End(ctx, err)
		if err != nil {
			return fmt.Errorf("op=stage_album.enqueue_track album_id=%s: %w", row.SpotifyID, err)
		}
		kept++
	}

	if page.HasMore {
		nextSpan := span.Child("enqueue-next-page")
		err := h.Enqueuer.Enqueue(ctx, domain.StageAlbum.QueueName(), nextSpan, domain.StageAlbum, domain.AlbumPayload{
			ArtistID: payload.ArtistID,
			Offset:   page.Offset,
		})
		nextSpan.End(ctx, err)
		if err != nil {
			return fmt.Errorf("op=stage_album.enqueue_next_page artist_id=%s: %w", payload.ArtistID, err)
		}
	}

	slog.Debug("stage_album processed page", slog.String("artist_id", payload.ArtistID), slog.Int("offset", payload.Offset), slog.Int("kept", kept))
	return nil
}
