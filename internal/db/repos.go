package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// dbSpan starts an otel span annotated with the db.* attributes the
// teacher's jobs_repo.go uses, per spec.md §4.6's tracing requirement.
func dbSpan(ctx context.Context, op, table string) (context.Context, func()) {
	tracer := otel.Tracer("repo.db")
	ctx, span := tracer.Start(ctx, table+"."+op)
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, span.End
}

// ArtistRepo implements domain.ArtistRepository.
type ArtistRepo struct{ Pool *pgxpool.Pool }

// NewArtistRepo constructs an ArtistRepo.
func NewArtistRepo(pool *pgxpool.Pool) *ArtistRepo { return &ArtistRepo{Pool: pool} }

// UpsertBySpotifyID inserts the artist if absent, else returns the
// existing row (spec.md §4.5 safeUpsert contract).
func (r *ArtistRepo) UpsertBySpotifyID(ctx domain.Context, a domain.Artist) (domain.Artist, error) {
	ctx, end := dbSpan(ctx, "INSERT", "artists")
	defer end()
	return SafeUpsert(ctx, r.Pool,
		func(ctx context.Context) (domain.Artist, error) {
			id := a.ID
			if id == "" {
				id = uuid.New().String()
			}
			var out domain.Artist
			err := r.Pool.QueryRow(ctx,
				`INSERT INTO artists (id, spotify_id, name, created_at, updated_at)
				 VALUES ($1,$2,$3, now(), now())
				 RETURNING id, spotify_id, name, created_at, updated_at`,
				id, a.SpotifyID, a.Name).
				Scan(&out.ID, &out.SpotifyID, &out.Name, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Artist{}, fmt.Errorf("op=artists.insert spotify_id=%s: %w", a.SpotifyID, err)
			}
			return out, nil
		},
		func(ctx context.Context) (domain.Artist, error) {
			var out domain.Artist
			err := r.Pool.QueryRow(ctx,
				`SELECT id, spotify_id, name, created_at, updated_at FROM artists WHERE spotify_id = $1`, a.SpotifyID).
				Scan(&out.ID, &out.SpotifyID, &out.Name, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Artist{}, fmt.Errorf("op=artists.fetch_existing spotify_id=%s: %w", a.SpotifyID, err)
			}
			return out, nil
		})
}

// GetBySpotifyID loads an artist by its Spotify id.
func (r *ArtistRepo) GetBySpotifyID(ctx domain.Context, spotifyID string) (domain.Artist, error) {
	ctx, end := dbSpan(ctx, "SELECT", "artists")
	defer end()
	var out domain.Artist
	err := r.Pool.QueryRow(ctx,
		`SELECT id, spotify_id, name, created_at, updated_at FROM artists WHERE spotify_id = $1`, spotifyID).
		Scan(&out.ID, &out.SpotifyID, &out.Name, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Artist{}, fmt.Errorf("op=artists.get spotify_id=%s: %w", spotifyID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Artist{}, fmt.Errorf("op=artists.get spotify_id=%s: %w", spotifyID, err)
	}
	return out, nil
}

// AlbumRepo implements domain.AlbumRepository.
type AlbumRepo struct{ Pool *pgxpool.Pool }

// NewAlbumRepo constructs an AlbumRepo.
func NewAlbumRepo(pool *pgxpool.Pool) *AlbumRepo { return &AlbumRepo{Pool: pool} }

// UpsertBySpotifyID inserts the album if absent, else returns the
// existing row.
func (r *AlbumRepo) UpsertBySpotifyID(ctx domain.Context, a domain.Album) (domain.Album, error) {
	ctx, end := dbSpan(ctx, "INSERT", "albums")
	defer end()
	return SafeUpsert(ctx, r.Pool,
		func(ctx context.Context) (domain.Album, error) {
			id := a.ID
			if id == "" {
				id = uuid.New().String()
			}
			var out domain.Album
			err := r.Pool.QueryRow(ctx,
				`INSERT INTO albums (id, spotify_id, artist_id, name, release_date, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5, now(), now())
				 RETURNING id, spotify_id, artist_id, name, release_date, created_at, updated_at`,
				id, a.SpotifyID, a.ArtistID, a.Name, a.ReleaseDate).
				Scan(&out.ID, &out.SpotifyID, &out.ArtistID, &out.Name, &out.ReleaseDate, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Album{}, fmt.Errorf("op=albums.insert spotify_id=%s: %w", a.SpotifyID, err)
			}
			return out, nil
		},
		func(ctx context.Context) (domain.Album, error) {
			var out domain.Album
			err := r.Pool.QueryRow(ctx,
				`SELECT id, spotify_id, artist_id, name, release_date, created_at, updated_at FROM albums WHERE spotify_id = $1`, a.SpotifyID).
				Scan(&out.ID, &out.SpotifyID, &out.ArtistID, &out.Name, &out.ReleaseDate, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Album{}, fmt.Errorf("op=albums.fetch_existing spotify_id=%s: %w", a.SpotifyID, err)
			}
			return out, nil
		})
}

// TrackRepo implements domain.TrackRepository.
type TrackRepo struct{ Pool *pgxpool.Pool }

// NewTrackRepo constructs a TrackRepo.
func NewTrackRepo(pool *pgxpool.Pool) *TrackRepo { return &TrackRepo{Pool: pool} }

// UpsertBySpotifyID inserts the track if absent, else returns the
// existing row.
func (r *TrackRepo) UpsertBySpotifyID(ctx domain.Context, t domain.Track) (domain.Track, error) {
	ctx, end := dbSpan(ctx, "INSERT", "tracks")
	defer end()
	return SafeUpsert(ctx, r.Pool,
		func(ctx context.Context) (domain.Track, error) {
			id := t.ID
			if id == "" {
				id = uuid.New().String()
			}
			var out domain.Track
			err := r.Pool.QueryRow(ctx,
				`INSERT INTO tracks (id, spotify_id, album_id, name, duration_ms, normalized_name, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$6, now(), now())
				 RETURNING id, spotify_id, album_id, name, duration_ms, normalized_name, created_at, updated_at`,
				id, t.SpotifyID, t.AlbumID, t.Name, t.DurationMs, t.NormalizedName).
				Scan(&out.ID, &out.SpotifyID, &out.AlbumID, &out.Name, &out.DurationMs, &out.NormalizedName, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Track{}, fmt.Errorf("op=tracks.insert spotify_id=%s: %w", t.SpotifyID, err)
			}
			return out, nil
		},
		func(ctx context.Context) (domain.Track, error) {
			var out domain.Track
			err := r.Pool.QueryRow(ctx,
				`SELECT id, spotify_id, album_id, name, duration_ms, normalized_name, created_at, updated_at FROM tracks WHERE spotify_id = $1`, t.SpotifyID).
				Scan(&out.ID, &out.SpotifyID, &out.AlbumID, &out.Name, &out.DurationMs, &out.NormalizedName, &out.CreatedAt, &out.UpdatedAt)
			if err != nil {
				return domain.Track{}, fmt.Errorf("op=tracks.fetch_existing spotify_id=%s: %w", t.SpotifyID, err)
			}
			return out, nil
		})
}

// ExistsNormalized reports whether (artistID, normalizedName) is
// already claimed, the dedup key from spec.md §4.8.
func (r *TrackRepo) ExistsNormalized(ctx domain.Context, artistID, normalizedName string) (bool, error) {
	ctx, end := dbSpan(ctx, "SELECT", "normalized_tracks")
	defer end()
	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM normalized_tracks WHERE artist_id = $1 AND normalized_name = $2)`,
		artistID, normalizedName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=normalized_tracks.exists artist_id=%s: %w", artistID, err)
	}
	return exists, nil
}

// ClaimNormalized inserts the (artistID, normalizedName) dedup row,
// idempotently ignoring a concurrent duplicate claim.
func (r *TrackRepo) ClaimNormalized(ctx domain.Context, nt domain.NormalizedTrack) error {
	ctx, end := dbSpan(ctx, "INSERT", "normalized_tracks")
	defer end()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO normalized_tracks (artist_id, normalized_name, representative_track_id, created_at)
		 VALUES ($1,$2,$3, now())
		 ON CONFLICT (artist_id, normalized_name) DO NOTHING`,
		nt.ArtistID, nt.NormalizedName, nt.RepresentativeTrackID)
	if err != nil {
		return fmt.Errorf("op=normalized_tracks.claim artist_id=%s name=%s: %w", nt.ArtistID, nt.NormalizedName, err)
	}
	return nil
}

// ProducerRepo implements domain.ProducerRepository.
type ProducerRepo struct{ Pool *pgxpool.Pool }

// NewProducerRepo constructs a ProducerRepo.
func NewProducerRepo(pool *pgxpool.Pool) *ProducerRepo { return &ProducerRepo{Pool: pool} }

// UpsertByNormalizedName inserts the producer if absent, else returns
// the existing row (merge-by-normalized-name, spec.md §3).
func (r *ProducerRepo) UpsertByNormalizedName(ctx domain.Context, p domain.Producer) (domain.Producer, error) {
	ctx, end := dbSpan(ctx, "INSERT", "producers")
	defer end()
	externalIDs, err := json.Marshal(p.ExternalIDs)
	if err != nil {
		return domain.Producer{}, fmt.Errorf("op=producers.insert marshal external_ids: %w", err)
	}
	return SafeUpsert(ctx, r.Pool,
		func(ctx context.Context) (domain.Producer, error) {
			id := p.ID
			if id == "" {
				id = uuid.New().String()
			}
			return r.scanProducerRow(r.Pool.QueryRow(ctx,
				`INSERT INTO producers (id, normalized_name, display_name, roles, sources, external_ids, instagram_handle, enrichment_failed, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8, now(), now())
				 RETURNING id, normalized_name, display_name, roles, sources, external_ids, instagram_handle, enrichment_failed, created_at, updated_at`,
				id, p.NormalizedName, p.DisplayName, p.Roles, p.Sources, externalIDs, p.InstagramHandle, p.EnrichmentFailed))
		},
		func(ctx context.Context) (domain.Producer, error) {
			return r.scanProducerRow(r.Pool.QueryRow(ctx,
				`SELECT id, normalized_name, display_name, roles, sources, external_ids, instagram_handle, enrichment_failed, created_at, updated_at FROM producers WHERE normalized_name = $1`, p.NormalizedName))
		})
}

func (r *ProducerRepo) scanProducerRow(row pgx.Row) (domain.Producer, error) {
	var out domain.Producer
	var externalIDs []byte
	if err := row.Scan(&out.ID, &out.NormalizedName, &out.DisplayName, &out.Roles, &out.Sources, &externalIDs, &out.InstagramHandle, &out.EnrichmentFailed, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return domain.Producer{}, fmt.Errorf("op=producers.scan normalized_name=%s: %w", out.NormalizedName, err)
	}
	if len(externalIDs) > 0 {
		if err := json.Unmarshal(externalIDs, &out.ExternalIDs); err != nil {
			return domain.Producer{}, fmt.Errorf("op=producers.scan unmarshal external_ids: %w", err)
		}
	}
	return out, nil
}

// AttributeToTrack inserts a TrackProducer attribution row, one row per
// (trackID, producerID, source). When the same source attributes the
// same pair again, the highest confidence is kept (spec.md §4.8
// "Producers: ... keep the highest confidence"); a different source
// gets its own row.
func (r *ProducerRepo) AttributeToTrack(ctx domain.Context, tp domain.TrackProducer) error {
	ctx, end := dbSpan(ctx, "INSERT", "track_producers")
	defer end()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO track_producers (track_id, producer_id, source, confidence, created_at)
		 VALUES ($1,$2,$3,$4, now())
		 ON CONFLICT (track_id, producer_id, source) DO UPDATE SET
		   confidence = GREATEST(track_producers.confidence, EXCLUDED.confidence)`,
		tp.TrackID, tp.ProducerID, tp.Source, tp.Confidence)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("op=track_producers.attribute track_id=%s producer_id=%s: %w", tp.TrackID, tp.ProducerID, domain.ErrMissingRecord)
		}
		return fmt.Errorf("op=track_producers.attribute track_id=%s producer_id=%s: %w", tp.TrackID, tp.ProducerID, err)
	}
	return nil
}

// UpdateSocial writes stage E's enrichment outcome onto the producer
// row, succeeding even when the lookup failed (spec.md §4.8 stage E:
// "unresolved profile ⇒ mark enrichmentFailed=true, still success").
func (r *ProducerRepo) UpdateSocial(ctx domain.Context, producerID, instagramHandle string, enrichmentFailed bool) error {
	ctx, end := dbSpan(ctx, "UPDATE", "producers")
	defer end()
	_, err := r.Pool.Exec(ctx,
		`UPDATE producers SET instagram_handle = $2, enrichment_failed = $3, updated_at = now() WHERE id = $1`,
		producerID, instagramHandle, enrichmentFailed)
	if err != nil {
		return fmt.Errorf("op=producers.update_social producer_id=%s: %w", producerID, err)
	}
	return nil
}
