// Package social implements stage E (spec.md §4.8): resolve a
// producer's social profile via Genius and record it, degrading
// gracefully (enrichmentFailed=true, still a successful run) when no
// profile can be found.
package social

import (
	"errors"
	"fmt"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/genius"
	"github.com/patchworkdata/catalog-pipeline/internal/tracing"
)

// Handler implements worker.Handler[domain.SocialPayload].
type Handler struct {
	Genius    *genius.Client
	Producers domain.ProducerRepository
}

// New constructs a Handler.
func New(g *genius.Client, producers domain.ProducerRepository) *Handler {
	return &Handler{Genius: g, Producers: producers}
}

// Process implements stage E's contract: "unresolved profile ⇒ mark
// enrichmentFailed=true, still success" (spec.md §4.8).
func (h *Handler) Process(ctx domain.Context, span *tracing.Span, msg domain.Message, payload domain.SocialPayload) error {
	handle, failed := h.resolve(ctx, payload.ProducerName)
	span.SetAttribute("social.enrichment_failed", fmt.Sprintf("%t", failed))

	if err := h.Producers.UpdateSocial(ctx, payload.ProducerID, handle, failed); err != nil {
		return fmt.Errorf("op=stage_social.update producer_id=%s: %w", payload.ProducerID, err)
	}
	return nil
}

func (h *Handler) resolve(ctx domain.Context, producerName string) (handle string, failed bool) {
	if h.Genius == nil {
		return "", true
	}
	artistID, err := h.Genius.SearchArtist(ctx, producerName)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return "", true
		}
		return "", true
	}
	profile, err := h.Genius.SocialProfile(ctx, artistID)
	if err != nil || profile.InstagramHandle == "" {
		return "", true
	}
	return profile.InstagramHandle, false
}
