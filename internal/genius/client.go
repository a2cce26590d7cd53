// Package genius is the stage D/E external data source: producer
// credits for a track and social profile fields for a producer.
// Genius's song resource carries a producer_artists array and its
// artist resource carries instagram_name/twitter_name, so one API
// covers both stages (spec.md §4.8's optional Genius integration).
// Wired like internal/spotify's API calls: circuit breaker → retry →
// rate limiter check → fetch; responses are not cached.
package genius

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/patchworkdata/catalog-pipeline/internal/breaker"
	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/httpclient"
	"github.com/patchworkdata/catalog-pipeline/internal/ratelimiter"
	"github.com/patchworkdata/catalog-pipeline/internal/retry"
)

const (
	apiBase = "https://api.genius.com"

	rateLimitKey    = "genius"
	breakerName     = "genius"
	rateLimitMax    = 60
	rateLimitWindow = time.Minute
)

// Client is the Genius API adapter. A Client with an empty
// accessToken is never constructed; callers check
// config.Config.GeniusEnabled first (spec.md §6.4).
type Client struct {
	hc          *httpclient.Client
	breakers    *breaker.Registry
	limiter     ratelimiter.Limiter
	local       *rate.Limiter
	accessToken string
}

// New constructs a Client.
func New(hc *httpclient.Client, breakers *breaker.Registry, limiter ratelimiter.Limiter, accessToken string) *Client {
	return &Client{
		hc:          hc,
		breakers:    breakers,
		limiter:     limiter,
		local:       rate.NewLimiter(rate.Every(time.Second/5), 5),
		accessToken: accessToken,
	}
}

// Producer is a credited producer on a song.
type Producer struct {
	ID   string
	Name string
}

// SocialProfile carries the handles Genius exposes on an artist page.
type SocialProfile struct {
	InstagramHandle string
}

func (c *Client) callEndpoint(name string) string { return breakerName + "-" + name }

func (c *Client) doJSON(ctx context.Context, req *http.Request, endpoint string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	cb := c.breakers.GetOrCreate(ctx, c.callEndpoint(endpoint), breaker.DefaultOptions)
	return cb.Fire(ctx, func(ctx context.Context) error {
		return retry.WithRateLimitedRetry(ctx, rateLimitKey, func(ctx context.Context) error {
			allowed, err := c.limiter.CanProceed(ctx, rateLimitKey, rateLimitMax, rateLimitWindow, 0)
			if err != nil {
				return fmt.Errorf("op=genius.ratelimit endpoint=%s: %w", endpoint, err)
			}
			if !allowed {
				return fmt.Errorf("op=genius.ratelimit endpoint=%s: %w", endpoint, domain.ErrRateLimited)
			}

			resp, err := c.hc.Do(ctx, req.Clone(ctx), c.local)
			if err != nil {
				return fmt.Errorf("op=genius.do endpoint=%s: %w", endpoint, err)
			}
			defer httpclient.DrainAndClose(resp)

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				cb.RecordFailure(resp)
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: genius 429", domain.ErrUpstreamRateLimit)}
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: genius %d", domain.ErrAuthorization, resp.StatusCode)}
			case resp.StatusCode == http.StatusNotFound:
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: genius 404", domain.ErrNotFound)}
			case resp.StatusCode >= 400:
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("op=genius.status endpoint=%s status=%d", endpoint, resp.StatusCode)}
			}
			if out == nil {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
	})
}

// SearchSong resolves a (track, artist) pair to a Genius song id. A
// miss returns domain.ErrNotFound, which stage D treats as "no
// credits available" rather than a hard failure.
func (c *Client) SearchSong(ctx context.Context, trackName, artistName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBase+"/search?"+url.Values{"q": {trackName + " " + artistName}}.Encode(), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Response struct {
			Hits []struct {
				Result struct {
					ID int `json:"id"`
				} `json:"result"`
			} `json:"hits"`
		} `json:"response"`
	}
	if err := c.doJSON(ctx, req, "search-song", &out); err != nil {
		return "", err
	}
	if len(out.Response.Hits) == 0 {
		return "", fmt.Errorf("op=genius.search_song track=%q: %w", trackName, domain.ErrNotFound)
	}
	return strconv.Itoa(out.Response.Hits[0].Result.ID), nil
}

// CreditedProducers returns the producers Genius lists for a song.
func (c *Client) CreditedProducers(ctx context.Context, songID string) ([]Producer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/songs/"+songID, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Response struct {
			Song struct {
				ProducerArtists []struct {
					ID   int    `json:"id"`
					Name string `json:"name"`
				} `json:"producer_artists"`
			} `json:"song"`
		} `json:"response"`
	}
	if err := c.doJSON(ctx, req, "song-credits", &out); err != nil {
		return nil, err
	}
	producers := make([]Producer, 0, len(out.Response.Song.ProducerArtists))
	for _, p := range out.Response.Song.ProducerArtists {
		producers = append(producers, Producer{ID: strconv.Itoa(p.ID), Name: p.Name})
	}
	return producers, nil
}

// SearchArtist resolves a producer's display name to a Genius artist
// id, for the subsequent social-profile lookup in stage E.
func (c *Client) SearchArtist(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiBase+"/search?"+url.Values{"q": {name}}.Encode(), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Response struct {
			Hits []struct {
				Result struct {
					PrimaryArtist struct {
						ID int `json:"id"`
					} `json:"primary_artist"`
				} `json:"result"`
			} `json:"hits"`
		} `json:"response"`
	}
	if err := c.doJSON(ctx, req, "search-artist", &out); err != nil {
		return "", err
	}
	if len(out.Response.Hits) == 0 {
		return "", fmt.Errorf("op=genius.search_artist name=%q: %w", name, domain.ErrNotFound)
	}
	return strconv.Itoa(out.Response.Hits[0].Result.PrimaryArtist.ID), nil
}

// SocialProfile fetches an artist's social handles.
func (c *Client) SocialProfile(ctx context.Context, artistID string) (SocialProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/artists/"+artistID, nil)
	if err != nil {
		return SocialProfile{}, err
	}
	var out struct {
		Response struct {
			Artist struct {
				InstagramName string `json:"instagram_name"`
			} `json:"artist"`
		} `json:"response"`
	}
	if err := c.doJSON(ctx, req, "artist-social", &out); err != nil {
		return SocialProfile{}, err
	}
	return SocialProfile{InstagramHandle: out.Response.Artist.InstagramName}, nil
}
