// Package spotify is the stage A/B/C external data source: artist
// resolution, album listing, and track listing. Every API call acquires
// an OAuth token (kept in the client's own cache) and then runs
// circuit breaker → retry → rate limiter check → fetch; API responses
// themselves are not cached. Grounded on the teacher's
// internal/adapter/ai/real/client.go call shape (context-scoped
// requests, response draining, structured error wrapping) adapted from
// one hand-rolled AI provider client to Spotify's Web API.
package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/patchworkdata/catalog-pipeline/internal/breaker"
	"github.com/patchworkdata/catalog-pipeline/internal/cache"
	"github.com/patchworkdata/catalog-pipeline/internal/domain"
	"github.com/patchworkdata/catalog-pipeline/internal/httpclient"
	"github.com/patchworkdata/catalog-pipeline/internal/ratelimiter"
	"github.com/patchworkdata/catalog-pipeline/internal/retry"
)

const (
	authURL = "https://accounts.spotify.com/api/token"
	apiBase = "https://api.spotify.com/v1"

	rateLimitKey    = "spotify"
	breakerName     = "spotify"
	rateLimitMax    = 100
	rateLimitWindow = time.Minute
)

// Client is the Spotify Web API adapter.
type Client struct {
	hc           *httpclient.Client
	breakers     *breaker.Registry
	limiter      ratelimiter.Limiter
	tokenCache   *cache.Cache[string]
	local        *rate.Limiter
	clientID     string
	clientSecret string
}

// New constructs a Client. clientID/clientSecret come from
// config.Config (spec.md §6.4).
func New(hc *httpclient.Client, breakers *breaker.Registry, limiter ratelimiter.Limiter, clientID, clientSecret string) *Client {
	return &Client{
		hc:           hc,
		breakers:     breakers,
		limiter:      limiter,
		tokenCache:   cache.New[string]("spotify-token", 4),
		local:        rate.NewLimiter(rate.Every(time.Second/10), 10),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Artist is the subset of Spotify's artist object this pipeline needs.
type Artist struct {
	ID   string
	Name string
}

// Album is the subset of Spotify's album object needed by stage B,
// including the fields the dedup rules in spec.md §4.8 inspect
// (AlbumGroup, PrimaryArtistID).
type Album struct {
	ID              string
	Name            string
	ReleaseDate     string
	AlbumGroup      string
	PrimaryArtistID string
}

// Track is the subset of Spotify's track object needed by stage C.
type Track struct {
	ID              string
	Name            string
	DurationMs      int64
	PrimaryArtistID string
}

// Page carries one page of results plus whether another page follows.
type Page[T any] struct {
	Items   []T
	HasMore bool
	Offset  int
}

func (c *Client) callEndpoint(name string) string { return breakerName + "-" + name }

// token returns a cached bearer token, fetching a fresh one via the
// client-credentials grant when absent or expired.
func (c *Client) token(ctx context.Context) (string, error) {
	return c.tokenCache.GetOrFetch(ctx, "bearer", func(ctx context.Context) (string, error) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
		req.Header.Set("Authorization", "Basic "+auth)

		var tok struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := c.doJSON(ctx, req, "token", &tok); err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}, 50*time.Minute, 10*time.Second)
}

// doJSON runs req under the breaker, rate limiter and retry chain
// (spec.md §4.8), decoding a 2xx JSON body into out.
func (c *Client) doJSON(ctx context.Context, req *http.Request, endpoint string, out any) error {
	cb := c.breakers.GetOrCreate(ctx, c.callEndpoint(endpoint), breaker.DefaultOptions)

	return cb.Fire(ctx, func(ctx context.Context) error {
		return retry.WithRateLimitedRetry(ctx, rateLimitKey, func(ctx context.Context) error {
			allowed, err := c.limiter.CanProceed(ctx, rateLimitKey, rateLimitMax, rateLimitWindow, 0)
			if err != nil {
				return fmt.Errorf("op=spotify.ratelimit endpoint=%s: %w", endpoint, err)
			}
			if !allowed {
				return fmt.Errorf("op=spotify.ratelimit endpoint=%s: %w", endpoint, domain.ErrRateLimited)
			}

			resp, err := c.hc.Do(ctx, req.Clone(ctx), c.local)
			if err != nil {
				return fmt.Errorf("op=spotify.do endpoint=%s: %w", endpoint, err)
			}
			defer httpclient.DrainAndClose(resp)

			if resp.StatusCode == http.StatusTooManyRequests {
				cb.RecordFailure(resp)
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: spotify 429", domain.ErrUpstreamRateLimit)}
			}
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: spotify %d", domain.ErrAuthorization, resp.StatusCode)}
			}
			if resp.StatusCode == http.StatusNotFound {
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("%w: spotify 404", domain.ErrNotFound)}
			}
			if resp.StatusCode >= 400 {
				return &retry.HTTPError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("op=spotify.status endpoint=%s status=%d", endpoint, resp.StatusCode)}
			}
			if out == nil {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
	})
}

func (c *Client) authedRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=spotify.token: %w", err)
	}
	u := apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

// SearchArtist resolves an artist name to its Spotify id (spec.md
// §4.8 stage A "name→id resolvable").
func (c *Client) SearchArtist(ctx context.Context, name string) (Artist, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/search", url.Values{
		"q": {name}, "type": {"artist"}, "limit": {"1"},
	})
	if err != nil {
		return Artist{}, err
	}
	var out struct {
		Artists struct {
			Items []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"items"`
		} `json:"artists"`
	}
	if err := c.doJSON(ctx, req, "search-artist", &out); err != nil {
		return Artist{}, err
	}
	if len(out.Artists.Items) == 0 {
		return Artist{}, fmt.Errorf("op=spotify.search_artist name=%q: %w", name, domain.ErrNotFound)
	}
	return Artist{ID: out.Artists.Items[0].ID, Name: out.Artists.Items[0].Name}, nil
}

// GetArtist fetches an artist by Spotify id.
func (c *Client) GetArtist(ctx context.Context, id string) (Artist, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/artists/"+id, nil)
	if err != nil {
		return Artist{}, err
	}
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.doJSON(ctx, req, "get-artist", &out); err != nil {
		return Artist{}, err
	}
	return Artist{ID: out.ID, Name: out.Name}, nil
}

// ListAlbums returns one page of an artist's albums, carrying the
// fields stage B's dedup rules need (spec.md §4.8).
func (c *Client) ListAlbums(ctx context.Context, artistID string, offset, limit int) (Page[Album], error) {
	if limit <= 0 {
		limit = 20
	}
	req, err := c.authedRequest(ctx, http.MethodGet, "/artists/"+artistID+"/albums", url.Values{
		"offset":         {strconv.Itoa(offset)},
		"limit":          {strconv.Itoa(limit)},
		"include_groups": {"album,single,compilation,appears_on"},
	})
	if err != nil {
		return Page[Album]{}, err
	}
	var out struct {
		Items []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			ReleaseDate string `json:"release_date"`
			AlbumGroup  string `json:"album_group"`
			Artists     []struct {
				ID string `json:"id"`
			} `json:"artists"`
		} `json:"items"`
		Next *string `json:"next"`
	}
	if err := c.doJSON(ctx, req, "list-albums", &out); err != nil {
		return Page[Album]{}, err
	}
	items := make([]Album, 0, len(out.Items))
	for _, it := range out.Items {
		primary := ""
		if len(it.Artists) > 0 {
			primary = it.Artists[0].ID
		}
		items = append(items, Album{
			ID: it.ID, Name: it.Name, ReleaseDate: it.ReleaseDate,
			AlbumGroup: it.AlbumGroup, PrimaryArtistID: primary,
		})
	}
	return Page[Album]{Items: items, HasMore: out.Next != nil, Offset: offset + limit}, nil
}

// ListTracks returns one page of an album's tracks.
func (c *Client) ListTracks(ctx context.Context, albumID string, offset, limit int) (Page[Track], error) {
	if limit <= 0 {
		limit = 50
	}
	req, err := c.authedRequest(ctx, http.MethodGet, "/albums/"+albumID+"/tracks", url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	})
	if err != nil {
		return Page[Track]{}, err
	}
	var out struct {
		Items []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			DurationMs int64  `json:"duration_ms"`
			Artists    []struct {
				ID string `json:"id"`
			} `json:"artists"`
		} `json:"items"`
		Next *string `json:"next"`
	}
	if err := c.doJSON(ctx, req, "list-tracks", &out); err != nil {
		return Page[Track]{}, err
	}
	items := make([]Track, 0, len(out.Items))
	for _, it := range out.Items {
		primary := ""
		if len(it.Artists) > 0 {
			primary = it.Artists[0].ID
		}
		items = append(items, Track{ID: it.ID, Name: it.Name, DurationMs: it.DurationMs, PrimaryArtistID: primary})
	}
	return Page[Track]{Items: items, HasMore: out.Next != nil, Offset: offset + limit}, nil
}
