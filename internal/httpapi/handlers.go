package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/patchworkdata/catalog-pipeline/internal/domain"
)

// tickRunner abstracts worker.Worker[P].RunOnce over its payload type, so
// StageEndpoint can hold one without a generic parameter of its own.
type tickRunner func(ctx domain.Context) error

// seedFunc accepts a stage's admin seed body (stage A only, per spec.md
// §6.1) and enqueues the corresponding work item.
type seedFunc func(ctx domain.Context, body []byte) (string, error)

// StageEndpoint implements spec.md §6.1's per-stage contract: tick, health,
// and (for the seed-capable stage) admin seed/reset actions.
type StageEndpoint struct {
	Name  string
	Queue domain.Queue

	Tick tickRunner
	Seed seedFunc // nil for every stage but Artist
}

type tickRequest struct {
	Action     string          `json:"action,omitempty"`
	ArtistID   string          `json:"artistId,omitempty"`
	ArtistName string          `json:"artistName,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// TickHandler implements POST /<stage>: reset, seed (stage A), or tick
// (default, empty body) depending on the decoded request.
func (e *StageEndpoint) TickHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req tickRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, domain.ErrInvalidArgument, err.Error())
				return
			}
		}

		switch req.Action {
		case "reset":
			if err := e.Queue.DropAndRecreate(ctx, e.Name); err != nil {
				writeError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		case "":
			if e.Seed != nil && (req.ArtistID != "" || req.ArtistName != "") {
				body, _ := json.Marshal(req)
				msg, err := e.Seed(ctx, body)
				if err != nil {
					writeError(w, err, nil)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
				return
			}
			if err := e.Tick(ctx); err != nil {
				writeError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		default:
			writeError(w, domain.ErrInvalidArgument, "unknown action: "+req.Action)
		}
	}
}

type healthResponse struct {
	Queue          string `json:"queue"`
	PendingCount   int    `json:"pendingCount"`
	VisibilityTime int    `json:"visibilityTimeoutSec"`
}

// HealthHandler implements GET /<stage>/health.
func (e *StageEndpoint) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		count, err := e.Queue.PendingCount(ctx, e.Name)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Queue: e.Name, PendingCount: count, VisibilityTime: 30})
	}
}
