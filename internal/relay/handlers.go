// Package relay assembles the HTTP surface served to viewers.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cissieab/framerelay/internal/event"
	"github.com/cissieab/framerelay/internal/platform/logger"
	"github.com/cissieab/framerelay/internal/platform/metrics"
	"github.com/cissieab/framerelay/internal/upstream"
)

// Status is what /latest reports about the relay.
type Status interface {
	ViewerCount() int
	LatestObjectCounts() event.ObjectCountEvent
}

// UpstreamState reports the upstream connection state.
type UpstreamState interface {
	State() upstream.State
}

// Options configures the router.
type Options struct {
	Viewers   http.Handler
	Status    Status
	Upstream  UpstreamState
	Metrics   *metrics.Metrics
	StaticDir string
	Log       *slog.Logger
}

type latestResponse struct {
	Upstream     string          `json:"upstream"`
	Viewers      int             `json:"viewers"`
	ObjectCounts json.RawMessage `json:"object_counts"`
}

// NewRouter builds the relay's routes.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(opts.Log))
	r.Use(metrics.RequestMiddleware(opts.Metrics))

	r.Get("/ws", opts.Viewers.ServeHTTP)
	r.Get("/latest", handleLatest(opts.Status, opts.Upstream, opts.Log))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}

// handleLatest returns upstream state, viewer count and the last object counts.
func handleLatest(status Status, up UpstreamState, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := latestResponse{
			Upstream:     up.State().String(),
			Viewers:      status.ViewerCount(),
			ObjectCounts: json.RawMessage(status.LatestObjectCounts()),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("encode latest", "error", err)
			http.Error(w, "Failed to encode latest", http.StatusInternalServerError)
		}
	}
}
