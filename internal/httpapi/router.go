// Package httpapi implements the HTTP surface over the recording
// storage engine: GET /recordings (JSON summaries), GET /view.mp4
// (synthesized fragmented MP4 with Range support), and the supplemented
// GET /ws/status operational event feed.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/quietstream/nvr/internal/mp4synth"
	"github.com/quietstream/nvr/internal/store/db"
	"github.com/quietstream/nvr/internal/store/index"
)

// NewRouter builds the full HTTP handler: CORS (browsers request
// view.mp4 straight from a <video> tag, frequently cross-origin in
// development), request correlation ids, and structured request
// logging, wrapping the three route handlers.
func NewRouter(database *db.DB, idx *index.Index, builder *mp4synth.Builder, status *StatusHub, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestID)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"Range", "If-Range", "If-None-Match"},
		ExposedHeaders:   []string{"Content-Range", "Accept-Ranges", "ETag", "Content-Length"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	r.Get("/recordings", NewRecordingsHandler(idx).ServeHTTP)
	r.Get("/view.mp4", NewViewHandler(database, builder, logger).ServeHTTP)
	r.Get("/ws/status", status.ServeHTTP)

	return r
}
