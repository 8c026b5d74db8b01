package httpapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quietstream/nvr/internal/model"
	"github.com/quietstream/nvr/internal/mp4synth"
	"github.com/quietstream/nvr/internal/store/db"
)

// resolveWindow turns a parsed RECORDING_SPEC into the single covering
// [start, end) window mp4synth.Builder understands. All groups must
// reference the same stream; relStart/relEnd are ticks relative to
// their group's StartID recording's start time. Multiple groups
// collapse to one covering window rather than a disjoint concatenation
// — this synthesizer produces one continuous fragmented MP4 per
// request, not a playlist of discontiguous ranges.
func resolveWindow(database *db.DB, groups []viewGroup) (streamID int32, start, end model.Clock90k, err error) {
	haveStream := false
	for _, g := range groups {
		startRec, err := database.GetRecording(g.StartID)
		if err != nil {
			return 0, 0, 0, errors.New("httpapi: unknown recording in spec")
		}
		endRec := startRec
		if g.EndID != g.StartID {
			endRec, err = database.GetRecording(g.EndID)
			if err != nil {
				return 0, 0, 0, errors.New("httpapi: unknown recording in spec")
			}
		}
		sid := g.StartID.StreamID()
		if haveStream && sid != streamID {
			return 0, 0, 0, errors.New("httpapi: recording spec mixes streams")
		}
		streamID = sid
		haveStream = true

		groupStart := startRec.StartTime90k
		groupEnd := endRec.EndTime90k()
		if g.RelStart != nil {
			groupStart = startRec.StartTime90k + *g.RelStart
		}
		if g.RelEnd != nil {
			groupEnd = startRec.StartTime90k + *g.RelEnd
		}

		if start == 0 && end == 0 {
			start, end = groupStart, groupEnd
		} else {
			if groupStart < start {
				start = groupStart
			}
			if groupEnd > end {
				end = groupEnd
			}
		}
	}
	if !haveStream {
		return 0, 0, 0, errors.New("httpapi: empty recording spec")
	}
	return streamID, start, end, nil
}

// ViewHandler serves GET /view.mp4.
type ViewHandler struct {
	database *db.DB
	builder  *mp4synth.Builder
	logger   *slog.Logger
}

// NewViewHandler constructs a ViewHandler.
func NewViewHandler(database *db.DB, builder *mp4synth.Builder, logger *slog.Logger) *ViewHandler {
	return &ViewHandler{database: database, builder: builder, logger: logger}
}

func (h *ViewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	specParam := r.URL.Query().Get("s")
	groups, err := parseViewSpec(specParam)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// ts=1 requests a subtitle timestamp track alongside video. No
	// example in this codebase's dependency corpus demonstrates building
	// an ISO/IEC 14496-12 text/timecode trak with mediacommon's fmp4
	// package, so the flag is accepted and logged but does not yet
	// change the output; see DESIGN.md.
	if r.URL.Query().Get("ts") == "1" {
		h.logger.Warn("view.mp4: ts=1 subtitle timestamp track requested but not implemented", "request_id", requestID(r.Context()))
	}

	streamID, start, end, err := resolveWindow(h.database, groups)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.builder.Build(r.Context(), streamID, start, end)
	if err != nil {
		if errors.Is(err, mp4synth.ErrNoRecordings) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("view.mp4: build failed", "error", err, "request_id", requestID(r.Context()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", out.ETag)
	w.Header().Set("Content-Type", out.ContentType)
	http.ServeContent(w, r, "view.mp4", out.LastModified, bytes.NewReader(out.Data))
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
