package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dchest/uniuri"
)

type requestIDKey struct{}

// withRequestID stamps every request with a short correlation id (logged
// around /view.mp4 requests for I/O heavy responses), and echoes it back
// as a response header so a client can report it alongside a support
// request.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uniuri.NewLen(12)
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// requestLogger logs one structured line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lw, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lw.status,
				"bytes", lw.length,
				"duration", time.Since(start),
				"request_id", requestID(r.Context()),
				"remote_addr", r.RemoteAddr)
		})
	}
}
