package spindle

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

func (s *Spindle) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		queryParams := r.URL.Query()
		queryAttrs := make([]any, 0, len(queryParams))
		for key, values := range queryParams {
			if len(values) == 1 {
				queryAttrs = append(queryAttrs, slog.String(key, values[0]))
			} else {
				queryAttrs = append(queryAttrs, slog.Any(key, values))
			}
		}

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case r.URL.Path == "/events" || r.Method == http.MethodGet && ww.Status() < 400:
			// polling and streaming clients are chatty
			level = slog.LevelDebug
		}

		s.l.LogAttrs(r.Context(), level, "",
			slog.Group("request",
				slog.String("id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Group("query", queryAttrs...),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			),
		)
	})
}
