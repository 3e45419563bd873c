package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"chainpay/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Observe logs each request and records it against the HTTP metrics registry.
// The route label is the mounted pattern, not the concrete path, so entity IDs
// never leak into metric cardinality.
func Observe(log *slog.Logger, route string) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	metrics := observability.HTTP()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			elapsed := time.Since(started)
			metrics.RecordRequest(r.Method, route, recorder.status, elapsed)
			log.Info("request handled",
				"method", r.Method,
				"route", route,
				"status", recorder.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}
