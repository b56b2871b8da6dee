package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const traceHeader = "X-Trace-ID"

// instrument wraps the metrics listener's mux. Scrapes arrive every few
// seconds, so requests are logged at debug level and unknown paths share one
// route label.
func instrument(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = NewTraceID()
		}
		ctx := ContextWithTraceID(r.Context(), traceID)
		w.Header().Set(traceHeader, traceID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)
		elapsed := time.Since(start)
		listenerRequestsTotal.WithLabelValues(route, status).Inc()
		listenerRequestDurationSeconds.WithLabelValues(route).Observe(elapsed.Seconds())

		logger.DebugContext(ctx, "metrics_request",
			slog.String("trace_id", traceID),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("status", recorder.status),
			slog.String("duration", elapsed.String()),
			slog.Int("bytes", recorder.bytes),
		)
	})
}

func routeLabel(path string) string {
	switch path {
	case "/metrics", "/healthz":
		return path
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}
