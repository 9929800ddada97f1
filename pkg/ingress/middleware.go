package ingress

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/archbuild/coordinator/pkg/metrics"
)

// statusRecorder captures the status code a handler wrote so the metrics
// middleware can label the request after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestIDHeader carries a per-request correlation ID so a build worker
// or operator can match a response back to the coordinator's log line.
const requestIDHeader = "X-Request-Id"

// withMetrics wraps every route with request count and duration
// observations, labeled by the route pattern the mux matched rather than
// the raw path, so /repo/* and similar wildcards don't explode the label
// cardinality. It also stamps every request with a correlation ID and
// logs its outcome.
func (srv *Server) withMetrics(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, pattern := mux.Handler(r)
		route := pattern
		if route == "" {
			route = r.URL.Path
		}

		requestID := uuid.New().String()
		w.Header().Set(requestIDHeader, requestID)

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.IngressRequestDuration, route)
		metrics.IngressRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		srv.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("handled request")
	})
}
