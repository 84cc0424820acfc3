package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Observability считает запросы по шаблону маршрута и пишет access log.
func Observability(m *metrics.Metrics, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := pathPattern(r)
			d := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(r.Method, path, strconv.Itoa(status), d)

			log.Debug("http request",
				"req_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", path,
				"status", status,
				"duration", d.String(),
			)
		})
	}
}

// pathPattern не даёт order id попасть в метки.
func pathPattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
