package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/ordertrack/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type RouterOptions struct {
	SwaggerPath string
	Metrics     *metrics.Metrics
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Observability(opts.Metrics, opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.Healthz)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/", h.Login)
		r.Delete("/", h.Logout)
	})

	r.Route("/trackings", func(r chi.Router) {
		r.Get("/", h.ListTrackings)
		r.Get("/{orderId}", h.GetTracking)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Put("/{orderId}", h.InitializeTracking)
			r.Post("/{orderId}/status", h.UpdateStatus)
			r.Post("/{orderId}/events", h.AddEvent)
			r.Put("/{orderId}/live", h.SetLive)
			r.Post("/{orderId}/simulate", h.Simulate)
			r.Post("/{orderId}/subscription", h.Subscribe)
			r.Delete("/{orderId}/subscription", h.Unsubscribe)
		})
	})

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if opts.SwaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.SwaggerPath)
		})

		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.SwaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}
