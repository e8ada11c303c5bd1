package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	AuthEnabled     bool
	AuthToken       string
	CORSOrigins     []string
	MetricsEnabled  bool
	MetricsRegistry *prometheus.Registry
}

// NewRouter assembles the recorder's chi router: request ID propagation,
// structured request logging, panic recovery, CORS, then bearer-token
// auth ahead of every API route.
func NewRouter(api *API, log *zap.Logger, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOriginsOrDefault(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.MetricsEnabled && cfg.MetricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(cfg.AuthEnabled, cfg.AuthToken))

		r.Route("/v1/runs", func(r chi.Router) {
			r.Post("/", api.createRun)
			r.Get("/", api.listRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", api.getRunDetail)
				r.Post("/finalize", api.finalizeRun)
				r.Post("/events", api.ingestEvent)
				r.Get("/events", api.listEvents)
			})
		})

		r.Route("/v1/artifacts", func(r chi.Router) {
			r.Post("/", api.registerArtifact)
			r.Get("/{artifactHash}", api.getArtifact)
		})

		r.Route("/v1/replay-sessions", func(r chi.Router) {
			r.Post("/", api.createReplaySession)
			r.Route("/{replaySessionID}", func(r chi.Router) {
				r.Get("/", api.getReplaySession)
				r.Post("/cancel", api.cancelReplaySession)
			})
		})
	})

	r.NotFound(notFoundHandler)

	return r
}

func corsOriginsOrDefault(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
