package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/webrana/inbound-smtpd/internal/health"
	appLogger "github.com/webrana/inbound-smtpd/internal/logger"
	"github.com/webrana/inbound-smtpd/internal/metrics"
)

// RouterConfig assembles everything NewRouter needs to mount the admin API.
type RouterConfig struct {
	Handler        *Handler
	Auth           *AuthMiddleware
	Health         *health.Handler
	SMTPHealth     *health.SMTPHandler
	Logger         *slog.Logger
	AllowedOrigins []string
}

// NewRouter builds the admin API's HTTP surface: health/readiness/liveness
// probes and /metrics are open, operator endpoints sit behind AuthMiddleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(structuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Readiness)
	r.Get("/live", cfg.Health.Liveness)
	if cfg.SMTPHealth != nil {
		r.Get("/health/smtp", cfg.SMTPHealth.SMTPHealth)
	}
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", cfg.Handler.Login)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Authenticate)
			r.Get("/status", cfg.Handler.Status)
			r.Get("/messages", cfg.Handler.RecentMessages)
		})
	})

	return r
}

// structuredLogger logs each admin API request as a JSON line carrying
// chi's request_id, mirroring the conn_id correlation SMTP sessions use.
func structuredLogger(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())
			ctx := appLogger.SetCorrelationID(r.Context(), requestID)
			r = r.WithContext(ctx)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("admin api request",
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
