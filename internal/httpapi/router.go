package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/home-lang/esmtpd/internal/logger"
	"github.com/home-lang/esmtpd/internal/metrics"
)

// RouterConfig wires the dependencies NewRouter needs to mount the
// operational endpoints. Version identifies the running build in /health.
type RouterConfig struct {
	DBPool  *pgxpool.Pool
	Logger  *slog.Logger
	Version string
}

// NewRouter builds the chi router serving /health, /ready, /live and
// /metrics, following the teacher's cmd/server/main.go middleware stack
// (request ID, structured logging, recoverer, CORS, metrics).
func NewRouter(cfg RouterConfig) (*chi.Mux, *HealthHandler) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	health := NewHealthHandler(HealthConfig{DBPool: cfg.DBPool, Version: cfg.Version})
	r.Get("/health", health.Health)
	r.Get("/ready", health.Readiness)
	r.Get("/live", health.Liveness)
	r.Handle("/metrics", metrics.Handler())

	return r, health
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())
			ctx := logger.SetCorrelationID(r.Context(), requestID)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.WithCorrelationID(ctx, log).Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
