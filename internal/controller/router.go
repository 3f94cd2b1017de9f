package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/taskmessage/internal/infrastructure/config"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/taskmessage/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Writer         TaskWriter
	Reader         TaskReader
	Checks         map[string]Check
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	Server         config.ServerConfig
	ServiceName    string
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.ServiceName))
	r.Use(chimw.RealIP)
	r.Use(customMW.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Checks)
	taskH := NewTaskController(deps.Writer, deps.Reader)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMW.RateLimit(deps.Server.RateLimitPerMinute))

		r.Post("/tasks", taskH.Create)
		r.Get("/tasks/{taskId}", taskH.Get)
	})

	return r
}
