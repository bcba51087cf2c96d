package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidmoltin/record-automation/internal/api/rest/handlers"
	customMiddleware "github.com/davidmoltin/record-automation/internal/api/rest/middleware"
	"github.com/davidmoltin/record-automation/internal/websocket"
	"github.com/davidmoltin/record-automation/pkg/config"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// Router holds the HTTP router and dependencies
type Router struct {
	router      *chi.Mux
	logger      *logger.Logger
	handlers    *handlers.Handlers
	tokens      customMiddleware.TokenValidator
	ws          *websocket.Handler
	rateLimiter *customMiddleware.RateLimiter
}

// NewRouter creates a new HTTP router. tokens is nil when operator
// authentication is disabled, ws is nil when streaming is not served.
func NewRouter(log *logger.Logger, h *handlers.Handlers, tokens customMiddleware.TokenValidator, ws *websocket.Handler, cfg config.ServerConfig) *Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(customMiddleware.Metrics())

	// Security middleware
	r.Use(customMiddleware.SecurityHeaders())
	r.Use(customMiddleware.RequestSizeLimit(cfg.MaxRequestBytes))

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	// Security: Never allow "*" with credentials enabled
	allowCredentials := true
	for _, origin := range allowedOrigins {
		if origin == "*" {
			log.Warn("CORS: Wildcard origin '*' detected with credentials enabled. Disabling credentials for security.")
			allowCredentials = false
			break
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", handlers.SignatureHeader},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "X-RateLimit-Limit", "Retry-After"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	return &Router{
		router:      r,
		logger:      log,
		handlers:    h,
		tokens:      tokens,
		ws:          ws,
		rateLimiter: customMiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log),
	}
}

// authenticate applies operator authentication when it is enabled
func (r *Router) authenticate(router chi.Router) {
	if r.tokens != nil {
		router.Use(customMiddleware.JWTAuth(r.tokens, r.logger))
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	// Prometheus metrics endpoint (no auth required)
	r.router.Handle("/metrics", promhttp.Handler())

	// Health endpoints (no auth required)
	r.router.Get("/health", r.handlers.Health.Health)
	r.router.Get("/ready", r.handlers.Health.Ready)

	// Inbound webhooks authenticate with their per-rule signature
	r.router.Post("/webhooks/{ruleId}", r.handlers.Webhook.Receive)

	// Execution stream
	if r.ws != nil {
		r.router.Route("/ws", func(router chi.Router) {
			r.authenticate(router)
			router.Get("/executions", r.ws.HandleWebSocket)
			router.Get("/stats", r.ws.HandleStats)
		})
	}

	// API v1
	r.router.Route("/api/v1", func(router chi.Router) {
		// API Documentation (public)
		router.Route("/docs", func(router chi.Router) {
			router.Get("/", r.handlers.Docs.RedirectToDocs)
			router.Get("/ui", r.handlers.Docs.ServeSwaggerUI)
			router.Get("/openapi.yaml", r.handlers.Docs.ServeOpenAPISpec)
		})

		// Protected routes
		router.Group(func(router chi.Router) {
			r.authenticate(router)
			router.Use(customMiddleware.RateLimit(r.rateLimiter))

			// Rules
			router.Route("/rules", func(router chi.Router) {
				router.Get("/", r.handlers.Rule.List)
				router.Post("/", r.handlers.Rule.Create)
				router.Get("/{id}", r.handlers.Rule.Get)
				router.Put("/{id}", r.handlers.Rule.Update)
				router.Delete("/{id}", r.handlers.Rule.Delete)
				router.Post("/{id}/activate", r.handlers.Rule.Activate)
				router.Post("/{id}/deactivate", r.handlers.Rule.Deactivate)
				router.Post("/{id}/instantiate", r.handlers.Rule.Instantiate)
				router.Post("/{id}/test", r.handlers.Rule.TestRule)
				router.Post("/{id}/execute", r.handlers.Rule.Execute)
				router.Get("/{id}/schedule", r.handlers.Schedule.GetRuleSchedule)
			})

			router.Post("/schedules/validate", r.handlers.Schedule.ValidateCron)

			// Events
			router.Route("/events", func(router chi.Router) {
				router.Get("/", r.handlers.Event.ListEvents)
				router.Post("/", r.handlers.Event.CreateEvent)
			})

			// Executions
			router.Route("/executions", func(router chi.Router) {
				router.Get("/", r.handlers.Execution.ListExecutions)
				router.Get("/{id}", r.handlers.Execution.GetExecution)
				router.Get("/{id}/logs", r.handlers.Execution.GetExecutionLogs)
				router.Post("/{id}/cancel", r.handlers.Execution.CancelExecution)
				router.Post("/{id}/retry", r.handlers.Execution.RetryExecution)
			})

			// Letter drafting (only if a language model is configured)
			if r.handlers.Letter != nil {
				router.Post("/letters/draft", r.handlers.Letter.Draft)
			}
		})
	})
}

// Handler returns the http.Handler
func (r *Router) Handler() http.Handler {
	return r.router
}

// RateLimiter returns the limiter shared by the protected routes
func (r *Router) RateLimiter() *customMiddleware.RateLimiter {
	return r.rateLimiter
}
