package main

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/propelr/propelr/internal/cache"
	"github.com/propelr/propelr/internal/config"
	"github.com/propelr/propelr/internal/handler"
	"github.com/propelr/propelr/internal/middleware"
	"github.com/propelr/propelr/internal/model"
)

// routes bundles what setupRouter mounts.
type routes struct {
	index    *handler.Handler
	health   *handler.HealthHandler
	metrics  *handler.MetricsHandler
	flows    *handler.FlowHandler
	accounts *handler.AccountHandler
	resolver middleware.IdentityResolver
	cache    *cache.Cache
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(rt routes, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment()}))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	r.Use(middleware.CORS(corsCfg))
	r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))

	r.Get("/", rt.index.Index)
	r.Get("/healthz", rt.health.Healthz)
	r.Get("/readyz", rt.health.Readyz)
	r.Get("/metrics", rt.metrics.Metrics)

	authCfg := middleware.AuthConfig{
		Logger:   logger,
		Resolver: rt.resolver,
	}
	rateLimitCfg := middleware.RateLimitConfig{
		Logger:          logger,
		Cache:           rt.cache,
		IdentityEnabled: cfg.RateLimitAPIEnabled,
		IdentityRPM:     cfg.RateLimitAPIRPM,
		IdentityBurst:   cfg.RateLimitAPIBurst,
		IPEnabled:       cfg.RateLimitIPEnabled,
		IPRPS:           cfg.RateLimitIPRPS,
		IPBurst:         cfg.RateLimitIPBurst,
	}

	r.Route("/api", func(r chi.Router) {
		// Account routes carry no credential; limit them per client IP.
		r.Route("/users", func(r chi.Router) {
			r.Use(middleware.RateLimitIP(rateLimitCfg))
			r.Use(middleware.RequireJSON)
			r.Post("/register", rt.accounts.Register)
			r.Post("/login", rt.accounts.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authCfg))
			r.Use(middleware.RateLimitIdentity(rateLimitCfg))

			r.Route("/flows", func(r chi.Router) {
				r.Get("/", rt.flows.List)
				r.With(middleware.RequireJSON, middleware.RequirePermission(model.PermCreate)).Post("/", rt.flows.Create)
				r.Get("/{id}", rt.flows.Get)
				r.With(middleware.RequirePermission(model.PermDelete)).Delete("/{id}", rt.flows.Delete)
				r.With(middleware.RequirePermission(model.PermExecute)).Get("/{id}/execute", rt.flows.Execute)
				r.With(middleware.RequirePermission(model.PermStart)).Get("/{id}/start", rt.flows.Start)
				r.With(middleware.RequirePermission(model.PermStop)).Get("/{id}/stop", rt.flows.Stop)
				r.Get("/{id}/runs", rt.flows.Runs)
			})

			r.Route("/developers/keys", func(r chi.Router) {
				r.Use(middleware.RequireBearer)
				r.With(middleware.RequireJSON).Post("/", rt.accounts.CreateKey)
				r.Get("/", rt.accounts.ListKeys)
			})
		})
	})

	r.NotFound(rt.index.NotFound)
	r.MethodNotAllowed(rt.index.MethodNotAllowed)

	return r
}
