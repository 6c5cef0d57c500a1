package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/auth"
	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/http/handlers"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/middleware"
	"github.com/signalix/identity/internal/repo"
)

// RouterDeps are the collaborators the router mounts
type RouterDeps struct {
	Service *auth.Service
	Users   repo.UserRepo
	Cache   cache.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Health   map[string]handlers.Pinger

	IPRequestLimit int
	IPWindow       time.Duration
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger, d.Metrics))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.NewHealthHandler(d.Health).ServeHTTP)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	authHandler := handlers.NewAuthHandler(d.Service, d.Users, d.Logger)
	signupHandler := handlers.NewSignupHandler(d.Service.Signup, d.Logger)
	ipLimiter := middleware.NewRateLimiter(d.Cache, d.IPWindow, d.IPRequestLimit, d.Logger, d.Metrics)

	// Public endpoints that send codes or spend attempts share a per-IP budget.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware(ipLimiter, middleware.GetIPKey))

		r.Route("/signup", func(r chi.Router) {
			r.Post("/phone", signupHandler.HandleStartPhone)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", signupHandler.HandleGet)
				r.Delete("/", signupHandler.HandleCancel)
				r.Post("/phone/verify", signupHandler.HandleVerifyPhone)
				r.Post("/email", signupHandler.HandleStartEmail)
				r.Post("/email/verify", signupHandler.HandleVerifyEmail)
				r.Post("/resend", signupHandler.HandleResend)
				r.Post("/complete", signupHandler.HandleComplete)
			})
		})

		r.Route("/challenges", func(r chi.Router) {
			r.Post("/", authHandler.HandleStartChallenge)
			r.Post("/{id}/verify", authHandler.HandleVerifyChallenge)
			r.Post("/{id}/resend", authHandler.HandleResendChallenge)
			r.Post("/{id}/reset-password", authHandler.HandleResetPassword)
		})

		r.Post("/sessions/refresh", authHandler.HandleRefresh)
	})

	// Protected routes (require a live session)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Service.Sessions))
		r.Get("/me", authHandler.HandleMe)
		r.Get("/sessions", authHandler.HandleListSessions)
		r.Delete("/sessions", authHandler.HandleRevokeAll)
		r.Delete("/sessions/{id}", authHandler.HandleRevokeSession)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	return r
}
