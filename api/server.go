/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Access log: zap, one line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Request context deadline
  6. Body limit: MaxBodyBytes per request body (413)
  7. CORS:       Cross-origin requests for frontends

  Under /api additionally:
  8. Authenticate: bearer token -> leave.Identity (401 / 403 otherwise)
  9. Rate limit:   token bucket per tenant and user (429), idle buckets pruned

ROUTE GROUPS:
  /healthz               Liveness + storage ping (no auth)
  /api/*                 Authenticated API (see handlers.go)
  /api/scenarios/*       Demo scenarios (DEV_MODE only, no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Auth, rate limit, access log
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	CORSOrigins []string
	RateLimit   float64 // requests per second per caller; 0 disables
	RateBurst   int
	Timeout     time.Duration
	DevMode     bool // mounts /api/scenarios
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(middleware.RequestSize(MaxBodyBytes))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match", TenantHeader},
		ExposedHeaders:   []string{"ETag", "Location"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		if cfg.DevMode {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			if cfg.RateLimit > 0 {
				burst := cfg.RateBurst
				if burst <= 0 {
					burst = int(cfg.RateLimit) + 1
				}
				r.Use(h.rateLimit(newLimiters(rate.Limit(cfg.RateLimit), burst)))
			}

			r.Get("/me", h.Me)

			// Request routes
			r.Route("/requests", func(r chi.Router) {
				r.Get("/", h.ListRequests)
				r.Post("/", h.CreateRequest)
				r.Get("/{id}", h.GetRequest)
				r.Post("/{id}/submit", h.SubmitRequest)
				r.Post("/{id}/decision", h.DecideRequest)
				r.Post("/{id}/cancel", h.CancelRequest)
			})

			// User routes (balances for everyone, the rest admin only)
			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateUser)
				r.Get("/{id}/balances", h.GetBalances)
				r.Put("/{id}/role", h.ChangeRole)
				r.Put("/{id}/manager", h.AssignManager)
				r.Delete("/{id}", h.OffboardUser)
			})

			// Leave type routes
			r.Route("/leave-types", func(r chi.Router) {
				r.Get("/", h.ListLeaveTypes)
				r.Post("/", h.CreateLeaveType)
				r.Put("/{id}", h.ReviseLeaveType)
			})

			// Balance administration
			r.Route("/balances", func(r chi.Router) {
				r.Post("/accrue", h.Accrue)
				r.Post("/rebuild", h.Rebuild)
			})
		})
	})

	return r
}
