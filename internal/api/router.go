package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/scentmatch/metering/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Credit gate
	ConsumeCredits http.HandlerFunc
	CreditStatus   http.HandlerFunc
	ListUsage      http.HandlerFunc

	// Billing
	StripeWebhook http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	WebhookRateLimiter func(http.Handler) http.Handler
	// HealthChecks are run by the readiness probe, keyed by component name.
	// A nil check reports "not configured".
	HealthChecks map[string]HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for name, check := range cfg.HealthChecks {
			switch {
			case check == nil:
				health[name] = "not configured"
			case check(r.Context()) != nil:
				health[name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
			default:
				health[name] = "healthy"
			}
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Stripe calls this unauthenticated; the payload signature is the credential.
		r.Route("/billing", func(r chi.Router) {
			if cfg.WebhookRateLimiter != nil {
				r.Use(cfg.WebhookRateLimiter)
			}
			r.Post("/stripe/webhook", h.StripeWebhook)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/credits", func(r chi.Router) {
				r.Get("/", h.CreditStatus)
				r.Post("/consume", h.ConsumeCredits)
				r.Get("/usage", h.ListUsage)
			})
		})
	})

	return r
}
