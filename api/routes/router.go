package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billing-backend/api/controllers"
	contractcontrollers "github.com/angelmondragon/billing-backend/api/controllers/contracts"
	eventcontrollers "github.com/angelmondragon/billing-backend/api/controllers/events"
	productcontrollers "github.com/angelmondragon/billing-backend/api/controllers/products"
	subscriptioncontrollers "github.com/angelmondragon/billing-backend/api/controllers/subscriptions"
	webhookcontrollers "github.com/angelmondragon/billing-backend/api/controllers/webhooks"
	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/contracts"
	"github.com/angelmondragon/billing-backend/internal/products"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	gatewaywebhook "github.com/angelmondragon/billing-backend/internal/webhooks/gateway"
	"github.com/angelmondragon/billing-backend/pkg/auth"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

// cacheStore is the Redis surface the HTTP layer needs.
type cacheStore interface {
	redis.Pinger
	redis.IdempotencyStore
	redis.RateLimiter
}

// Dependencies carries everything the router hands to middleware and controllers.
type Dependencies struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       db.Pinger
	Cache    cacheStore
	Identity auth.IdentityProvider
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Set

	Products      products.Service
	Contracts     contracts.Service
	Subscriptions subscriptions.Service
	BillingEvents billingevents.Service
	WebhookEvents webhookevents.Service
	Callbacks     gatewaywebhook.Service
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	cfg, logg := deps.Config, deps.Logger
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("identity provider required")
	}

	gatePolicy, err := middleware.NewWebhookGatePolicy(cfg.WebhookGate, cfg.App.IsProd())
	if err != nil {
		return nil, err
	}
	var rejections *metrics.IngestionMetrics
	if deps.Metrics != nil {
		rejections = deps.Metrics.Ingestion
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, deps.DB, deps.Cache, logg))
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.WebhookGate(gatePolicy, deps.Cache, rejections, logg)).
			Post("/webhooks/gateway", webhookcontrollers.GatewayCallback(deps.Callbacks, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.CORS(cfg.App.CORSOrigins))
			r.Use(middleware.Auth(deps.Identity, logg))
			r.Use(middleware.Idempotency(deps.Cache, logg))

			r.Get("/products", productcontrollers.ListActive(deps.Products, logg))

			r.Route("/contracts", func(r chi.Router) {
				r.Post("/", contractcontrollers.Initiate(deps.Contracts, logg))
				r.Get("/", contractcontrollers.List(deps.Contracts, logg))
				r.Post("/verify", contractcontrollers.Verify(deps.Contracts, logg))
				r.Post("/{contractId}/cancel", contractcontrollers.Cancel(deps.Contracts, logg))
				r.Post("/{contractId}/primary", contractcontrollers.SetPrimary(deps.Contracts, logg))
			})

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", subscriptioncontrollers.Create(deps.Subscriptions, logg))
				r.Get("/", subscriptioncontrollers.List(deps.Subscriptions, logg))
				r.Get("/{subscriptionId}", subscriptioncontrollers.Get(deps.Subscriptions, logg))
				r.Post("/{subscriptionId}/cancel", subscriptioncontrollers.Cancel(deps.Subscriptions, logg))
				r.Post("/{subscriptionId}/change-plan", subscriptioncontrollers.ChangePlan(deps.Subscriptions, logg))
			})

			r.Get("/billing-events", eventcontrollers.MyBillingEvents(deps.BillingEvents, logg))

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(cfg.Identity.AdminRole, logg))
				r.Post("/products", productcontrollers.AdminCreate(deps.Products, logg))
				r.Post("/products/{productId}/deactivate", productcontrollers.AdminDeactivate(deps.Products, logg))
				r.Get("/webhook-events", eventcontrollers.AdminWebhookEvents(deps.WebhookEvents, logg))
			})
		})
	})

	return r, nil
}
