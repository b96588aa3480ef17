package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/billing-backend/internal/products"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	"github.com/angelmondragon/billing-backend/pkg/auth"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

type memoryCache struct {
	mu   sync.Mutex
	data map[string]string
	hits map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string]string{}, hits: map[string]int64{}}
}

func (m *memoryCache) Ping(context.Context) error { return nil }

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (m *memoryCache) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memoryCache) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryCache) SlidingWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[scope]++
	return m.hits[scope] <= limit, m.hits[scope], nil
}

type stubProducts struct{}

func (stubProducts) Create(context.Context, uuid.UUID, products.CreateInput) (*products.ProductDTO, error) {
	return &products.ProductDTO{ID: uuid.New()}, nil
}

func (stubProducts) Deactivate(_ context.Context, _, id uuid.UUID) (*products.ProductDTO, error) {
	return &products.ProductDTO{ID: id}, nil
}

func (stubProducts) ListActive(context.Context) ([]products.ProductDTO, error) {
	return []products.ProductDTO{}, nil
}

type stubWebhookEvents struct{}

func (stubWebhookEvents) List(context.Context, pagination.Params) ([]webhookevents.WebhookEventDTO, string, error) {
	return []webhookevents.WebhookEventDTO{}, "", nil
}

type harness struct {
	handler  http.Handler
	identity config.IdentityConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Env: "dev", CORSOrigins: []string{"http://localhost:3000"}},
		Identity: config.IdentityConfig{
			JWTSecret: "secret",
			Issuer:    "identity",
			AdminRole: "admin",
		},
		WebhookGate: config.WebhookGateConfig{
			UserAgent:       "ZarinPal",
			TimestampHeader: "X-Gateway-Timestamp",
			FreshnessWindow: 5 * time.Minute,
			MaxFutureSkew:   30 * time.Second,
			RateLimit:       60,
			RateWindow:      time.Minute,
		},
	}
	provider, err := auth.NewJWTProvider(cfg.Identity)
	if err != nil {
		t.Fatalf("identity provider: %v", err)
	}
	reg := prometheus.NewRegistry()
	handler, err := NewRouter(Dependencies{
		Config:        cfg,
		Logger:        logger.Nop(),
		DB:            stubPinger{},
		Cache:         newMemoryCache(),
		Identity:      provider,
		Gatherer:      reg,
		Metrics:       metrics.NewSet(reg),
		Products:      stubProducts{},
		WebhookEvents: stubWebhookEvents{},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &harness{handler: handler, identity: cfg.Identity}
}

func (h *harness) token(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := auth.MintSessionToken(h.identity, time.Now(), time.Hour, uuid.New(), roles...)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return "Bearer " + token
}

func (h *harness) do(method, path, authz, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodGet, "/health/live", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/health/ready", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/metrics", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200 got %d", rec.Code)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodGet, "/api/v1/products", "", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/products", h.token(t), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodGet, "/api/v1/admin/webhook-events", h.token(t, "member"), "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/api/v1/admin/webhook-events", h.token(t, "admin"), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestMutatingRoutesRequireIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	body := `{"product_id":"` + uuid.NewString() + `"}`
	if rec := h.do(http.MethodPost, "/api/v1/subscriptions", h.token(t), body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key got %d", rec.Code)
	}
	path := "/api/v1/subscriptions/" + uuid.NewString() + "/change-plan"
	if rec := h.do(http.MethodPost, path, h.token(t), body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key got %d", rec.Code)
	}
}

func TestWebhookRouteIsGated(t *testing.T) {
	h := newHarness(t)
	body := `{"authority":"A1","status":"OK"}`
	rec := h.do(http.MethodPost, "/api/v1/webhooks/gateway", "", body, map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   "curl/8.0",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}
