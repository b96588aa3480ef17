package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/middleware"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

type stubBillingEvents struct {
	userID uuid.UUID
	params pagination.Params
}

func (s *stubBillingEvents) ListForUser(_ context.Context, userID uuid.UUID, params pagination.Params) ([]models.BillingEvent, string, error) {
	s.userID = userID
	s.params = params
	return []models.BillingEvent{{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: "payment.completed",
		EventData: json.RawMessage(`{"reference_id":"201"}`),
		Severity:  enums.SeverityInfo,
		CreatedAt: time.Now().UTC(),
	}}, "next-cursor", nil
}

type stubWebhookEvents struct {
	params pagination.Params
}

func (s *stubWebhookEvents) List(_ context.Context, params pagination.Params) ([]webhookevents.WebhookEventDTO, string, error) {
	s.params = params
	return []webhookevents.WebhookEventDTO{{ID: uuid.New(), Source: "gateway"}}, "", nil
}

func TestMyBillingEventsPages(t *testing.T) {
	svc := &stubBillingEvents{}
	userID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing-events?limit=10&cursor=abc", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
	resp := httptest.NewRecorder()

	MyBillingEvents(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if svc.userID != userID || svc.params.Limit != 10 || svc.params.Cursor != "abc" {
		t.Fatalf("unexpected call user=%s params=%+v", svc.userID, svc.params)
	}
	var envelope struct {
		Data []struct {
			EventType string          `json:"event_type"`
			EventData json.RawMessage `json:"event_data"`
		} `json:"data"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelope.Data) != 1 || envelope.Data[0].EventType != "payment.completed" {
		t.Fatalf("unexpected data %+v", envelope.Data)
	}
	if envelope.NextCursor != "next-cursor" {
		t.Fatalf("expected next cursor, got %q", envelope.NextCursor)
	}
}

func TestMyBillingEventsRejectsOversizedLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing-events?limit=100000", nil)
	req = req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
	resp := httptest.NewRecorder()

	MyBillingEvents(&stubBillingEvents{}, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
}

func TestAdminWebhookEventsDefaultsLimit(t *testing.T) {
	svc := &stubWebhookEvents{}
	resp := httptest.NewRecorder()

	AdminWebhookEvents(svc, logger.Nop()).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/admin/webhook-events", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if svc.params.Limit != pagination.DefaultLimit {
		t.Fatalf("expected default limit, got %d", svc.params.Limit)
	}
}
