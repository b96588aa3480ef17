package webhookevents

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
)

type WebhookEventDTO struct {
	ID              uuid.UUID       `json:"id"`
	Source          string          `json:"source"`
	EventType       string          `json:"event_type"`
	Authority       *string         `json:"authority,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	Forwarded       bool            `json:"forwarded"`
	ForwardedAt     *time.Time      `json:"forwarded_at,omitempty"`
	ForwardingError *string         `json:"forwarding_error,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toDTO(e models.WebhookEvent) WebhookEventDTO {
	return WebhookEventDTO{
		ID:              e.ID,
		Source:          e.Source,
		EventType:       e.EventType,
		Authority:       e.Authority,
		Payload:         e.Payload,
		Processed:       e.Processed,
		ProcessedAt:     e.ProcessedAt,
		Forwarded:       e.Forwarded,
		ForwardedAt:     e.ForwardedAt,
		ForwardingError: e.ForwardingError,
		ProcessingError: e.ProcessingError,
		CreatedAt:       e.CreatedAt,
	}
}
