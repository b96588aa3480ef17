package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent audits one inbound gateway callback.
type WebhookEvent struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Source          string          `gorm:"column:source;not null"`
	EventType       string          `gorm:"column:event_type;not null"`
	Authority       *string         `gorm:"column:authority;index"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Processed       bool            `gorm:"column:processed;not null;default:false"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at"`
	Forwarded       bool            `gorm:"column:forwarded;not null;default:false"`
	ForwardedAt     *time.Time      `gorm:"column:forwarded_at"`
	ForwardingError *string         `gorm:"column:forwarding_error"`
	ProcessingError *string         `gorm:"column:processing_error"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
}
