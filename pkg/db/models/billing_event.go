package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// BillingEvent is an append-only audit record of a billing state transition.
type BillingEvent struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID *uuid.UUID      `gorm:"column:subscription_id;type:uuid"`
	PaymentID      *uuid.UUID      `gorm:"column:payment_id;type:uuid"`
	ContractID     *uuid.UUID      `gorm:"column:contract_id;type:uuid"`
	EventType      string          `gorm:"column:event_type;not null"`
	EventData      json.RawMessage `gorm:"column:event_data;type:jsonb;not null"`
	Severity       enums.Severity  `gorm:"column:severity;type:billing_event_severity;not null;default:'info'"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}
