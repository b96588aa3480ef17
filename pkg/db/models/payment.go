package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Payment is a single gateway charge. Amount is in the reference currency, SettlementAmount in the gateway currency.
type Payment struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID   *uuid.UUID          `gorm:"column:subscription_id;type:uuid"`
	ContractID       *uuid.UUID          `gorm:"column:contract_id;type:uuid"`
	Amount           int64               `gorm:"column:amount;not null"`
	SettlementAmount int64               `gorm:"column:settlement_amount;not null"`
	Currency         string              `gorm:"column:currency;not null"`
	Description      string              `gorm:"column:description;not null"`
	Status           enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'pending'"`
	Authority        *string             `gorm:"column:authority;uniqueIndex"`
	ReferenceID      *string             `gorm:"column:reference_id"`
	CardPan          *string             `gorm:"column:card_pan"`
	CardHash         *string             `gorm:"column:card_hash"`
	Fee              *int64              `gorm:"column:fee"`
	FailureReason    *string             `gorm:"column:failure_reason"`
	PaidAt           *time.Time          `gorm:"column:paid_at"`
	FailedAt         *time.Time          `gorm:"column:failed_at"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
