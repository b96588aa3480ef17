package payments

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

type PaymentDTO struct {
	ID               uuid.UUID           `json:"id"`
	SubscriptionID   *uuid.UUID          `json:"subscription_id,omitempty"`
	ContractID       *uuid.UUID          `json:"contract_id,omitempty"`
	Amount           int64               `json:"amount"`
	SettlementAmount int64               `json:"settlement_amount"`
	Currency         string              `json:"currency"`
	Status           enums.PaymentStatus `json:"status"`
	ReferenceID      *string             `json:"reference_id,omitempty"`
	FailureReason    *string             `json:"failure_reason,omitempty"`
	PaidAt           *time.Time          `json:"paid_at,omitempty"`
	FailedAt         *time.Time          `json:"failed_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

func ToDTO(p *models.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	return &PaymentDTO{
		ID:               p.ID,
		SubscriptionID:   p.SubscriptionID,
		ContractID:       p.ContractID,
		Amount:           p.Amount,
		SettlementAmount: p.SettlementAmount,
		Currency:         p.Currency,
		Status:           p.Status,
		ReferenceID:      p.ReferenceID,
		FailureReason:    p.FailureReason,
		PaidAt:           p.PaidAt,
		FailedAt:         p.FailedAt,
		CreatedAt:        p.CreatedAt,
	}
}
