package subscriptions

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

type SubscriptionDTO struct {
	ID                 uuid.UUID                `json:"id"`
	ProductID          uuid.UUID                `json:"product_id"`
	Status             enums.SubscriptionStatus `json:"status"`
	StartDate          *time.Time               `json:"start_date,omitempty"`
	EndDate            *time.Time               `json:"end_date,omitempty"`
	NextBillingDate    *time.Time               `json:"next_billing_date"`
	Price              int64                    `json:"price"`
	BillingPeriod      enums.BillingPeriod      `json:"billing_period"`
	ContractID         *uuid.UUID               `json:"contract_id,omitempty"`
	PendingProductID   *uuid.UUID               `json:"pending_product_id,omitempty"`
	PendingPrice       *int64                   `json:"pending_price,omitempty"`
	ProrationCredit    int64                    `json:"proration_credit"`
	CancellationReason *string                  `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
}

// CreateResult carries the new subscription and, for one-off purchases, the payment to complete.
type CreateResult struct {
	Subscription SubscriptionDTO      `json:"subscription"`
	Payment      *payments.PaymentDTO `json:"payment,omitempty"`
	RedirectURL  string               `json:"redirect_url,omitempty"`
}

// ChangePlanResult reports the proration applied by a plan change.
type ChangePlanResult struct {
	Subscription    SubscriptionDTO      `json:"subscription"`
	Mode            enums.EffectiveMode  `json:"effective_mode"`
	Credit          int64                `json:"credit"`
	Charge          int64                `json:"charge"`
	Net             int64                `json:"net"`
	EffectiveDate   time.Time            `json:"effective_date"`
	NextBillingDate *time.Time           `json:"next_billing_date"`
	Payment         *payments.PaymentDTO `json:"payment,omitempty"`
}

func toDTO(s *models.Subscription) SubscriptionDTO {
	return SubscriptionDTO{
		ID:                 s.ID,
		ProductID:          s.ProductID,
		Status:             s.Status,
		StartDate:          s.StartDate,
		EndDate:            s.EndDate,
		NextBillingDate:    s.NextBillingDate,
		Price:              s.Price,
		BillingPeriod:      s.BillingPeriod,
		ContractID:         s.ContractID,
		PendingProductID:   s.PendingProductID,
		PendingPrice:       s.PendingPrice,
		ProrationCredit:    s.ProrationCredit,
		CancellationReason: s.CancellationReason,
		CreatedAt:          s.CreatedAt,
	}
}
