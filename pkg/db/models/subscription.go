package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Subscription binds a user to a product. Price and period are snapshots taken at creation or plan change.
type Subscription struct {
	ID                 uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID             uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	ProductID          uuid.UUID                `gorm:"column:product_id;type:uuid;not null"`
	Status             enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null;default:'pending'"`
	StartDate          *time.Time               `gorm:"column:start_date"`
	EndDate            *time.Time               `gorm:"column:end_date"`
	NextBillingDate    *time.Time               `gorm:"column:next_billing_date"`
	Price              int64                    `gorm:"column:price;not null"`
	BillingPeriod      enums.BillingPeriod      `gorm:"column:billing_period;type:billing_period;not null"`
	ContractID         *uuid.UUID               `gorm:"column:contract_id;type:uuid"`
	PendingProductID   *uuid.UUID               `gorm:"column:pending_product_id;type:uuid"`
	PendingPrice       *int64                   `gorm:"column:pending_price"`
	ProrationCredit    int64                    `gorm:"column:proration_credit;not null;default:0"`
	CancellationReason *string                  `gorm:"column:cancellation_reason"`
	CreatedAt          time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
