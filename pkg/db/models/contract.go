package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Contract is a direct-debit authorization signed at the payer's bank.
type Contract struct {
	ID              uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index"`
	ContractType    enums.ContractType   `gorm:"column:contract_type;type:contract_type;not null;default:'pending'"`
	Status          enums.ContractStatus `gorm:"column:status;type:contract_status;not null;default:'pending_signature'"`
	Authority       *string              `gorm:"column:authority;uniqueIndex"`
	Signature       *string              `gorm:"column:signature"`
	Mobile          string               `gorm:"column:mobile;not null"`
	BankCode        *string              `gorm:"column:bank_code"`
	BankName        *string              `gorm:"column:bank_name"`
	MaxDailyCount   int                  `gorm:"column:max_daily_count;not null"`
	MaxMonthlyCount int                  `gorm:"column:max_monthly_count;not null"`
	MaxAmount       int64                `gorm:"column:max_amount;not null"`
	ExpiresAt       time.Time            `gorm:"column:expires_at;not null"`
	IsPrimary       bool                 `gorm:"column:is_primary;not null;default:false"`
	IsActive        bool                 `gorm:"column:is_active;not null;default:false"`
	FailureReason   *string              `gorm:"column:failure_reason"`
	VerifiedAt      *time.Time           `gorm:"column:verified_at"`
	CancelledAt     *time.Time           `gorm:"column:cancelled_at"`
	CreatedAt       time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// EffectiveStatus derives expiry at read time; expired is never persisted.
func (c Contract) EffectiveStatus(now time.Time) enums.ContractStatus {
	if c.Status == enums.ContractStatusActive && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return enums.ContractStatusExpired
	}
	return c.Status
}

// IsChargeable reports whether the contract can back a charge at now.
func (c Contract) IsChargeable(now time.Time) bool {
	return c.EffectiveStatus(now) == enums.ContractStatusActive && c.Signature != nil && *c.Signature != ""
}
