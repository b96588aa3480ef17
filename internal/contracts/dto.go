package contracts

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

// ContractDTO never exposes the signature. Status is derived, so an expired contract reads as expired.
type ContractDTO struct {
	ID              uuid.UUID            `json:"id"`
	ContractType    enums.ContractType   `json:"contract_type"`
	Status          enums.ContractStatus `json:"status"`
	Mobile          string               `json:"mobile"`
	BankCode        *string              `json:"bank_code,omitempty"`
	BankName        *string              `json:"bank_name,omitempty"`
	MaxDailyCount   int                  `json:"max_daily_count"`
	MaxMonthlyCount int                  `json:"max_monthly_count"`
	MaxAmount       int64                `json:"max_amount"`
	ExpiresAt       time.Time            `json:"expires_at"`
	IsPrimary       bool                 `json:"is_primary"`
	FailureReason   *string              `json:"failure_reason,omitempty"`
	VerifiedAt      *time.Time           `json:"verified_at,omitempty"`
	CancelledAt     *time.Time           `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

type InitiateResult struct {
	ContractID         uuid.UUID      `json:"contract_id"`
	Authority          string         `json:"authority"`
	Banks              []gateway.Bank `json:"banks"`
	SigningURLTemplate string         `json:"signing_url_template"`
}

// VerifyOutcome is the result of exchanging a signed authority.
type VerifyOutcome string

const (
	OutcomeVerified           VerifyOutcome = "verified"
	OutcomeUserCancelled      VerifyOutcome = "user_cancelled"
	OutcomeVerificationFailed VerifyOutcome = "verification_failed"
)

// VerifyResult reports the verdict. ContractVerified is true only when a usable contract came out of it.
type VerifyResult struct {
	Outcome          VerifyOutcome `json:"outcome"`
	ContractVerified bool          `json:"contract_verified"`
	Contract         ContractDTO   `json:"contract"`
	Merged           bool          `json:"merged"`
	Reason           string        `json:"reason,omitempty"`
}

type CancelResult struct {
	Contract                ContractDTO `json:"contract"`
	CanceledSubscriptionIDs []uuid.UUID `json:"canceled_subscription_ids"`
}

func toDTO(c *models.Contract, now time.Time) ContractDTO {
	return ContractDTO{
		ID:              c.ID,
		ContractType:    c.ContractType,
		Status:          c.EffectiveStatus(now),
		Mobile:          c.Mobile,
		BankCode:        c.BankCode,
		BankName:        c.BankName,
		MaxDailyCount:   c.MaxDailyCount,
		MaxMonthlyCount: c.MaxMonthlyCount,
		MaxAmount:       c.MaxAmount,
		ExpiresAt:       c.ExpiresAt,
		IsPrimary:       c.IsPrimary,
		FailureReason:   c.FailureReason,
		VerifiedAt:      c.VerifiedAt,
		CancelledAt:     c.CancelledAt,
		CreatedAt:       c.CreatedAt,
	}
}
