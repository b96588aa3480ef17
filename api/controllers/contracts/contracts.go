package contracts

import (
	"net/http"
	"time"

	"github.com/angelmondragon/billing-backend/api/controllers/callercontext"
	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	contractsvc "github.com/angelmondragon/billing-backend/internal/contracts"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type initiateRequest struct {
	Mobile          string    `json:"mobile" validate:"required,mobile"`
	SSN             string    `json:"ssn,omitempty" validate:"omitempty,numeric,len=10"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxDailyCount   int       `json:"max_daily_count" validate:"gt=0"`
	MaxMonthlyCount int       `json:"max_monthly_count" validate:"gt=0"`
	MaxAmount       int64     `json:"max_amount" validate:"gt=0"`
}

type verifyRequest struct {
	Authority string `json:"authority" validate:"required"`
	Status    string `json:"status" validate:"required"`
	BankCode  string `json:"bank_code,omitempty"`
}

// Initiate starts a direct-debit contract and returns the signing authority and bank list.
func Initiate(svc contractsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "contract service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload initiateRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Initiate(r.Context(), userID, contractsvc.InitiateInput{
			Mobile:          payload.Mobile,
			SSN:             payload.SSN,
			ExpiresAt:       payload.ExpiresAt,
			MaxDailyCount:   payload.MaxDailyCount,
			MaxMonthlyCount: payload.MaxMonthlyCount,
			MaxAmount:       payload.MaxAmount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// Verify exchanges the signed authority for a contract signature.
func Verify(svc contractsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "contract service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload verifyRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Verify(r.Context(), userID, contractsvc.VerifyInput{
			Authority: payload.Authority,
			Status:    payload.Status,
			BankCode:  payload.BankCode,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func List(svc contractsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "contract service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items, err := svc.List(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, items)
	}
}

// Cancel revokes the contract at the gateway and cancels the subscriptions it backs.
func Cancel(svc contractsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "contract service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		contractID, err := callercontext.PathUUID(r, "contractId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Cancel(r.Context(), userID, contractID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func SetPrimary(svc contractsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "contract service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		contractID, err := callercontext.PathUUID(r, "contractId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		contract, err := svc.SetPrimary(r.Context(), userID, contractID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, contract)
	}
}
