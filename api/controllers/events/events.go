package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/controllers/callercontext"
	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/api/validators"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

type billingEventLister interface {
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.BillingEvent, string, error)
}

type billingEventResponse struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID *uuid.UUID      `json:"subscription_id,omitempty"`
	PaymentID      *uuid.UUID      `json:"payment_id,omitempty"`
	ContractID     *uuid.UUID      `json:"contract_id,omitempty"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Severity       enums.Severity  `json:"severity"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MyBillingEvents pages through the caller's billing event log, newest first.
func MyBillingEvents(svc billingEventLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing event service unavailable"))
			return
		}
		userID, err := callercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rows, next, err := svc.ListForUser(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]billingEventResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, billingEventResponse{
				ID:             row.ID,
				SubscriptionID: row.SubscriptionID,
				PaymentID:      row.PaymentID,
				ContractID:     row.ContractID,
				EventType:      row.EventType,
				EventData:      row.EventData,
				Severity:       row.Severity,
				CreatedAt:      row.CreatedAt,
			})
		}
		responses.WritePage(w, out, next)
	}
}

// AdminWebhookEvents pages through the inbound callback audit log.
func AdminWebhookEvents(svc webhookevents.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook event service unavailable"))
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items, next, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WritePage(w, items, next)
	}
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{
		Limit:  limit,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}, nil
}
