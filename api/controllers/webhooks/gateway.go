package webhooks

import (
	"io"
	"net/http"

	"github.com/angelmondragon/billing-backend/api/responses"
	gatewaywebhook "github.com/angelmondragon/billing-backend/internal/webhooks/gateway"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const maxCallbackBytes = 64 << 10

// GatewayCallback records and processes a payment callback. The gate middleware has already run.
// Any accepted callback answers 200 so the gateway stops redelivering; the body reports what happened.
func GatewayCallback(svc gatewaywebhook.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		receipt, err := svc.HandleCallback(ctx, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusOK, receipt)
	}
}
