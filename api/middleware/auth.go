package middleware

import (
	"net/http"

	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/pkg/auth"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// Auth resolves the caller through the identity provider and seeds the request context with the session.
func Auth(provider auth.IdentityProvider, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := provider.GetSession(r.Context(), r.Header)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			if session == nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			ctx := WithUserID(r.Context(), session.UserID.String())
			ctx = WithRoles(ctx, session.Roles)
			if logg != nil {
				ctx = logg.WithUserID(ctx, session.UserID.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
