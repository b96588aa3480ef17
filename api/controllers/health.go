package controllers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/billing-backend/api/responses"
	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const readinessTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Billing-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the database and Redis concurrently; either failing marks the instance unready.
func HealthReady(cfg *config.Config, db pinger, cache pinger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Billing-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var dbErr, cacheErr error
		var g errgroup.Group
		g.Go(func() error {
			dbErr = ping(ctx, db, "database")
			return nil
		})
		g.Go(func() error {
			cacheErr = ping(ctx, cache, "redis")
			return nil
		})
		_ = g.Wait()

		checks := map[string]string{"database": status(dbErr), "redis": status(cacheErr)}
		if dbErr != nil || cacheErr != nil {
			if logg != nil {
				logg.Warn(logg.WithFields(r.Context(), map[string]any{
					"database_error": errString(dbErr),
					"redis_error":    errString(cacheErr),
				}), "health.not_ready")
			}
			responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}

		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}

func ping(ctx context.Context, dep pinger, name string) error {
	if dep == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, name+" not configured")
	}
	return dep.Ping(ctx)
}

func status(err error) string {
	if err != nil {
		return "unavailable"
	}
	return "ok"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
