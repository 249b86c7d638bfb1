package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/angelmondragon/filepipe-backend/api/responses"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Pinger is a dependency the process needs before it can do useful work.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one readiness dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Filepipe-Service", cfg.Service.Kind)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every check and answers 503 when any of them fails.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Filepipe-Service", cfg.Service.Kind)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		var failed []string
		for _, check := range checks {
			if check.Pinger == nil {
				continue
			}
			if err := check.Pinger.Ping(ctx); err != nil {
				results[check.Name] = err.Error()
				failed = append(failed, check.Name)
				continue
			}
			results[check.Name] = "ok"
		}

		if len(failed) > 0 {
			sort.Strings(failed)
			err := pkgerrors.New(pkgerrors.CodeDependency, "dependencies not ready").
				WithDetails(map[string]any{"checks": results, "failed": failed})
			responses.WriteError(r.Context(), logg, w, http.StatusServiceUnavailable, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": results})
	}
}
