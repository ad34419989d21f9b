// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/volscan/internal/api/web"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks run on every readiness probe, keyed by dependency name.
	Checks map[string]Check
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/liveness", liveness(cfg))
	r.Get("/readiness", readiness(cfg))
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		web.Respond(w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}

		if len(failed) > 0 {
			cfg.Log.Warn(ctx, "readiness check failed", "failed", failed)
			web.Respond(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Failed: failed})
			return
		}
		web.Respond(w, http.StatusOK, readyResponse{Status: "ready"})
	}
}
