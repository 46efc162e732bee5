package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JakeFAU/mediascrape/internal/metrics"
	"github.com/JakeFAU/mediascrape/internal/shutdown"
)

// StateReporter exposes the shutdown phase.
type StateReporter interface {
	State() shutdown.State
}

// NewRouter serves liveness, readiness and Prometheus metrics.
func NewRouter(state StateReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		current := state.State()
		code := http.StatusOK
		if current != shutdown.StateRunning {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"state": current.String()})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
