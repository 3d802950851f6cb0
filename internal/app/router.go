package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-erp/ledgerd/internal/allocation"
	"github.com/meridian-erp/ledgerd/internal/ledger"
	"github.com/meridian-erp/ledgerd/internal/period"
	"github.com/meridian-erp/ledgerd/internal/reconcile"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	LedgerHandler     *ledger.Handler
	AllocationHandler *allocation.Handler
	PeriodHandler     *period.Handler
	ReconcileHandler  *reconcile.Handler
}

// NewRouter constructs the chi.Router. All domain routes live under one
// tenant scope so every handler resolves the same {tenantID} URL parameter.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1/tenants/{tenantID}", func(r chi.Router) {
		params.LedgerHandler.MountRoutes(r)
		params.AllocationHandler.MountRoutes(r)
		params.PeriodHandler.MountRoutes(r)
		params.ReconcileHandler.MountRoutes(r)
	})

	return r
}
