// Package api assembles the HTTP router of the finance service.
package api

import (
	"net/http"

	"github.com/dvloznov/school-finance/internal/api/handlers"
	"github.com/dvloznov/school-finance/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handlers groups the endpoint handlers the router mounts.
type Handlers struct {
	Transactions *handlers.TransactionsHandler
	Reports      *handlers.ReportsHandler
	Jobs         *handlers.JobsHandler
}

// Options tunes the router.
type Options struct {
	// APIKey enables bearer authentication when set.
	APIKey string
	// Metrics mounts /metrics.
	Metrics bool
}

// NewRouter returns the chi router with all routes mounted.
func NewRouter(h Handlers, opts Options, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID(log))
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS)
	r.Use(middleware.Auth(opts.APIKey, "/health", "/metrics", "/webhooks/"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/financial_transactions", func(r chi.Router) {
		r.Post("/", h.Transactions.Create)
		r.Get("/", h.Transactions.List)

		r.Post("/bulk_create_tuitions", h.Reports.BulkCreateTuitions)
		r.Post("/bulk_create_salaries", h.Reports.BulkCreateSalaries)
		r.Get("/cash_flow", h.Reports.CashFlow)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Transactions.Get)
			r.Put("/", h.Transactions.Update)
			r.Put("/pay", h.Transactions.Pay)
			r.Put("/cancel", h.Transactions.Cancel)
			r.Post("/generate_cora_invoice", h.Transactions.GenerateInvoice)
			r.Post("/cancel_cora_invoice", h.Transactions.CancelInvoice)
			r.Post("/refresh_cora_invoice", h.Jobs.RefreshInvoice)
		})
	})

	r.Post("/webhooks/cora", h.Jobs.CoraWebhook)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.Jobs.ListJobs)
		r.Get("/{id}", h.Jobs.GetJob)
	})

	return r
}
