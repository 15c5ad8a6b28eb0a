package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dvloznov/school-finance/internal/api/middleware"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/jobs"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/go-chi/chi/v5"
)

// JobsHandler handles invoice refresh jobs, including the ones the
// provider webhook triggers.
type JobsHandler struct {
	svc           TransactionService
	publisher     jobs.Publisher
	store         jobs.JobStore
	webhookSecret string
}

// NewJobsHandler creates a new jobs handler. An empty webhookSecret
// accepts every webhook call.
func NewJobsHandler(svc TransactionService, publisher jobs.Publisher, store jobs.JobStore, webhookSecret string) *JobsHandler {
	return &JobsHandler{
		svc:           svc,
		publisher:     publisher,
		store:         store,
		webhookSecret: webhookSecret,
	}
}

// RefreshInvoice handles POST /financial_transactions/{id}/refresh_cora_invoice
func (h *JobsHandler) RefreshInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, err := h.svc.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to refresh invoice")
		return
	}
	if tx.Invoice == nil || tx.Invoice.ProviderID == "" {
		writeServiceError(w, r, &domain.InvalidTransitionError{
			From:   tx.Status,
			Action: "refresh invoice",
			Reason: "transaction has no provider invoice",
		}, "Failed to refresh invoice")
		return
	}

	job := &jobs.RefreshInvoiceJob{TransactionID: tx.ID, Source: jobs.SourceAPI}
	if err := h.publisher.PublishRefreshInvoice(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to enqueue invoice refresh")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue invoice refresh")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

type webhookRequest struct {
	InvoiceID string `json:"invoice_id"`
	ID        string `json:"id"`
}

// CoraWebhook handles POST /webhooks/cora. The body only names the invoice;
// its state is always re-read from the provider.
func (h *JobsHandler) CoraWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.webhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejected webhook with bad secret")
			middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "Failed to accept webhook")
		return
	}
	invoiceID := strings.TrimSpace(req.InvoiceID)
	if invoiceID == "" {
		invoiceID = strings.TrimSpace(req.ID)
	}
	if invoiceID == "" {
		writeServiceError(w, r, domain.NewValidationError("invoice_id", "invoice id is required"), "Failed to accept webhook")
		return
	}

	job := &jobs.RefreshInvoiceJob{InvoiceID: invoiceID, Source: jobs.SourceWebhook}
	if err := h.publisher.PublishRefreshInvoice(ctx, job); err != nil {
		log.Error().Err(err).Str("invoice_id", invoiceID).Msg("Failed to enqueue webhook refresh")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue invoice refresh")
		return
	}

	log.Info().Str("invoice_id", invoiceID).Str("job_id", job.JobID).Msg("Webhook accepted")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.JobID,
	})
}

// GetJob handles GET /jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /jobs?transaction_id&status&limit&offset
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		writeServiceError(w, r, err, "Failed to list jobs")
		return
	}
	offset, err := intParam(query.Get("offset"), "offset")
	if err != nil {
		writeServiceError(w, r, err, "Failed to list jobs")
		return
	}

	list, err := h.store.ListJobs(r.Context(), jobs.JobFilter{
		TransactionID: query.Get("transaction_id"),
		Status:        jobs.JobStatus(query.Get("status")),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}
