package handlers

import (
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/api/middleware"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// TransactionsHandler handles the financial transaction endpoints.
type TransactionsHandler struct {
	svc      TransactionService
	invoices InvoiceService
}

// NewTransactionsHandler creates a new transactions handler. invoices may
// be nil when no provider is configured.
func NewTransactionsHandler(svc TransactionService, invoices InvoiceService) *TransactionsHandler {
	return &TransactionsHandler{svc: svc, invoices: invoices}
}

type createRequest struct {
	Type          domain.TransactionType `json:"transactionType"`
	Amount        decimal.Decimal        `json:"amount"`
	Discount      decimal.Decimal        `json:"discount"`
	LateFee       decimal.Decimal        `json:"lateFee"`
	DueDate       civil.Date             `json:"dueDate"`
	Reference     *domain.Reference      `json:"reference"`
	BillingPeriod string                 `json:"billingPeriod"`
	Description   string                 `json:"description"`
	Observation   string                 `json:"observation"`
}

// Create handles POST /financial_transactions
func (h *TransactionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "Failed to create transaction")
		return
	}

	tx, err := h.svc.Create(r.Context(), finance.CreateInput{
		Type:          req.Type,
		Amount:        req.Amount,
		Discount:      req.Discount,
		LateFee:       req.LateFee,
		DueDate:       req.DueDate,
		Reference:     req.Reference,
		BillingPeriod: req.BillingPeriod,
		Description:   req.Description,
		Observation:   req.Observation,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to create transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, NewTransactionView(tx, h.svc.Today()))
}

// List handles GET /financial_transactions
func (h *TransactionsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), "page")
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}
	perPage, err := intParam(query.Get("perPage"), "perPage")
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}

	today := h.svc.Today()
	q, err := finance.NewListQuery(finance.ListParams{
		Type:    query.Get("type"),
		Status:  query.Get("status"),
		From:    query.Get("startDate"),
		To:      query.Get("endDate"),
		Search:  query.Get("search"),
		Page:    page,
		PerPage: perPage,
	}, today)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}

	result, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": newTransactionViews(result.Items, today),
		"total":        result.Total,
		"page":         result.Page,
		"perPage":      result.PerPage,
	})
}

// Get handles GET /financial_transactions/{id}
func (h *TransactionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to get transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

type updateRequest struct {
	Amount      *decimal.Decimal `json:"amount"`
	Discount    *decimal.Decimal `json:"discount"`
	LateFee     *decimal.Decimal `json:"lateFee"`
	DueDate     *civil.Date      `json:"dueDate"`
	Description *string          `json:"description"`
	Observation *string          `json:"observation"`
}

// Update handles PUT /financial_transactions/{id}
func (h *TransactionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "Failed to update transaction")
		return
	}

	tx, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), finance.UpdateInput{
		Amount:      req.Amount,
		Discount:    req.Discount,
		LateFee:     req.LateFee,
		DueDate:     req.DueDate,
		Description: req.Description,
		Observation: req.Observation,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to update transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

type payRequest struct {
	PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
	PaidDate      *civil.Date          `json:"paidDate"`
}

// Pay handles PUT /financial_transactions/{id}/pay
func (h *TransactionsHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "Failed to pay transaction")
		return
	}

	tx, err := h.svc.Pay(r.Context(), chi.URLParam(r, "id"), finance.PayInput{
		Method:   req.PaymentMethod,
		PaidDate: req.PaidDate,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to pay transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

// Cancel handles PUT /financial_transactions/{id}/cancel
func (h *TransactionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to cancel transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

// GenerateInvoice handles POST /financial_transactions/{id}/generate_cora_invoice
func (h *TransactionsHandler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	if h.invoices == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Invoice provider is not configured")
		return
	}
	tx, err := h.invoices.GenerateInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to generate invoice")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

// CancelInvoice handles POST /financial_transactions/{id}/cancel_cora_invoice
func (h *TransactionsHandler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	if h.invoices == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Invoice provider is not configured")
		return
	}
	tx, err := h.invoices.CancelInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "Failed to cancel invoice")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, NewTransactionView(tx, h.svc.Today()))
}

func intParam(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.NewValidationError(field, "must be an integer")
	}
	return n, nil
}
