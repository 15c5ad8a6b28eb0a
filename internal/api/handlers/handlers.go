// Package handlers implements the HTTP endpoints of the finance API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/api/middleware"
	"github.com/dvloznov/school-finance/internal/bulk"
	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/shopspring/decimal"
)

// TransactionService is the transaction lifecycle the API drives.
type TransactionService interface {
	Create(ctx context.Context, in finance.CreateInput) (*domain.Transaction, error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	List(ctx context.Context, q finance.ListQuery) (*finance.Page, error)
	Update(ctx context.Context, id string, in finance.UpdateInput) (*domain.Transaction, error)
	Pay(ctx context.Context, id string, in finance.PayInput) (*domain.Transaction, error)
	Cancel(ctx context.Context, id string) (*domain.Transaction, error)
	Today() civil.Date
}

// InvoiceService issues and withdraws provider invoices.
type InvoiceService interface {
	GenerateInvoice(ctx context.Context, txID string) (*domain.Transaction, error)
	CancelInvoice(ctx context.Context, txID string) (*domain.Transaction, error)
}

// BulkRunner runs one bulk generation.
type BulkRunner interface {
	Run(ctx context.Context, req bulk.Request) (*bulk.Result, error)
}

// CashFlowReporter builds cash-flow reports.
type CashFlowReporter interface {
	CashFlow(ctx context.Context, w cashflow.Window) (*cashflow.Report, error)
}

// TransactionView is the API shape of a transaction: the stored record with
// the effective status and the final amount.
type TransactionView struct {
	*domain.Transaction
	Status      domain.PaymentStatus `json:"status"`
	FinalAmount decimal.Decimal      `json:"finalAmount"`
}

// NewTransactionView renders tx as seen on today.
func NewTransactionView(tx *domain.Transaction, today civil.Date) TransactionView {
	return TransactionView{
		Transaction: tx,
		Status:      tx.EffectiveStatus(today),
		FinalAmount: tx.FinalAmount(),
	}
}

func newTransactionViews(txs []*domain.Transaction, today civil.Date) []TransactionView {
	views := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, NewTransactionView(tx, today))
	}
	return views
}

// writeServiceError maps domain errors to status codes. Anything untyped is
// logged and reported as a 500 without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var (
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		transition *domain.InvalidTransitionError
		provider   *domain.ProviderError
	)
	switch {
	case errors.As(err, &validation):
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Message,
			"field": validation.Field,
		})
	case errors.As(err, &conflict):
		middleware.WriteError(w, http.StatusConflict, conflict.Message)
	case errors.As(err, &transition):
		middleware.WriteError(w, http.StatusUnprocessableEntity, transition.Error())
	case errors.As(err, &provider):
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusBadGateway, provider.Error())
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrStaleWrite):
		middleware.WriteError(w, http.StatusConflict, "Transaction was modified concurrently, retry the request")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewValidationError("", "Invalid request body")
	}
	return nil
}
