package handlers

import (
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/api/middleware"
	"github.com/dvloznov/school-finance/internal/bulk"
	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/shopspring/decimal"
)

// ReportsHandler handles bulk generation and cash-flow endpoints.
type ReportsHandler struct {
	bulk     BulkRunner
	cashFlow CashFlowReporter
	today    func() civil.Date
}

// NewReportsHandler creates a new reports handler.
func NewReportsHandler(runner BulkRunner, cashFlow CashFlowReporter, today func() civil.Date) *ReportsHandler {
	return &ReportsHandler{bulk: runner, cashFlow: cashFlow, today: today}
}

type bulkRequest struct {
	Month            int             `json:"month"`
	Year             int             `json:"year"`
	Amount           decimal.Decimal `json:"amount"`
	GenerateInvoices bool            `json:"generateInvoices"`
}

type bulkResponse struct {
	*bulk.Result
	Created []TransactionView `json:"created"`
}

// BulkCreateTuitions handles POST /financial_transactions/bulk_create_tuitions
func (h *ReportsHandler) BulkCreateTuitions(w http.ResponseWriter, r *http.Request) {
	h.runBulk(w, r, domain.TypeTuition)
}

// BulkCreateSalaries handles POST /financial_transactions/bulk_create_salaries
func (h *ReportsHandler) BulkCreateSalaries(w http.ResponseWriter, r *http.Request) {
	h.runBulk(w, r, domain.TypeSalary)
}

func (h *ReportsHandler) runBulk(w http.ResponseWriter, r *http.Request, t domain.TransactionType) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err, "Failed to generate transactions")
		return
	}

	result, err := h.bulk.Run(r.Context(), bulk.Request{
		Type:             t,
		Month:            time.Month(req.Month),
		Year:             req.Year,
		Amount:           req.Amount,
		GenerateInvoices: req.GenerateInvoices,
	})
	if err != nil {
		writeServiceError(w, r, err, "Failed to generate transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, bulkResponse{
		Result:  result,
		Created: newTransactionViews(result.Created, h.today()),
	})
}

type cashFlowResponse struct {
	*cashflow.Report
	Overdue []TransactionView `json:"overdueTransactions"`
	Recent  []TransactionView `json:"recentTransactions"`
}

// CashFlow handles GET /financial_transactions/cash_flow
func (h *ReportsHandler) CashFlow(w http.ResponseWriter, r *http.Request) {
	window, err := windowParams(r)
	if err != nil {
		writeServiceError(w, r, err, "Failed to build cash flow")
		return
	}

	report, err := h.cashFlow.CashFlow(r.Context(), window)
	if err != nil {
		writeServiceError(w, r, err, "Failed to build cash flow")
		return
	}

	today := h.today()
	middleware.WriteJSON(w, http.StatusOK, cashFlowResponse{
		Report:  report,
		Overdue: newTransactionViews(report.Overdue, today),
		Recent:  newTransactionViews(report.Recent, today),
	})
}

func windowParams(r *http.Request) (cashflow.Window, error) {
	query := r.URL.Query()
	start, err := dateParam(query.Get("start_date"), "start_date")
	if err != nil {
		return cashflow.Window{}, err
	}
	end, err := dateParam(query.Get("end_date"), "end_date")
	if err != nil {
		return cashflow.Window{}, err
	}
	return cashflow.Window{Start: start, End: end}, nil
}

// dateParam parses a YYYY-MM-DD parameter. Empty yields the zero date,
// which the window validation rejects.
func dateParam(s, field string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, domain.NewValidationError(field, "expected YYYY-MM-DD")
	}
	return d, nil
}
