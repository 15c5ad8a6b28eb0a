package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/dvloznov/school-finance/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var errNoProvider = errors.New("invoice provider is not configured")

// InvoiceResult is the invoice outcome of one transaction.
type InvoiceResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CascadeReport collects every per-transaction outcome of a cascade.
type CascadeReport struct {
	Results        []InvoiceResult `json:"invoiceResults"`
	SuccessCount   int             `json:"successCount"`
	TotalAttempted int             `json:"totalAttempted"`
}

// CascadeInvoices issues one invoice per id, in parallel up to the configured
// concurrency. Every id is attempted regardless of other failures, and
// Results keeps the order of ids. A failed invoice leaves its transaction
// pending.
//
// Provider calls are detached from ctx cancellation: once dispatched they
// finish and their outcome is stored even if the caller stops waiting.
func (g *Generator) CascadeInvoices(ctx context.Context, ids []string) CascadeReport {
	report := CascadeReport{
		Results:        make([]InvoiceResult, len(ids)),
		TotalAttempted: len(ids),
	}
	if len(ids) == 0 {
		return report
	}

	callCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	var eg errgroup.Group
	eg.SetLimit(g.cfg.Concurrency)
	for i, id := range ids {
		eg.Go(func() error {
			report.Results[i] = g.invoiceOne(callCtx, id)
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range report.Results {
		if r.Success {
			report.SuccessCount++
		} else {
			log.Warn().Str("transaction_id", r.ID).Str("error", r.Error).Msg("Invoice cascade item failed")
		}
		metrics.CascadeResults.WithLabelValues(outcomeLabel(r.Success)).Inc()
	}
	return report
}

func (g *Generator) invoiceOne(ctx context.Context, id string) InvoiceResult {
	if g.invoices == nil {
		return InvoiceResult{ID: id, Error: errNoProvider.Error()}
	}
	if _, err := g.invoices.GenerateInvoice(ctx, id); err != nil {
		return InvoiceResult{ID: id, Error: err.Error()}
	}
	return InvoiceResult{ID: id, Success: true}
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// Request is one bulk run as exposed by the API and the CLI.
type Request struct {
	Type  domain.TransactionType
	Month time.Month
	Year  int
	// Amount is required for tuitions and ignored for salaries.
	Amount           decimal.Decimal
	GenerateInvoices bool
}

// Result is the exposed shape of a bulk run.
type Result struct {
	Batch
	CascadeReport
	Summary string `json:"summary"`
}

// Run generates the charges of req and, when asked, cascades invoices over
// the created transactions. Invoice failures never fail the run.
func (g *Generator) Run(ctx context.Context, req Request) (*Result, error) {
	var (
		batch *Batch
		err   error
	)
	switch req.Type {
	case domain.TypeTuition:
		batch, err = g.GenerateTuitions(ctx, req.Month, req.Year, req.Amount)
	case domain.TypeSalary:
		batch, err = g.GenerateSalaries(ctx, req.Month, req.Year)
	default:
		return nil, domain.NewValidationError("type", fmt.Sprintf("bulk generation does not support %q", req.Type))
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Batch: *batch}
	if res.Created == nil {
		res.Created = []*domain.Transaction{}
	}
	if res.Skipped == nil {
		res.Skipped = []Skip{}
	}
	res.Results = []InvoiceResult{}
	if req.GenerateInvoices {
		res.CascadeReport = g.CascadeInvoices(ctx, batch.IDs())
		res.Created = g.reload(ctx, res.Created)
		res.Summary = fmt.Sprintf("%d created, %d invoices succeeded of %d attempted", res.Count, res.SuccessCount, res.TotalAttempted)
	} else {
		res.Summary = fmt.Sprintf("%d created", res.Count)
	}
	return res, nil
}

// reload re-reads txs so that invoices stored by the cascade are included.
// A transaction that cannot be read is returned as it was.
func (g *Generator) reload(ctx context.Context, txs []*domain.Transaction) []*domain.Transaction {
	log := logger.FromContext(ctx)
	fresh := make([]*domain.Transaction, len(txs))
	for i, tx := range txs {
		got, err := g.repo.Get(ctx, tx.ID)
		if err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to reload transaction after invoice cascade")
			got = tx
		}
		fresh[i] = got
	}
	return fresh
}
