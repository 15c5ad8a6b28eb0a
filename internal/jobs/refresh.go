package jobs

import (
	"context"
	"fmt"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
)

// Refresher reconciles a transaction with its provider invoice.
type Refresher interface {
	RefreshFromProvider(ctx context.Context, txID string) (*domain.Transaction, error)
	RefreshByInvoiceID(ctx context.Context, invoiceID string) (*domain.Transaction, error)
}

// NewRefreshHandler returns the JobHandler for refresh jobs. Only provider
// failures are retried; everything else fails the job at once.
func NewRefreshHandler(r Refresher) JobHandler {
	return func(ctx context.Context, job Job) error {
		refresh, ok := job.(*RefreshInvoiceJob)
		if !ok {
			return Permanent(fmt.Errorf("unexpected job type: %T", job))
		}

		log := logger.FromContext(ctx).With().
			Str("job_id", refresh.JobID).
			Str("transaction_id", refresh.TransactionID).
			Str("invoice_id", refresh.InvoiceID).
			Int("attempt", refresh.RetryCount+1).
			Logger()
		log.Info().Msg("Processing invoice refresh job")

		var (
			tx  *domain.Transaction
			err error
		)
		switch {
		case refresh.TransactionID != "":
			tx, err = r.RefreshFromProvider(ctx, refresh.TransactionID)
		case refresh.InvoiceID != "":
			tx, err = r.RefreshByInvoiceID(ctx, refresh.InvoiceID)
		default:
			return Permanent(fmt.Errorf("job %s names neither a transaction nor an invoice", refresh.JobID))
		}
		if err != nil {
			log.Error().Err(err).Msg("Invoice refresh failed")
			if domain.IsProvider(err) {
				return err
			}
			return Permanent(err)
		}

		evt := log.Info().Str("status", string(tx.Status))
		if tx.Invoice != nil {
			evt = evt.Str("invoice_status", string(tx.Invoice.Status))
		}
		evt.Msg("Invoice refresh completed")
		return nil
	}
}
