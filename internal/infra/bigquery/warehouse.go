// Package bigquery exports financial transactions to a BigQuery dataset and
// reads them back for warehouse-backed cash-flow reports.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/cashflow"
	"github.com/dvloznov/school-finance/internal/domain"
)

// Warehouse is the BigQuery-backed transaction archive. It holds a shared
// client so that each operation reuses one connection.
type Warehouse struct {
	client    *bigquery.Client
	datasetID string
}

// NewWarehouse creates a Warehouse for the given project and dataset.
func NewWarehouse(ctx context.Context, projectID, datasetID string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	return &Warehouse{client: client, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// Export appends a snapshot of every transaction, creating the table on
// first use. It returns the number of rows written.
func (w *Warehouse) Export(ctx context.Context, txs []*domain.Transaction, today civil.Date, exportedAt time.Time) (int, error) {
	if err := EnsureTransactionsTableWithClient(ctx, w.client, w.datasetID); err != nil {
		return 0, fmt.Errorf("Export: %w", err)
	}
	rows := RowsFromTransactions(txs, today, exportedAt)
	if err := InsertTransactionRowsWithClient(ctx, w.client, w.datasetID, rows); err != nil {
		return 0, fmt.Errorf("Export: %w", err)
	}
	return len(rows), nil
}

// QueryWindow implements cashflow.Source.
func (w *Warehouse) QueryWindow(ctx context.Context, start, end civil.Date) ([]*domain.Transaction, error) {
	rows, err := QueryWindowWithClient(ctx, w.client, w.datasetID, start, end)
	if err != nil {
		return nil, err
	}
	return toTransactions(rows)
}

// ListOpenDueBefore implements cashflow.Source.
func (w *Warehouse) ListOpenDueBefore(ctx context.Context, day civil.Date) ([]*domain.Transaction, error) {
	rows, err := ListOpenDueBeforeWithClient(ctx, w.client, w.datasetID, day)
	if err != nil {
		return nil, err
	}
	return toTransactions(rows)
}

// ListRecent implements cashflow.Source.
func (w *Warehouse) ListRecent(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	rows, err := ListRecentWithClient(ctx, w.client, w.datasetID, limit)
	if err != nil {
		return nil, err
	}
	return toTransactions(rows)
}

// RowsFromTransactions converts transactions in order, stamping each with
// the same export time.
func RowsFromTransactions(txs []*domain.Transaction, today civil.Date, exportedAt time.Time) []*TransactionRow {
	rows := make([]*TransactionRow, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, RowFromTransaction(tx, today, exportedAt))
	}
	return rows
}

func toTransactions(rows []*TransactionRow) ([]*domain.Transaction, error) {
	txs := make([]*domain.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.ToTransaction()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

var _ cashflow.Source = (*Warehouse)(nil)

// EnsureSchema creates the transactions table when it does not exist yet.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	return EnsureTransactionsTableWithClient(ctx, w.client, w.datasetID)
}
