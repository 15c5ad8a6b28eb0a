package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const (
	transactionsTable = "financial_transactions"
	// insertBatchSize keeps streaming inserts under the request size limit.
	insertBatchSize = 500
)

// latestSnapshots selects the newest exported snapshot of each transaction.
const latestSnapshots = `
	WITH latest AS (
		SELECT * FROM %s
		WHERE TRUE
		QUALIFY ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY exported_ts DESC) = 1
	)`

func qualifiedTable(client *bigquery.Client, datasetID string) string {
	return fmt.Sprintf("`%s.%s.%s`", client.Project(), datasetID, transactionsTable)
}

// EnsureTransactionsTableWithClient creates the transactions table with the
// schema of TransactionRow when it does not exist yet.
func EnsureTransactionsTableWithClient(ctx context.Context, client *bigquery.Client, datasetID string) error {
	table := client.Dataset(datasetID).Table(transactionsTable)
	_, err := table.Metadata(ctx)
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return fmt.Errorf("EnsureTransactionsTable: reading metadata: %w", err)
	}

	schema, err := bigquery.InferSchema(TransactionRow{})
	if err != nil {
		return fmt.Errorf("EnsureTransactionsTable: inferring schema: %w", err)
	}
	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.MonthPartitioningType,
			Field: "due_date",
		},
	}
	if err := table.Create(ctx, meta); err != nil {
		return fmt.Errorf("EnsureTransactionsTable: creating table: %w", err)
	}
	return nil
}

// InsertTransactionRowsWithClient appends snapshots to the transactions table.
func InsertTransactionRowsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	inserter := client.Dataset(datasetID).Table(transactionsTable).Inserter()
	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := inserter.Put(ctx, rows[start:end]); err != nil {
			return fmt.Errorf("InsertTransactionRows: inserting rows %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// QueryWindowWithClient returns non-cancelled transactions whose due date or
// paid date falls in [start, end].
func QueryWindowWithClient(ctx context.Context, client *bigquery.Client, datasetID string, start, end civil.Date) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(latestSnapshots, qualifiedTable(client, datasetID)) + `
		SELECT * FROM latest
		WHERE status != 'cancelled'
		  AND ((due_date BETWEEN @start_date AND @end_date)
		    OR (paid_date BETWEEN @start_date AND @end_date))
		ORDER BY transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: start},
		{Name: "end_date", Value: end},
	}
	rows, err := readRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("QueryWindow: %w", err)
	}
	return rows, nil
}

// ListOpenDueBeforeWithClient returns pending transactions due strictly before day.
func ListOpenDueBeforeWithClient(ctx context.Context, client *bigquery.Client, datasetID string, day civil.Date) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(latestSnapshots, qualifiedTable(client, datasetID)) + `
		SELECT * FROM latest
		WHERE status = 'pending' AND due_date < @day
		ORDER BY due_date, transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "day", Value: day},
	}
	rows, err := readRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListOpenDueBefore: %w", err)
	}
	return rows, nil
}

// ListRecentWithClient returns the most recently updated transactions.
func ListRecentWithClient(ctx context.Context, client *bigquery.Client, datasetID string, limit int) ([]*TransactionRow, error) {
	q := client.Query(fmt.Sprintf(latestSnapshots, qualifiedTable(client, datasetID)) + `
		SELECT * FROM latest
		ORDER BY updated_ts DESC, transaction_id
		LIMIT @limit
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}
	rows, err := readRows(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	return rows, nil
}

func readRows(ctx context.Context, q *bigquery.Query) ([]*TransactionRow, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var rows []*TransactionRow
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
