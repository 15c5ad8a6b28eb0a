package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the fractional precision of a BigQuery NUMERIC.
const numericScale = 9

// TransactionRow is one exported snapshot of a financial transaction.
// The table is append-only; readers keep the newest snapshot per id.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED

	TransactionType string     `bigquery:"transaction_type"` // REQUIRED
	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC
	Discount        *big.Rat   `bigquery:"discount"`         // REQUIRED NUMERIC
	LateFee         *big.Rat   `bigquery:"late_fee"`         // REQUIRED NUMERIC
	FinalAmount     *big.Rat   `bigquery:"final_amount"`     // REQUIRED NUMERIC
	DueDate         civil.Date `bigquery:"due_date"`         // REQUIRED

	PaidDate bigquery.NullDate `bigquery:"paid_date"` // NULLABLE

	// Status is the stored status; EffectiveStatus is pending/overdue resolved
	// on the export date.
	Status          string `bigquery:"status"`           // REQUIRED
	EffectiveStatus string `bigquery:"effective_status"` // REQUIRED

	PaymentMethod bigquery.NullString `bigquery:"payment_method"` // NULLABLE
	ReferenceType bigquery.NullString `bigquery:"reference_type"` // NULLABLE
	ReferenceID   bigquery.NullString `bigquery:"reference_id"`   // NULLABLE
	BillingPeriod bigquery.NullString `bigquery:"billing_period"` // NULLABLE

	Description string              `bigquery:"description"` // REQUIRED STRING
	Observation bigquery.NullString `bigquery:"observation"` // NULLABLE

	InvoiceID     bigquery.NullString `bigquery:"invoice_id"`     // NULLABLE
	InvoiceKind   bigquery.NullString `bigquery:"invoice_kind"`   // NULLABLE
	InvoiceStatus bigquery.NullString `bigquery:"invoice_status"` // NULLABLE

	CreatedTS  time.Time `bigquery:"created_ts"`  // REQUIRED
	UpdatedTS  time.Time `bigquery:"updated_ts"`  // REQUIRED
	ExportedTS time.Time `bigquery:"exported_ts"` // REQUIRED
}

// RowFromTransaction converts a transaction into a warehouse row.
func RowFromTransaction(tx *domain.Transaction, today civil.Date, exportedAt time.Time) *TransactionRow {
	row := &TransactionRow{
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		Amount:          tx.Amount.Rat(),
		Discount:        tx.Discount.Rat(),
		LateFee:         tx.LateFee.Rat(),
		FinalAmount:     tx.FinalAmount().Rat(),
		DueDate:         tx.DueDate,
		Status:          string(tx.Status),
		EffectiveStatus: string(tx.EffectiveStatus(today)),
		PaymentMethod:   nullString(string(tx.PaymentMethod)),
		BillingPeriod:   nullString(tx.BillingPeriod),
		Description:     tx.Description,
		Observation:     nullString(tx.Observation),
		CreatedTS:       tx.CreatedAt.UTC(),
		UpdatedTS:       tx.UpdatedAt.UTC(),
		ExportedTS:      exportedAt.UTC(),
	}
	if tx.PaidDate != nil {
		row.PaidDate = bigquery.NullDate{Date: *tx.PaidDate, Valid: true}
	}
	if tx.Reference != nil {
		row.ReferenceType = nullString(string(tx.Reference.Kind))
		row.ReferenceID = nullString(tx.Reference.ID)
	}
	if inv := tx.Invoice; inv != nil {
		row.InvoiceID = nullString(inv.ProviderID)
		row.InvoiceKind = nullString(string(inv.Kind))
		row.InvoiceStatus = nullString(string(inv.Status))
	}
	return row
}

// ToTransaction converts a warehouse row back into a transaction. Provider
// artifacts are not exported, so the invoice mirror carries only id, kind
// and status.
func (r *TransactionRow) ToTransaction() (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:            r.TransactionID,
		Type:          domain.TransactionType(r.TransactionType),
		DueDate:       r.DueDate,
		Status:        domain.PaymentStatus(r.Status),
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod.StringVal),
		BillingPeriod: r.BillingPeriod.StringVal,
		Description:   r.Description,
		Observation:   r.Observation.StringVal,
		CreatedAt:     r.CreatedTS,
		UpdatedAt:     r.UpdatedTS,
	}

	var err error
	if tx.Amount, err = fromRat(r.Amount); err != nil {
		return nil, fmt.Errorf("ToTransaction: amount of %s: %w", r.TransactionID, err)
	}
	if tx.Discount, err = fromRat(r.Discount); err != nil {
		return nil, fmt.Errorf("ToTransaction: discount of %s: %w", r.TransactionID, err)
	}
	if tx.LateFee, err = fromRat(r.LateFee); err != nil {
		return nil, fmt.Errorf("ToTransaction: late fee of %s: %w", r.TransactionID, err)
	}
	if r.PaidDate.Valid {
		d := r.PaidDate.Date
		tx.PaidDate = &d
	}
	if r.ReferenceType.Valid {
		tx.Reference = &domain.Reference{Kind: domain.ReferenceKind(r.ReferenceType.StringVal), ID: r.ReferenceID.StringVal}
	}
	if r.InvoiceStatus.Valid {
		tx.Invoice = &domain.Invoice{
			ProviderID: r.InvoiceID.StringVal,
			Kind:       domain.InvoiceKind(r.InvoiceKind.StringVal),
			Status:     domain.InvoiceStatus(r.InvoiceStatus.StringVal),
			UpdatedAt:  r.UpdatedTS,
		}
	}
	return tx, nil
}

func fromRat(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
