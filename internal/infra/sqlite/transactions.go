package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/shopspring/decimal"
)

const txColumns = `id, transaction_type, amount, discount, late_fee, due_date, paid_date,
	status, payment_method, reference_type, reference_id, billing_period,
	description, observation, invoice_id, invoice_kind, invoice_status,
	boleto_url, pix_qr_code, pix_qr_code_url, invoice_paid_at,
	invoice_last_error, invoice_updated_at, created_at, updated_at, version`

// ─── Writes ─────────────────────────────────────────────────────────────────

// Insert implements finance.TransactionRepository.
func (db *DB) Insert(ctx context.Context, tx *domain.Transaction) error {
	args := append(txArgs(tx), tx.Version, tx.FinalAmount().String())
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO financial_transactions (`+txColumns+`, final_amount)
		VALUES (`+placeholders(len(args))+`)`,
		args...,
	)
	if isUniqueViolation(err) {
		return domain.NewConflictError(fmt.Sprintf("%s for %s already exists for period %q", tx.Type, tx.ReferenceID(), tx.BillingPeriod))
	}
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

// Update implements finance.TransactionRepository. The write only lands
// when the stored version still equals tx.Version; on success tx.Version is
// advanced.
func (db *DB) Update(ctx context.Context, tx *domain.Transaction) error {
	args := txArgs(tx)
	res, err := db.db.ExecContext(ctx, `
		UPDATE financial_transactions SET
			transaction_type = ?, amount = ?, discount = ?, late_fee = ?, due_date = ?, paid_date = ?,
			status = ?, payment_method = ?, reference_type = ?, reference_id = ?, billing_period = ?,
			description = ?, observation = ?, invoice_id = ?, invoice_kind = ?, invoice_status = ?,
			boleto_url = ?, pix_qr_code = ?, pix_qr_code_url = ?, invoice_paid_at = ?,
			invoice_last_error = ?, invoice_updated_at = ?, created_at = ?, updated_at = ?,
			final_amount = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		append(args[1:], tx.FinalAmount().String(), tx.ID, tx.Version)...,
	)
	if isUniqueViolation(err) {
		return domain.NewConflictError(fmt.Sprintf("%s for %s already exists for period %q", tx.Type, tx.ReferenceID(), tx.BillingPeriod))
	}
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM financial_transactions WHERE id = ?`, tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("Update: checking existence: %w", err)
		}
		if exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrStaleWrite
	}
	tx.Version++
	return nil
}

// txArgs returns the values of txColumns in order, up to updated_at.
func txArgs(tx *domain.Transaction) []interface{} {
	var paidDate sql.NullString
	if tx.PaidDate != nil {
		paidDate = nullString(tx.PaidDate.String())
	}
	var refType, refID sql.NullString
	if tx.Reference != nil {
		refType = nullString(string(tx.Reference.Kind))
		refID = nullString(tx.Reference.ID)
	}

	var invID, invKind, invStatus, boleto, qr, qrURL, invPaidAt, invErr, invUpdated sql.NullString
	if inv := tx.Invoice; inv != nil {
		invID = nullString(inv.ProviderID)
		invKind = nullString(string(inv.Kind))
		invStatus = nullString(string(inv.Status))
		boleto = nullString(inv.BoletoURL)
		qr = nullString(inv.PixQRCode)
		qrURL = nullString(inv.PixQRCodeURL)
		if inv.PaidAt != nil {
			invPaidAt = nullString(formatTS(*inv.PaidAt))
		}
		invErr = nullString(inv.LastError)
		if !inv.UpdatedAt.IsZero() {
			invUpdated = nullString(formatTS(inv.UpdatedAt))
		}
	}

	return []interface{}{
		tx.ID,
		string(tx.Type),
		tx.Amount.String(),
		tx.Discount.String(),
		tx.LateFee.String(),
		tx.DueDate.String(),
		paidDate,
		string(tx.Status),
		nullString(string(tx.PaymentMethod)),
		refType,
		refID,
		nullString(tx.BillingPeriod),
		tx.Description,
		tx.Observation,
		invID,
		invKind,
		invStatus,
		boleto,
		qr,
		qrURL,
		invPaidAt,
		invErr,
		invUpdated,
		formatTS(tx.CreatedAt),
		formatTS(tx.UpdatedAt),
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get implements finance.TransactionRepository.
func (db *DB) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM financial_transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return tx, nil
}

// FindByInvoiceID implements finance.TransactionRepository.
func (db *DB) FindByInvoiceID(ctx context.Context, providerID string) (*domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM financial_transactions WHERE invoice_id = ?`, providerID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("FindByInvoiceID: %w", err)
	}
	return tx, nil
}

// List implements finance.TransactionRepository. Results are ordered by due
// date descending, then id.
func (db *DB) List(ctx context.Context, q finance.ListQuery) ([]*domain.Transaction, int, error) {
	where, args := listFilter(q)

	var total int
	if err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM financial_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("List: counting: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), q.PerPage, q.Offset())
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions`+where+`
		ORDER BY due_date DESC, id ASC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("List: %w", err)
	}
	return txs, total, nil
}

func listFilter(q finance.ListQuery) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if q.Type != "" {
		conds = append(conds, "transaction_type = ?")
		args = append(args, string(q.Type))
	}
	switch q.Status {
	case "":
	case domain.StatusOverdue:
		conds = append(conds, "status = 'pending' AND due_date < ?")
		args = append(args, q.Today.String())
	case domain.StatusPending:
		conds = append(conds, "status = 'pending' AND due_date >= ?")
		args = append(args, q.Today.String())
	default:
		conds = append(conds, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.From != (civil.Date{}) {
		conds = append(conds, "due_date >= ?")
		args = append(args, q.From.String())
	}
	if q.To != (civil.Date{}) {
		conds = append(conds, "due_date <= ?")
		args = append(args, q.To.String())
	}
	if q.Search != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(q.Search)) + "%"
		search := []string{`LOWER(description) LIKE ? ESCAPE '\'`, `LOWER(observation) LIKE ? ESCAPE '\'`}
		args = append(args, like, like)
		if len(q.ReferenceIDs) > 0 {
			search = append(search, "reference_id IN ("+placeholders(len(q.ReferenceIDs))+")")
			for _, id := range q.ReferenceIDs {
				args = append(args, id)
			}
		}
		conds = append(conds, "("+strings.Join(search, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// likeEscaper makes a search term match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// QueryWindow implements finance.TransactionRepository.
func (db *DB) QueryWindow(ctx context.Context, start, end civil.Date) ([]*domain.Transaction, error) {
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions
		WHERE status != 'cancelled'
		AND ((due_date BETWEEN ? AND ?) OR (paid_date BETWEEN ? AND ?))
		ORDER BY id`,
		start.String(), end.String(), start.String(), end.String())
	if err != nil {
		return nil, fmt.Errorf("QueryWindow: %w", err)
	}
	return txs, nil
}

// ListOpenDueBefore implements finance.TransactionRepository.
func (db *DB) ListOpenDueBefore(ctx context.Context, day civil.Date) ([]*domain.Transaction, error) {
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions
		WHERE status = 'pending' AND due_date < ? ORDER BY due_date, id`, day.String())
	if err != nil {
		return nil, fmt.Errorf("ListOpenDueBefore: %w", err)
	}
	return txs, nil
}

// ListRecent implements finance.TransactionRepository.
func (db *DB) ListRecent(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions
		ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	return txs, nil
}

// ListWithOpenInvoices implements finance.TransactionRepository.
func (db *DB) ListWithOpenInvoices(ctx context.Context) ([]*domain.Transaction, error) {
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions
		WHERE invoice_id IS NOT NULL AND invoice_status IN ('open', 'late') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListWithOpenInvoices: %w", err)
	}
	return txs, nil
}

// ListPeriodReferences implements finance.TransactionRepository.
func (db *DB) ListPeriodReferences(ctx context.Context, t domain.TransactionType, period string) (map[string]bool, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT reference_id FROM financial_transactions
		WHERE transaction_type = ? AND billing_period = ? AND reference_id IS NOT NULL`, string(t), period)
	if err != nil {
		return nil, fmt.Errorf("ListPeriodReferences: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ListPeriodReferences: scanning: %w", err)
		}
		refs[id] = true
	}
	return refs, rows.Err()
}

// ListAll returns every transaction ordered by id.
func (db *DB) ListAll(ctx context.Context) ([]*domain.Transaction, error) {
	txs, err := db.query(ctx, `SELECT `+txColumns+` FROM financial_transactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListAll: %w", err)
	}
	return txs, nil
}

func (db *DB) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var (
		tx                                             domain.Transaction
		txType, amount, discount, lateFee, due, status string
		paidDate, method, refType, refID, period       sql.NullString
		invID, invKind, invStatus, boleto, qr, qrURL   sql.NullString
		invPaidAt, invErr, invUpdated                  sql.NullString
		createdAt, updatedAt                           string
	)
	err := s.Scan(
		&tx.ID, &txType, &amount, &discount, &lateFee, &due, &paidDate,
		&status, &method, &refType, &refID, &period,
		&tx.Description, &tx.Observation, &invID, &invKind, &invStatus,
		&boleto, &qr, &qrURL, &invPaidAt,
		&invErr, &invUpdated, &createdAt, &updatedAt, &tx.Version,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.PaymentStatus(status)
	tx.PaymentMethod = domain.PaymentMethod(method.String)
	tx.BillingPeriod = period.String

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scanTransaction: amount of %s: %w", tx.ID, err)
	}
	if tx.Discount, err = decimal.NewFromString(discount); err != nil {
		return nil, fmt.Errorf("scanTransaction: discount of %s: %w", tx.ID, err)
	}
	if tx.LateFee, err = decimal.NewFromString(lateFee); err != nil {
		return nil, fmt.Errorf("scanTransaction: late fee of %s: %w", tx.ID, err)
	}
	if tx.DueDate, err = civil.ParseDate(due); err != nil {
		return nil, fmt.Errorf("scanTransaction: due date of %s: %w", tx.ID, err)
	}
	if paidDate.Valid {
		d, err := civil.ParseDate(paidDate.String)
		if err != nil {
			return nil, fmt.Errorf("scanTransaction: paid date of %s: %w", tx.ID, err)
		}
		tx.PaidDate = &d
	}
	if refType.Valid {
		tx.Reference = &domain.Reference{Kind: domain.ReferenceKind(refType.String), ID: refID.String}
	}
	if tx.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, fmt.Errorf("scanTransaction: created_at of %s: %w", tx.ID, err)
	}
	if tx.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, fmt.Errorf("scanTransaction: updated_at of %s: %w", tx.ID, err)
	}

	if invStatus.Valid {
		inv := &domain.Invoice{
			ProviderID:   invID.String,
			Kind:         domain.InvoiceKind(invKind.String),
			Status:       domain.InvoiceStatus(invStatus.String),
			BoletoURL:    boleto.String,
			PixQRCode:    qr.String,
			PixQRCodeURL: qrURL.String,
			LastError:    invErr.String,
		}
		if invPaidAt.Valid {
			p, err := parseTS(invPaidAt.String)
			if err != nil {
				return nil, fmt.Errorf("scanTransaction: invoice paid_at of %s: %w", tx.ID, err)
			}
			inv.PaidAt = &p
		}
		if invUpdated.Valid {
			if inv.UpdatedAt, err = parseTS(invUpdated.String); err != nil {
				return nil, fmt.Errorf("scanTransaction: invoice updated_at of %s: %w", tx.ID, err)
			}
		}
		tx.Invoice = inv
	}
	return &tx, nil
}

var _ finance.TransactionRepository = (*DB)(nil)
