// Package reconciler keeps each transaction in step with its invoice at the
// provider: it issues invoices, mirrors provider state back and withdraws
// invoices that are no longer payable.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/cora"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/dvloznov/school-finance/internal/metrics"
)

// errInvoiceReplaced aborts a write whose invoice mirror was replaced after
// the provider call started.
var errInvoiceReplaced = errors.New("invoice was replaced concurrently")

// Provider is the invoice provider API.
type Provider interface {
	CreateInvoice(ctx context.Context, req cora.InvoiceRequest) (*cora.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*cora.Invoice, error)
	CancelInvoice(ctx context.Context, id string) (*cora.Invoice, error)
}

// Config holds the invoice defaults.
type Config struct {
	// DefaultKind is used for expense and income invoices.
	DefaultKind domain.InvoiceKind
	// School is the customer of expense and income invoices.
	School domain.Party
}

// Reconciler implements finance.InvoiceNotifier.
type Reconciler struct {
	repo     finance.TransactionRepository
	dir      finance.Directory
	provider Provider
	cfg      Config
	clock    finance.Clock
}

// New creates a Reconciler.
func New(repo finance.TransactionRepository, dir finance.Directory, provider Provider, cfg Config, clock finance.Clock) *Reconciler {
	return &Reconciler{repo: repo, dir: dir, provider: provider, cfg: cfg, clock: clock}
}

// GenerateInvoice issues a provider invoice for an open transaction.
// A provider failure is stored as a failed invoice, which a later call may
// replace; the payment status never changes here. If the transaction is paid
// or cancelled while the provider call is in flight, the new invoice is
// withdrawn again.
func (r *Reconciler) GenerateInvoice(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := r.repo.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	status := tx.EffectiveStatus(r.clock.Today())
	if !status.Open() {
		return nil, &domain.InvalidTransitionError{From: status, Action: "invoice", Reason: fmt.Sprintf("cannot invoice a %s transaction", status)}
	}
	if tx.Invoice != nil && !tx.Invoice.Retriable() {
		return nil, domain.NewConflictError(fmt.Sprintf("transaction already has a %s invoice", tx.Invoice.Status))
	}

	customer, err := r.customer(ctx, tx)
	if err != nil {
		return nil, err
	}
	kind := domain.InvoiceKindFor(tx.Type, r.cfg.DefaultKind)
	req := cora.InvoiceRequest{
		Code:        tx.ID,
		Kind:        string(kind),
		Amount:      tx.FinalAmount(),
		DueDate:     tx.DueDate.String(),
		Description: tx.Description,
		Customer:    customer,
	}

	log := logger.FromContext(ctx).With().Str("transaction_id", tx.ID).Str("kind", string(kind)).Logger()

	inv, callErr := r.provider.CreateInvoice(ctx, req)
	metrics.InvoiceOperations.WithLabelValues("create", metrics.Outcome(callErr)).Inc()
	now := r.clock.Time()
	if callErr != nil {
		callErr = asProviderError("create", callErr)
		_, err := finance.Mutate(ctx, r.repo, txID, func(fresh *domain.Transaction) error {
			if fresh.Invoice != nil && !fresh.Invoice.Retriable() {
				return errInvoiceReplaced
			}
			fresh.AttachInvoice(&domain.Invoice{
				Kind:      kind,
				Status:    domain.InvoiceFailed,
				LastError: callErr.Error(),
				UpdatedAt: now,
			}, now)
			return nil
		})
		if err != nil && !errors.Is(err, errInvoiceReplaced) {
			log.Error().Err(err).Msg("Failed to record failed invoice")
		}
		log.Warn().Err(callErr).Msg("Invoice generation failed")
		return nil, callErr
	}

	mirror := &domain.Invoice{Kind: kind}
	applyProviderState(mirror, inv, now)
	saved, err := finance.Mutate(ctx, r.repo, txID, func(fresh *domain.Transaction) error {
		if fresh.Invoice != nil && !fresh.Invoice.Retriable() {
			return domain.NewConflictError(fmt.Sprintf("transaction already has a %s invoice", fresh.Invoice.Status))
		}
		fresh.AttachInvoice(mirror.Clone(), now)
		return nil
	})
	if err != nil {
		r.withdrawOrphan(ctx, mirror.ProviderID)
		return nil, fmt.Errorf("GenerateInvoice: saving transaction: %w", err)
	}
	log.Info().Str("invoice_id", mirror.ProviderID).Str("invoice_status", string(mirror.Status)).Msg("Invoice generated")

	// Paid or cancelled while the provider call was in flight.
	if saved.Status != domain.StatusPending {
		log.Warn().Str("status", string(saved.Status)).Msg("Transaction closed during invoice generation, withdrawing invoice")
		withdrawn, err := r.cancelAtProvider(ctx, saved)
		if err != nil {
			log.Error().Err(err).Msg("Failed to withdraw invoice of closed transaction")
			return saved, nil
		}
		return withdrawn, nil
	}
	return saved, nil
}

// withdrawOrphan cancels a provider invoice that could not be bound to its
// transaction.
func (r *Reconciler) withdrawOrphan(ctx context.Context, providerID string) {
	_, err := r.provider.CancelInvoice(ctx, providerID)
	metrics.InvoiceOperations.WithLabelValues("cancel", metrics.Outcome(err)).Inc()
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("invoice_id", providerID).Msg("Failed to withdraw unbound invoice")
	}
}

func (r *Reconciler) customer(ctx context.Context, tx *domain.Transaction) (cora.Customer, error) {
	if tx.Reference == nil {
		return cora.Customer{Name: r.cfg.School.Name, Email: r.cfg.School.Email, Document: r.cfg.School.Document}, nil
	}
	switch tx.Reference.Kind {
	case domain.ReferenceStudent:
		s, err := r.dir.GetStudent(ctx, tx.Reference.ID)
		if err != nil {
			return cora.Customer{}, fmt.Errorf("customer: student %s: %w", tx.Reference.ID, err)
		}
		return cora.Customer{Name: s.Name, Email: s.Email, Document: s.Document}, nil
	case domain.ReferenceTeacher:
		t, err := r.dir.GetTeacher(ctx, tx.Reference.ID)
		if err != nil {
			return cora.Customer{}, fmt.Errorf("customer: teacher %s: %w", tx.Reference.ID, err)
		}
		return cora.Customer{Name: t.Name, Email: t.Email, Document: t.Document}, nil
	}
	return cora.Customer{}, domain.NewValidationError("reference", fmt.Sprintf("unknown reference kind %q", tx.Reference.Kind))
}

// RefreshFromProvider pulls the provider state of a transaction's invoice.
// A provider payment on a pending transaction marks it paid with the
// provider's paid_at date.
func (r *Reconciler) RefreshFromProvider(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := r.repo.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Invoice == nil || tx.Invoice.ProviderID == "" {
		return nil, domain.NewConflictError("transaction has no provider invoice")
	}

	providerID := tx.Invoice.ProviderID
	log := logger.FromContext(ctx).With().Str("transaction_id", tx.ID).Str("invoice_id", providerID).Logger()

	inv, callErr := r.provider.GetInvoice(ctx, providerID)
	if callErr == nil && inv.Status == cora.StatusPaid && inv.PaidAt == nil {
		callErr = &domain.ProviderError{Op: "get", Err: errors.New("malformed response: paid invoice without paid_at")}
	}
	metrics.InvoiceOperations.WithLabelValues("refresh", metrics.Outcome(callErr)).Inc()
	now := r.clock.Time()
	if callErr != nil {
		callErr = asProviderError("get", callErr)
		r.recordError(ctx, txID, providerID, callErr, now)
		return nil, callErr
	}

	var paidByProvider bool
	saved, err := finance.Mutate(ctx, r.repo, txID, func(fresh *domain.Transaction) error {
		if fresh.Invoice == nil || fresh.Invoice.ProviderID != providerID {
			return errInvoiceReplaced
		}
		paidByProvider = false
		if inv.Status == cora.StatusPaid && fresh.Status == domain.StatusPending {
			method := methodFor(inv.PaymentMethod, fresh.Invoice.Kind)
			paidDate := civil.DateOf(inv.PaidAt.In(r.location()))
			if err := fresh.Pay(method, &paidDate, r.clock.Today(), now); err != nil {
				return fmt.Errorf("applying provider payment: %w", err)
			}
			paidByProvider = true
		}
		applyProviderState(fresh.Invoice, inv, now)
		fresh.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("RefreshFromProvider: saving transaction: %w", err)
	}

	switch {
	case paidByProvider:
		metrics.TransitionsTotal.WithLabelValues(string(domain.StatusPaid), "provider").Inc()
		log.Info().Str("paid_date", saved.PaidDate.String()).Str("payment_method", string(saved.PaymentMethod)).Msg("Transaction paid by provider")
	case inv.Status == cora.StatusPaid && saved.Status == domain.StatusCancelled:
		log.Warn().Msg("Provider reports payment for a cancelled transaction")
	}
	return saved, nil
}

// RefreshByInvoiceID refreshes the transaction bound to a provider invoice.
func (r *Reconciler) RefreshByInvoiceID(ctx context.Context, providerID string) (*domain.Transaction, error) {
	tx, err := r.repo.FindByInvoiceID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return r.RefreshFromProvider(ctx, tx.ID)
}

// RefreshSummary counts the outcome of RefreshOpen.
type RefreshSummary struct {
	Checked int
	Paid    int
	Failed  int
}

// RefreshOpen refreshes every transaction whose invoice is still open.
// Individual failures are counted, not returned.
func (r *Reconciler) RefreshOpen(ctx context.Context) (RefreshSummary, error) {
	txs, err := r.repo.ListWithOpenInvoices(ctx)
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("RefreshOpen: listing open invoices: %w", err)
	}

	var sum RefreshSummary
	for _, tx := range txs {
		sum.Checked++
		updated, err := r.RefreshFromProvider(ctx, tx.ID)
		if err != nil {
			sum.Failed++
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Invoice refresh failed")
			continue
		}
		if tx.Status != domain.StatusPaid && updated.Status == domain.StatusPaid {
			sum.Paid++
		}
	}
	return sum, nil
}

// CancelInvoice withdraws an open or late invoice. The transaction itself
// stays as it is.
func (r *Reconciler) CancelInvoice(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := r.repo.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Invoice == nil || !tx.Invoice.Cancellable() {
		return nil, &domain.InvalidTransitionError{
			From:   tx.EffectiveStatus(r.clock.Today()),
			Action: "cancel invoice",
			Reason: "invoice is not open",
		}
	}
	return r.cancelAtProvider(ctx, tx)
}

// SettlePaid implements finance.InvoiceNotifier.
func (r *Reconciler) SettlePaid(ctx context.Context, tx *domain.Transaction) error {
	return r.settle(ctx, tx)
}

// SettleCancelled implements finance.InvoiceNotifier.
func (r *Reconciler) SettleCancelled(ctx context.Context, tx *domain.Transaction) error {
	return r.settle(ctx, tx)
}

func (r *Reconciler) settle(ctx context.Context, tx *domain.Transaction) error {
	if tx.Invoice == nil || !tx.Invoice.Cancellable() {
		return nil
	}
	_, err := r.cancelAtProvider(ctx, tx)
	return err
}

func (r *Reconciler) cancelAtProvider(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	providerID := tx.Invoice.ProviderID
	inv, callErr := r.provider.CancelInvoice(ctx, providerID)
	metrics.InvoiceOperations.WithLabelValues("cancel", metrics.Outcome(callErr)).Inc()
	now := r.clock.Time()
	if callErr != nil {
		callErr = asProviderError("cancel", callErr)
		r.recordError(ctx, tx.ID, providerID, callErr, now)
		return nil, callErr
	}

	saved, err := finance.Mutate(ctx, r.repo, tx.ID, func(fresh *domain.Transaction) error {
		if fresh.Invoice == nil || fresh.Invoice.ProviderID != providerID {
			return errInvoiceReplaced
		}
		applyProviderState(fresh.Invoice, inv, now)
		fresh.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancelAtProvider: saving transaction: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", saved.ID).
		Str("invoice_id", providerID).
		Str("invoice_status", string(saved.Invoice.Status)).
		Msg("Invoice cancelled at provider")
	return saved, nil
}

// recordError keeps the last provider error on the mirror of providerID
// without touching its status.
func (r *Reconciler) recordError(ctx context.Context, txID, providerID string, callErr error, now time.Time) {
	_, err := finance.Mutate(ctx, r.repo, txID, func(fresh *domain.Transaction) error {
		if fresh.Invoice == nil || fresh.Invoice.ProviderID != providerID {
			return errInvoiceReplaced
		}
		fresh.Invoice.LastError = callErr.Error()
		fresh.Invoice.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, errInvoiceReplaced) {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("transaction_id", txID).Msg("Failed to record provider error")
	}
}

func (r *Reconciler) location() *time.Location {
	if r.clock.Location == nil {
		return time.UTC
	}
	return r.clock.Location
}

func applyProviderState(mirror *domain.Invoice, inv *cora.Invoice, now time.Time) {
	mirror.ProviderID = inv.ID
	mirror.Status = domain.InvoiceStatus(inv.Status)
	if inv.BoletoURL != "" {
		mirror.BoletoURL = inv.BoletoURL
	}
	if inv.PixQRCode != "" {
		mirror.PixQRCode = inv.PixQRCode
	}
	if inv.PixQRCodeURL != "" {
		mirror.PixQRCodeURL = inv.PixQRCodeURL
	}
	if inv.PaidAt != nil {
		p := *inv.PaidAt
		mirror.PaidAt = &p
	}
	mirror.LastError = ""
	mirror.UpdatedAt = now
}

// methodFor prefers the method the provider reports and otherwise derives
// it from the invoice kind.
func methodFor(reported string, kind domain.InvoiceKind) domain.PaymentMethod {
	if m := domain.PaymentMethod(reported); m.Valid() {
		return m
	}
	if kind == domain.InvoicePix {
		return domain.MethodPix
	}
	return domain.MethodBankTransfer
}

func asProviderError(op string, err error) error {
	if domain.IsProvider(err) {
		return err
	}
	return &domain.ProviderError{Op: op, Err: err}
}

var _ finance.InvoiceNotifier = (*Reconciler)(nil)
