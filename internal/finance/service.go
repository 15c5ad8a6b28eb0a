// Package finance implements the transaction use cases behind the HTTP API
// and the CLI: create, update, pay, cancel and list.
package finance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/dvloznov/school-finance/internal/metrics"
	"github.com/shopspring/decimal"
)

// Clock reports the current time in the school's time zone.
type Clock struct {
	Now      func() time.Time
	Location *time.Location
}

// SystemClock is the wall clock in loc.
func SystemClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return Clock{Now: time.Now, Location: loc}
}

// Time returns the current instant.
func (c Clock) Time() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Today returns the current calendar date in the clock's location.
func (c Clock) Today() civil.Date {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(c.Time().In(loc))
}

// Service coordinates the transaction repository, the people directory and
// the invoice notifier.
type Service struct {
	repo     TransactionRepository
	dir      Directory
	notifier InvoiceNotifier
	clock    Clock
}

// NewService creates a Service. notifier may be nil when no provider is configured.
func NewService(repo TransactionRepository, dir Directory, notifier InvoiceNotifier, clock Clock) *Service {
	return &Service{repo: repo, dir: dir, notifier: notifier, clock: clock}
}

// Today returns the date used to derive overdue.
func (s *Service) Today() civil.Date {
	return s.clock.Today()
}

// CreateInput is the caller input of Create.
type CreateInput struct {
	Type          domain.TransactionType
	Amount        decimal.Decimal
	Discount      decimal.Decimal
	LateFee       decimal.Decimal
	DueDate       civil.Date
	Reference     *domain.Reference
	BillingPeriod string
	Description   string
	Observation   string
}

// Create validates and stores a new pending transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Transaction, error) {
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		Type:          in.Type,
		Amount:        in.Amount,
		Discount:      in.Discount,
		LateFee:       in.LateFee,
		DueDate:       in.DueDate,
		Reference:     in.Reference,
		BillingPeriod: in.BillingPeriod,
		Description:   in.Description,
		Observation:   in.Observation,
	}, s.clock.Time())
	if err != nil {
		return nil, err
	}
	if err := s.checkReference(ctx, tx.Reference); err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("Create: inserting transaction: %w", err)
	}

	metrics.TransactionsCreated.WithLabelValues(string(tx.Type), "api").Inc()
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", tx.ID).
		Str("type", string(tx.Type)).
		Str("final_amount", tx.FinalAmount().StringFixed(2)).
		Msg("Transaction created")
	return tx, nil
}

func (s *Service) checkReference(ctx context.Context, ref *domain.Reference) error {
	if ref == nil {
		return nil
	}
	var err error
	switch ref.Kind {
	case domain.ReferenceStudent:
		_, err = s.dir.GetStudent(ctx, ref.ID)
	case domain.ReferenceTeacher:
		_, err = s.dir.GetTeacher(ctx, ref.ID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewValidationError("reference", fmt.Sprintf("%s %s does not exist", strings.ToLower(string(ref.Kind)), ref.ID))
	}
	if err != nil {
		return fmt.Errorf("checkReference: %w", err)
	}
	return nil
}

// UpdateInput holds the editable fields. Nil leaves a field as is.
type UpdateInput struct {
	Amount      *decimal.Decimal
	Discount    *decimal.Decimal
	LateFee     *decimal.Decimal
	DueDate     *civil.Date
	Description *string
	Observation *string
}

func (in UpdateInput) touchesAmounts() bool {
	return in.Amount != nil || in.Discount != nil || in.LateFee != nil
}

// Update applies in atomically: either every change is stored or none is.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Transaction, error) {
	return Mutate(ctx, s.repo, id, func(tx *domain.Transaction) error {
		now := s.clock.Time()
		if in.touchesAmounts() {
			amount, discount, lateFee := tx.Amount, tx.Discount, tx.LateFee
			if in.Amount != nil {
				amount = *in.Amount
			}
			if in.Discount != nil {
				discount = *in.Discount
			}
			if in.LateFee != nil {
				lateFee = *in.LateFee
			}
			if err := tx.SetAmounts(amount, discount, lateFee, now); err != nil {
				return err
			}
		}
		if in.DueDate != nil {
			if err := tx.Reschedule(*in.DueDate, now); err != nil {
				return err
			}
		}
		if in.Description != nil || in.Observation != nil {
			return tx.Annotate(in.Description, in.Observation, now)
		}
		return nil
	})
}

// PayInput is the caller input of Pay. A nil PaidDate means today.
type PayInput struct {
	Method   domain.PaymentMethod
	PaidDate *civil.Date
}

// Pay marks a transaction paid. If it carries a provider invoice that is
// still open, the notifier withdraws it; a notifier failure is logged and
// never undoes the payment.
func (s *Service) Pay(ctx context.Context, id string, in PayInput) (*domain.Transaction, error) {
	tx, err := Mutate(ctx, s.repo, id, func(tx *domain.Transaction) error {
		return tx.Pay(in.Method, in.PaidDate, s.clock.Today(), s.clock.Time())
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(domain.StatusPaid), "manual").Inc()
	log := logger.FromContext(ctx)
	log.Info().
		Str("transaction_id", tx.ID).
		Str("payment_method", string(tx.PaymentMethod)).
		Str("paid_date", tx.PaidDate.String()).
		Msg("Transaction paid")

	if s.notifier != nil && tx.Invoice != nil && tx.Invoice.Status != domain.InvoicePaid {
		if err := s.notifier.SettlePaid(ctx, tx); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to withdraw provider invoice after payment")
		}
	}
	return tx, nil
}

// Cancel cancels a pending or overdue transaction and withdraws an open
// provider invoice.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := Mutate(ctx, s.repo, id, func(tx *domain.Transaction) error {
		return tx.Cancel(s.clock.Time())
	})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(domain.StatusCancelled), "manual").Inc()
	log := logger.FromContext(ctx)
	log.Info().Str("transaction_id", tx.ID).Msg("Transaction cancelled")

	if s.notifier != nil && tx.Invoice != nil && tx.Invoice.Cancellable() {
		if err := s.notifier.SettleCancelled(ctx, tx); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to withdraw provider invoice after cancellation")
		}
	}
	return tx, nil
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of transactions. A search term also matches the
// names of referenced students and teachers.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Search != "" {
		ids, err := s.matchPeople(ctx, q.Search)
		if err != nil {
			return nil, err
		}
		q = q.WithReferenceIDs(ids)
	}
	items, total, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("List: querying transactions: %w", err)
	}
	return &Page{Items: items, Total: total, Page: q.Page, PerPage: q.PerPage}, nil
}

func (s *Service) matchPeople(ctx context.Context, term string) ([]string, error) {
	term = strings.ToLower(term)
	var ids []string

	students, err := s.dir.ListActiveStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("matchPeople: listing students: %w", err)
	}
	for _, st := range students {
		if strings.Contains(strings.ToLower(st.Name), term) {
			ids = append(ids, st.ID)
		}
	}

	teachers, err := s.dir.ListActiveTeachers(ctx)
	if err != nil {
		return nil, fmt.Errorf("matchPeople: listing teachers: %w", err)
	}
	for _, t := range teachers {
		if strings.Contains(strings.ToLower(t.Name), term) {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}
