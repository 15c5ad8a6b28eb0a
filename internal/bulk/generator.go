// Package bulk creates the recurring monthly charges (tuitions and salaries)
// for a billing period and optionally invoices each created transaction.
package bulk

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/dvloznov/school-finance/internal/metrics"
	"github.com/shopspring/decimal"
)

// InvoiceGenerator issues a provider invoice for one transaction.
type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Config holds the bulk generation settings.
type Config struct {
	// TuitionDueDay and SalaryDueDay are clamped to the month length.
	TuitionDueDay int
	SalaryDueDay  int
	// Concurrency bounds the parallel invoice calls of a cascade.
	Concurrency int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{TuitionDueDay: 10, SalaryDueDay: 5, Concurrency: 4}
}

// Generator creates monthly charges.
type Generator struct {
	repo     finance.TransactionRepository
	dir      finance.Directory
	invoices InvoiceGenerator
	cfg      Config
	clock    finance.Clock
}

// NewGenerator creates a Generator. invoices may be nil when no provider is
// configured; cascades then fail every item.
func NewGenerator(repo finance.TransactionRepository, dir finance.Directory, invoices InvoiceGenerator, cfg Config, clock finance.Clock) *Generator {
	def := DefaultConfig()
	if cfg.TuitionDueDay < 1 {
		cfg.TuitionDueDay = def.TuitionDueDay
	}
	if cfg.SalaryDueDay < 1 {
		cfg.SalaryDueDay = def.SalaryDueDay
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	return &Generator{repo: repo, dir: dir, invoices: invoices, cfg: cfg, clock: clock}
}

// Skip names a person for whom no charge was created.
type Skip struct {
	ReferenceID string `json:"referenceId"`
	Reason      string `json:"reason"`
}

// Batch is the outcome of one generation run.
type Batch struct {
	Type    domain.TransactionType `json:"type"`
	Period  string                 `json:"billingPeriod"`
	Created []*domain.Transaction  `json:"created"`
	Count   int                    `json:"count"`
	Skipped []Skip                 `json:"skipped"`
}

// IDs returns the ids of the created transactions in creation order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Created))
	for i, tx := range b.Created {
		ids[i] = tx.ID
	}
	return ids
}

const (
	reasonAlreadyCharged = "already charged for period"
	reasonNoSalary       = "no salary configured"
)

type charge struct {
	ref    domain.Reference
	amount decimal.Decimal
}

// GenerateTuitions creates a pending tuition of amount for every active
// student not yet charged for the period. Running it twice for the same
// period creates nothing the second time.
func (g *Generator) GenerateTuitions(ctx context.Context, month time.Month, year int, amount decimal.Decimal) (*Batch, error) {
	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "amount must be greater than zero")
	}

	students, err := g.dir.ListActiveStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("GenerateTuitions: listing students: %w", err)
	}
	charges := make([]charge, 0, len(students))
	for _, s := range students {
		charges = append(charges, charge{ref: domain.Reference{Kind: domain.ReferenceStudent, ID: s.ID}, amount: amount})
	}

	batch := &Batch{Type: domain.TypeTuition, Period: domain.BillingPeriodOf(month, year)}
	due := dueDate(year, month, g.cfg.TuitionDueDay)
	desc := fmt.Sprintf("Mensalidade %02d/%04d", int(month), year)
	err = g.create(ctx, batch, charges, due, desc)
	return batch, err
}

// GenerateSalaries creates a pending salary for every active teacher with a
// salary who is not yet charged for the period. Teachers without a salary
// are reported in Skipped.
func (g *Generator) GenerateSalaries(ctx context.Context, month time.Month, year int) (*Batch, error) {
	if err := validatePeriod(month, year); err != nil {
		return nil, err
	}

	teachers, err := g.dir.ListActiveTeachers(ctx)
	if err != nil {
		return nil, fmt.Errorf("GenerateSalaries: listing teachers: %w", err)
	}

	batch := &Batch{Type: domain.TypeSalary, Period: domain.BillingPeriodOf(month, year)}
	charges := make([]charge, 0, len(teachers))
	for _, t := range teachers {
		if !t.Salary.IsPositive() {
			batch.Skipped = append(batch.Skipped, Skip{ReferenceID: t.ID, Reason: reasonNoSalary})
			continue
		}
		charges = append(charges, charge{ref: domain.Reference{Kind: domain.ReferenceTeacher, ID: t.ID}, amount: t.Salary})
	}

	due := dueDate(year, month, g.cfg.SalaryDueDay)
	desc := fmt.Sprintf("Salário %02d/%04d", int(month), year)
	err = g.create(ctx, batch, charges, due, desc)
	return batch, err
}

func (g *Generator) create(ctx context.Context, batch *Batch, charges []charge, due civil.Date, desc string) error {
	log := logger.FromContext(ctx).With().Str("type", string(batch.Type)).Str("billing_period", batch.Period).Logger()

	existing, err := g.repo.ListPeriodReferences(ctx, batch.Type, batch.Period)
	if err != nil {
		return fmt.Errorf("create: listing existing charges: %w", err)
	}

	now := g.clock.Time()
	for _, c := range charges {
		if existing[c.ref.ID] {
			batch.Skipped = append(batch.Skipped, Skip{ReferenceID: c.ref.ID, Reason: reasonAlreadyCharged})
			continue
		}
		ref := c.ref
		tx, err := domain.NewTransaction(domain.NewTransactionParams{
			Type:          batch.Type,
			Amount:        c.amount,
			DueDate:       due,
			Reference:     &ref,
			BillingPeriod: batch.Period,
			Description:   desc,
		}, now)
		if err != nil {
			return fmt.Errorf("create: building %s for %s: %w", batch.Type, c.ref.ID, err)
		}
		if err := g.repo.Insert(ctx, tx); err != nil {
			// Lost a race with a concurrent run; the unique index kept one copy.
			if domain.IsConflict(err) {
				batch.Skipped = append(batch.Skipped, Skip{ReferenceID: c.ref.ID, Reason: reasonAlreadyCharged})
				continue
			}
			return fmt.Errorf("create: inserting %s for %s: %w", batch.Type, c.ref.ID, err)
		}
		batch.Created = append(batch.Created, tx)
		batch.Count++
		metrics.TransactionsCreated.WithLabelValues(string(batch.Type), "bulk").Inc()
	}

	metrics.BulkRuns.WithLabelValues(string(batch.Type)).Inc()
	log.Info().Int("created", batch.Count).Int("skipped", len(batch.Skipped)).Msg("Bulk charges generated")
	return nil
}

func validatePeriod(month time.Month, year int) error {
	if month < time.January || month > time.December {
		return domain.NewValidationError("month", "month must be between 1 and 12")
	}
	if year < 2000 || year > 2100 {
		return domain.NewValidationError("year", "year is out of range")
	}
	return nil
}

// dueDate returns day of the month, clamped to the last day.
func dueDate(year int, month time.Month, day int) civil.Date {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return civil.Date{Year: year, Month: month, Day: day}
}
