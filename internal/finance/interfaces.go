package finance

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
)

// TransactionRepository persists financial transactions.
// Implementations return domain.ErrNotFound for missing records and hand out
// copies, so callers may mutate what they receive.
type TransactionRepository interface {
	// Insert stores a new transaction. A second transaction with the same
	// type, reference and billing period is rejected with a ConflictError.
	Insert(ctx context.Context, tx *domain.Transaction) error

	// Update replaces a stored transaction whose stored version still equals
	// tx.Version, then advances tx.Version. A stale version fails with
	// domain.ErrStaleWrite.
	Update(ctx context.Context, tx *domain.Transaction) error

	// Get returns the transaction with the given id.
	Get(ctx context.Context, id string) (*domain.Transaction, error)

	// List returns one page of transactions matching q and the total match count.
	List(ctx context.Context, q ListQuery) ([]*domain.Transaction, int, error)

	// QueryWindow returns non-cancelled transactions whose due date or paid
	// date falls in [start, end].
	QueryWindow(ctx context.Context, start, end civil.Date) ([]*domain.Transaction, error)

	// ListOpenDueBefore returns stored-pending transactions due strictly before day.
	ListOpenDueBefore(ctx context.Context, day civil.Date) ([]*domain.Transaction, error)

	// ListRecent returns the most recently updated transactions, newest first.
	ListRecent(ctx context.Context, limit int) ([]*domain.Transaction, error)

	// FindByInvoiceID returns the transaction bound to a provider invoice.
	FindByInvoiceID(ctx context.Context, providerID string) (*domain.Transaction, error)

	// ListWithOpenInvoices returns transactions whose invoice is open or late.
	ListWithOpenInvoices(ctx context.Context) ([]*domain.Transaction, error)

	// ListPeriodReferences returns the reference ids already charged for
	// the given type and billing period.
	ListPeriodReferences(ctx context.Context, t domain.TransactionType, period string) (map[string]bool, error)
}

// Directory is the read-only view of students and teachers.
type Directory interface {
	ListActiveStudents(ctx context.Context) ([]domain.Student, error)
	ListActiveTeachers(ctx context.Context) ([]domain.Teacher, error)
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
	GetTeacher(ctx context.Context, id string) (*domain.Teacher, error)
}

// InvoiceNotifier is told about manual payments and cancellations so that a
// still-open provider invoice can be withdrawn. It records its own failures
// on the transaction's invoice mirror.
type InvoiceNotifier interface {
	SettlePaid(ctx context.Context, tx *domain.Transaction) error
	SettleCancelled(ctx context.Context, tx *domain.Transaction) error
}
