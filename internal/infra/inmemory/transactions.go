// Package inmemory holds map-backed stores for development and tests.
// Data is lost on restart; use the sqlite package for persistence.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
)

// TransactionStore is an in-memory finance.TransactionRepository.
// It is safe for concurrent use.
type TransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

// NewTransactionStore creates an empty store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{txs: make(map[string]*domain.Transaction)}
}

func periodKey(tx *domain.Transaction) string {
	return string(tx.Type) + "|" + tx.ReferenceID() + "|" + tx.BillingPeriod
}

// Insert implements finance.TransactionRepository.
func (s *TransactionStore) Insert(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.ID]; exists {
		return domain.NewConflictError(fmt.Sprintf("transaction %s already exists", tx.ID))
	}
	if tx.BillingPeriod != "" {
		key := periodKey(tx)
		for _, other := range s.txs {
			if other.BillingPeriod != "" && periodKey(other) == key {
				return domain.NewConflictError(fmt.Sprintf("%s for %s already charged for %s", tx.Type, tx.ReferenceID(), tx.BillingPeriod))
			}
		}
	}

	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Update implements finance.TransactionRepository.
func (s *TransactionStore) Update(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.txs[tx.ID]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Version != tx.Version {
		return domain.ErrStaleWrite
	}
	tx.Version++
	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Get implements finance.TransactionRepository.
func (s *TransactionStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.txs[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return tx.Clone(), nil
}

// List implements finance.TransactionRepository. Results are ordered by due
// date descending, then id.
func (s *TransactionStore) List(ctx context.Context, q finance.ListQuery) ([]*domain.Transaction, int, error) {
	matched := s.filter(q.Matches)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.DueDate != b.DueDate {
			return a.DueDate.After(b.DueDate)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	offset := q.Offset()
	if offset >= total {
		return []*domain.Transaction{}, total, nil
	}
	end := offset + q.PerPage
	if q.PerPage <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// QueryWindow implements finance.TransactionRepository.
func (s *TransactionStore) QueryWindow(ctx context.Context, start, end civil.Date) ([]*domain.Transaction, error) {
	in := func(d civil.Date) bool { return !d.Before(start) && !d.After(end) }
	return s.filter(func(tx *domain.Transaction) bool {
		if tx.Status == domain.StatusCancelled {
			return false
		}
		return in(tx.DueDate) || (tx.PaidDate != nil && in(*tx.PaidDate))
	}), nil
}

// ListOpenDueBefore implements finance.TransactionRepository.
func (s *TransactionStore) ListOpenDueBefore(ctx context.Context, day civil.Date) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return tx.Status == domain.StatusPending && tx.DueDate.Before(day)
	}), nil
}

// ListRecent implements finance.TransactionRepository.
func (s *TransactionStore) ListRecent(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	all := s.filter(func(*domain.Transaction) bool { return true })
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// FindByInvoiceID implements finance.TransactionRepository.
func (s *TransactionStore) FindByInvoiceID(ctx context.Context, providerID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.txs {
		if tx.Invoice != nil && tx.Invoice.ProviderID == providerID {
			return tx.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListWithOpenInvoices implements finance.TransactionRepository.
func (s *TransactionStore) ListWithOpenInvoices(ctx context.Context) ([]*domain.Transaction, error) {
	return s.filter(func(tx *domain.Transaction) bool {
		return tx.Invoice != nil && tx.Invoice.Cancellable()
	}), nil
}

// ListPeriodReferences implements finance.TransactionRepository.
func (s *TransactionStore) ListPeriodReferences(ctx context.Context, t domain.TransactionType, period string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make(map[string]bool)
	for _, tx := range s.txs {
		if tx.Type == t && tx.BillingPeriod == period && tx.ReferenceID() != "" {
			refs[tx.ReferenceID()] = true
		}
	}
	return refs, nil
}

// filter returns copies of the matching transactions sorted by id.
func (s *TransactionStore) filter(keep func(*domain.Transaction) bool) []*domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, tx := range s.txs {
		if keep(tx) {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

var _ finance.TransactionRepository = (*TransactionStore)(nil)
