package finance

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/school-finance/internal/domain"
)

// maxWriteAttempts bounds the reload-and-retry loop of Mutate.
const maxWriteAttempts = 5

// Mutate loads transaction id, applies fn and stores the result. When another
// writer stored the transaction in between, Mutate reloads it and applies fn
// again, so fn must decide only from the transaction it is handed.
// Errors returned by fn are passed through unchanged.
func Mutate(ctx context.Context, repo TransactionRepository, id string, fn func(tx *domain.Transaction) error) (*domain.Transaction, error) {
	for attempt := 1; ; attempt++ {
		tx, err := repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			return nil, err
		}

		err = repo.Update(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, domain.ErrStaleWrite) || attempt == maxWriteAttempts {
			return nil, fmt.Errorf("Mutate: saving transaction %s: %w", id, err)
		}
	}
}
