package cashflow

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
)

// Source supplies the transactions a report needs. Both the transaction
// store and the warehouse implement it.
type Source interface {
	QueryWindow(ctx context.Context, start, end civil.Date) ([]*domain.Transaction, error)
	ListOpenDueBefore(ctx context.Context, day civil.Date) ([]*domain.Transaction, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Transaction, error)
}

// Service builds cash-flow reports from a Source.
type Service struct {
	src         Source
	clock       finance.Clock
	recentLimit int
}

// NewService creates a Service. A recentLimit below 1 uses DefaultRecentLimit.
func NewService(src Source, clock finance.Clock, recentLimit int) *Service {
	if recentLimit < 1 {
		recentLimit = DefaultRecentLimit
	}
	return &Service{src: src, clock: clock, recentLimit: recentLimit}
}

// CashFlow loads the window, every open transaction already past due and
// the most recent activity, and aggregates them.
func (s *Service) CashFlow(ctx context.Context, w Window) (*Report, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	today := s.clock.Today()

	inWindow, err := s.src.QueryWindow(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("CashFlow: querying window: %w", err)
	}
	pastDue, err := s.src.ListOpenDueBefore(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("CashFlow: listing overdue: %w", err)
	}
	latest, err := s.src.ListRecent(ctx, s.recentLimit)
	if err != nil {
		return nil, fmt.Errorf("CashFlow: listing recent: %w", err)
	}

	all := make([]*domain.Transaction, 0, len(inWindow)+len(pastDue)+len(latest))
	all = append(all, inWindow...)
	all = append(all, pastDue...)
	all = append(all, latest...)

	return Aggregate(Input{
		Window:       w,
		Transactions: all,
		Today:        today,
		RecentLimit:  s.recentLimit,
	}), nil
}
