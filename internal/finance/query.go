package finance

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
)

const (
	defaultPerPage = 25
	maxPerPage     = 200
)

// ListQuery is the validated set of list and search parameters. It is built
// once by NewListQuery and passed by value; nothing modifies it afterwards.
type ListQuery struct {
	Type   domain.TransactionType
	Status domain.PaymentStatus
	// From and To bound the due date, inclusive. Zero means unbounded.
	From civil.Date
	To   civil.Date
	// Search matches description and observation, case-insensitive.
	Search string
	// ReferenceIDs are people whose name matched Search.
	ReferenceIDs []string
	// Today resolves the derived overdue status.
	Today   civil.Date
	Page    int
	PerPage int
}

// ListParams is the raw caller input for NewListQuery.
type ListParams struct {
	Type    string
	Status  string
	From    string
	To      string
	Search  string
	Page    int
	PerPage int
}

// NewListQuery validates params and fills defaults.
func NewListQuery(params ListParams, today civil.Date) (ListQuery, error) {
	q := ListQuery{
		Type:    domain.TransactionType(strings.TrimSpace(params.Type)),
		Status:  domain.PaymentStatus(strings.TrimSpace(params.Status)),
		Search:  strings.TrimSpace(params.Search),
		Today:   today,
		Page:    params.Page,
		PerPage: params.PerPage,
	}
	if q.Type != "" && !q.Type.Valid() {
		return ListQuery{}, domain.NewValidationError("type", fmt.Sprintf("unknown transaction type %q", q.Type))
	}
	if q.Status != "" && !q.Status.Valid() {
		return ListQuery{}, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", q.Status))
	}

	var err error
	if q.From, err = parseOptionalDate("startDate", params.From); err != nil {
		return ListQuery{}, err
	}
	if q.To, err = parseOptionalDate("endDate", params.To); err != nil {
		return ListQuery{}, err
	}
	if q.From != (civil.Date{}) && q.To != (civil.Date{}) && q.To.Before(q.From) {
		return ListQuery{}, domain.NewValidationError("endDate", "end date is before start date")
	}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = defaultPerPage
	}
	if q.PerPage > maxPerPage {
		q.PerPage = maxPerPage
	}
	return q, nil
}

func parseOptionalDate(field, s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, domain.NewValidationError(field, "expected YYYY-MM-DD")
	}
	return d, nil
}

// WithReferenceIDs returns a copy of q that also matches the given people.
func (q ListQuery) WithReferenceIDs(ids []string) ListQuery {
	q.ReferenceIDs = append([]string(nil), ids...)
	return q
}

// Offset is the number of rows skipped before the current page.
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

// Matches reports whether tx satisfies every filter of q. Stores that
// cannot push the filters down use it directly.
func (q ListQuery) Matches(tx *domain.Transaction) bool {
	if q.Type != "" && tx.Type != q.Type {
		return false
	}
	if q.Status != "" && tx.EffectiveStatus(q.Today) != q.Status {
		return false
	}
	if q.From != (civil.Date{}) && tx.DueDate.Before(q.From) {
		return false
	}
	if q.To != (civil.Date{}) && tx.DueDate.After(q.To) {
		return false
	}
	if q.Search == "" {
		return true
	}
	term := strings.ToLower(q.Search)
	if strings.Contains(strings.ToLower(tx.Description), term) ||
		strings.Contains(strings.ToLower(tx.Observation), term) {
		return true
	}
	ref := tx.ReferenceID()
	for _, id := range q.ReferenceIDs {
		if ref != "" && ref == id {
			return true
		}
	}
	return false
}

// Page is one page of a list result.
type Page struct {
	Items   []*domain.Transaction
	Total   int
	Page    int
	PerPage int
}
