package finance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/dvloznov/school-finance/internal/infra/inmemory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.February, 15, 12, 0, 0, 0, time.UTC)

type mockNotifier struct {
	paid      []string
	cancelled []string
	err       error
}

func (m *mockNotifier) SettlePaid(ctx context.Context, tx *domain.Transaction) error {
	m.paid = append(m.paid, tx.ID)
	return m.err
}

func (m *mockNotifier) SettleCancelled(ctx context.Context, tx *domain.Transaction) error {
	m.cancelled = append(m.cancelled, tx.ID)
	return m.err
}

type fixture struct {
	svc      *finance.Service
	repo     *inmemory.TransactionStore
	dir      *inmemory.Directory
	notifier *mockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := inmemory.NewTransactionStore()
	dir := inmemory.NewDirectory()
	dir.PutStudent(domain.Student{ID: "stu-1", Name: "Ana Souza", Active: true})
	dir.PutStudent(domain.Student{ID: "stu-2", Name: "Bruno Lima", Active: true})
	dir.PutTeacher(domain.Teacher{ID: "tea-1", Name: "Carla Dias", Salary: decimal.NewFromInt(3000), Active: true})
	n := &mockNotifier{}
	clock := finance.Clock{Now: func() time.Time { return fixedNow }, Location: time.UTC}
	return &fixture{
		svc:      finance.NewService(repo, dir, n, clock),
		repo:     repo,
		dir:      dir,
		notifier: n,
	}
}

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func (f *fixture) tuition(t *testing.T, studentID string, due civil.Date, desc string) *domain.Transaction {
	t.Helper()
	tx, err := f.svc.Create(context.Background(), finance.CreateInput{
		Type:        domain.TypeTuition,
		Amount:      decimal.NewFromInt(650),
		DueDate:     due,
		Reference:   &domain.Reference{Kind: domain.ReferenceStudent, ID: studentID},
		Description: desc,
	})
	require.NoError(t, err)
	return tx
}

func TestCreate_StoresPendingTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "Mensalidade 03/2025")

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, fixedNow, stored.CreatedAt)
	assert.True(t, stored.FinalAmount().Equal(decimal.NewFromInt(650)))
}

func TestCreate_RejectsUnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), finance.CreateInput{
		Type:      domain.TypeSalary,
		Amount:    decimal.NewFromInt(1000),
		DueDate:   date(2025, time.March, 5),
		Reference: &domain.Reference{Kind: domain.ReferenceTeacher, ID: "nobody"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestUpdate_IsAtomic(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")

	newDue := date(2025, time.March, 20)
	tooBig := decimal.NewFromInt(1000)
	_, err := f.svc.Update(context.Background(), tx.ID, finance.UpdateInput{
		DueDate:  &newDue,
		Discount: &tooBig,
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.March, 10), stored.DueDate)
	assert.True(t, stored.Discount.IsZero())
}

func TestUpdate_RecomputesFinalAmount(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")

	discount := decimal.NewFromInt(50)
	fee := decimal.RequireFromString("13.00")
	updated, err := f.svc.Update(context.Background(), tx.ID, finance.UpdateInput{Discount: &discount, LateFee: &fee})
	require.NoError(t, err)
	assert.True(t, updated.FinalAmount().Equal(decimal.NewFromInt(613)))
}

func TestUpdate_PaidRejectsAmountChange(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")
	_, err := f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix})
	require.NoError(t, err)

	amount := decimal.NewFromInt(1)
	_, err = f.svc.Update(context.Background(), tx.ID, finance.UpdateInput{Amount: &amount})
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestPay_TwiceIsConflict(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.February, 10), "")

	paid, err := f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodCash})
	require.NoError(t, err)
	require.NotNil(t, paid.PaidDate)
	assert.Equal(t, date(2025, time.February, 15), *paid.PaidDate)

	other := date(2025, time.February, 1)
	_, err = f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix, PaidDate: &other})
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodCash, stored.PaymentMethod)
	assert.Equal(t, date(2025, time.February, 15), *stored.PaidDate)
}

func TestPay_NotifiesWhenInvoiceOpen(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")
	tx.AttachInvoice(&domain.Invoice{ProviderID: "inv-1", Kind: domain.InvoiceBoleto, Status: domain.InvoiceOpen}, fixedNow)
	require.NoError(t, f.repo.Update(context.Background(), tx))

	f.notifier.err = errors.New("provider down")
	paid, err := f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix})
	require.NoError(t, err, "notifier failures never undo a payment")
	assert.Equal(t, domain.StatusPaid, paid.Status)
	assert.Equal(t, []string{tx.ID}, f.notifier.paid)
}

func TestPay_WithoutInvoiceDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")
	_, err := f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix})
	require.NoError(t, err)
	assert.Empty(t, f.notifier.paid)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.January, 10), "")
	tx.AttachInvoice(&domain.Invoice{ProviderID: "inv-2", Kind: domain.InvoiceBoleto, Status: domain.InvoiceLate}, fixedNow)
	require.NoError(t, f.repo.Update(context.Background(), tx))

	cancelled, err := f.svc.Cancel(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{tx.ID}, f.notifier.cancelled)

	_, err = f.svc.Cancel(context.Background(), tx.ID)
	assert.True(t, domain.IsInvalidTransition(err))
	_, err = f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix})
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestCancel_PaidIsRejected(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, "stu-1", date(2025, time.March, 10), "")
	_, err := f.svc.Pay(context.Background(), tx.ID, finance.PayInput{Method: domain.MethodPix})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), tx.ID)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "cannot cancel a paid transaction")
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_FiltersAndSearch(t *testing.T) {
	f := newFixture(t)
	overdue := f.tuition(t, "stu-1", date(2025, time.January, 10), "Mensalidade 01/2025")
	pending := f.tuition(t, "stu-2", date(2025, time.March, 10), "Mensalidade 03/2025")
	_, err := f.svc.Create(context.Background(), finance.CreateInput{
		Type:        domain.TypeExpense,
		Amount:      decimal.NewFromInt(120),
		DueDate:     date(2025, time.February, 20),
		Description: "Material de limpeza",
	})
	require.NoError(t, err)

	today := f.svc.Today()

	q, err := finance.NewListQuery(finance.ListParams{Status: "overdue"}, today)
	require.NoError(t, err)
	page, err := f.svc.List(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, overdue.ID, page.Items[0].ID)

	q, err = finance.NewListQuery(finance.ListParams{Status: "pending", Type: "tuition"}, today)
	require.NoError(t, err)
	page, err = f.svc.List(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, pending.ID, page.Items[0].ID)

	q, err = finance.NewListQuery(finance.ListParams{Search: "bruno"}, today)
	require.NoError(t, err)
	page, err = f.svc.List(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, pending.ID, page.Items[0].ID)

	q, err = finance.NewListQuery(finance.ListParams{Search: "LIMPEZA"}, today)
	require.NoError(t, err)
	page, err = f.svc.List(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.TypeExpense, page.Items[0].Type)
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		_, err := f.svc.Create(context.Background(), finance.CreateInput{
			Type:    domain.TypeIncome,
			Amount:  decimal.NewFromInt(int64(i * 10)),
			DueDate: date(2025, time.April, i),
		})
		require.NoError(t, err)
	}

	q, err := finance.NewListQuery(finance.ListParams{Page: 2, PerPage: 2}, f.svc.Today())
	require.NoError(t, err)
	page, err := f.svc.List(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, date(2025, time.April, 3), page.Items[0].DueDate)
	assert.Equal(t, date(2025, time.April, 2), page.Items[1].DueDate)
}

func TestNewListQuery_Validation(t *testing.T) {
	today := date(2025, time.February, 15)

	_, err := finance.NewListQuery(finance.ListParams{Type: "refund"}, today)
	assert.True(t, domain.IsValidation(err))

	_, err = finance.NewListQuery(finance.ListParams{Status: "late"}, today)
	assert.True(t, domain.IsValidation(err))

	_, err = finance.NewListQuery(finance.ListParams{From: "2025-03-01", To: "2025-02-01"}, today)
	assert.True(t, domain.IsValidation(err))

	_, err = finance.NewListQuery(finance.ListParams{From: "01/03/2025"}, today)
	assert.True(t, domain.IsValidation(err))

	q, err := finance.NewListQuery(finance.ListParams{PerPage: 10_000}, today)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, 200, q.PerPage)
}

func TestListQuery_WithReferenceIDsCopies(t *testing.T) {
	q, err := finance.NewListQuery(finance.ListParams{Search: "x"}, date(2025, time.February, 15))
	require.NoError(t, err)

	ids := []string{"a"}
	q2 := q.WithReferenceIDs(ids)
	ids[0] = "b"

	assert.Empty(t, q.ReferenceIDs)
	assert.Equal(t, []string{"a"}, q2.ReferenceIDs)
}
