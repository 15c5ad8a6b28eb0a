package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now   = time.Date(2025, time.February, 20, 8, 30, 0, 123, time.UTC)
	today = civil.DateOf(now)
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func date(month time.Month, day int) civil.Date {
	return civil.Date{Year: 2025, Month: month, Day: day}
}

func tuition(t *testing.T, studentID, period string, due civil.Date) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		Type:          domain.TypeTuition,
		Amount:        decimal.RequireFromString("650.00"),
		DueDate:       due,
		Reference:     &domain.Reference{Kind: domain.ReferenceStudent, ID: studentID},
		BillingPeriod: period,
		Description:   "Mensalidade " + period,
	}, now)
	require.NoError(t, err)
	return tx
}

func expense(t *testing.T, desc string, due civil.Date) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		Type:        domain.TypeExpense,
		Amount:      decimal.RequireFromString("200"),
		DueDate:     due,
		Description: desc,
	}, now)
	require.NoError(t, err)
	return tx
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "finance.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestInsertGet_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := tuition(t, "s1", "2025-02", date(time.February, 10))
	require.NoError(t, tx.ApplyDiscount(decimal.RequireFromString("50"), now))
	paidAt := now.Add(-time.Hour)
	tx.AttachInvoice(&domain.Invoice{
		ProviderID: "inv_1",
		Kind:       domain.InvoiceBoleto,
		Status:     domain.InvoiceOpen,
		BoletoURL:  "https://cora.test/boleto/inv_1",
		PaidAt:     &paidAt,
		UpdatedAt:  now,
	}, now)
	require.NoError(t, db.Insert(ctx, tx))

	got, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, domain.TypeTuition, got.Type)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("650")))
	assert.True(t, got.FinalAmount().Equal(decimal.RequireFromString("600")))
	assert.Equal(t, date(time.February, 10), got.DueDate)
	assert.Nil(t, got.PaidDate)
	assert.Equal(t, domain.StatusPending, got.Status)
	require.NotNil(t, got.Reference)
	assert.Equal(t, domain.Reference{Kind: domain.ReferenceStudent, ID: "s1"}, *got.Reference)
	assert.Equal(t, "2025-02", got.BillingPeriod)
	assert.True(t, got.CreatedAt.Equal(tx.CreatedAt))
	assert.True(t, got.UpdatedAt.Equal(tx.UpdatedAt))

	require.NotNil(t, got.Invoice)
	assert.Equal(t, "inv_1", got.Invoice.ProviderID)
	assert.Equal(t, domain.InvoiceOpen, got.Invoice.Status)
	assert.Equal(t, "https://cora.test/boleto/inv_1", got.Invoice.BoletoURL)
	require.NotNil(t, got.Invoice.PaidAt)
	assert.True(t, got.Invoice.PaidAt.Equal(paidAt))

	_, err = db.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsert_DuplicatePeriodConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Insert(ctx, tuition(t, "s1", "2025-02", date(time.February, 10))))
	err := db.Insert(ctx, tuition(t, "s1", "2025-02", date(time.February, 10)))
	assert.True(t, domain.IsConflict(err), "got %v", err)

	// Another student or another period is fine.
	require.NoError(t, db.Insert(ctx, tuition(t, "s2", "2025-02", date(time.February, 10))))
	require.NoError(t, db.Insert(ctx, tuition(t, "s1", "2025-03", date(time.March, 10))))

	// Transactions without a billing period never collide.
	require.NoError(t, db.Insert(ctx, expense(t, "Material", date(time.February, 1))))
	require.NoError(t, db.Insert(ctx, expense(t, "Material", date(time.February, 1))))

	refs, err := db.ListPeriodReferences(ctx, domain.TypeTuition, "2025-02")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"s1": true, "s2": true}, refs)
}

func TestUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := expense(t, "Internet", date(time.February, 5))
	require.NoError(t, db.Insert(ctx, tx))

	paid := date(time.February, 4)
	require.NoError(t, tx.Pay(domain.MethodPix, &paid, today, now.Add(time.Minute)))
	require.NoError(t, db.Update(ctx, tx))

	got, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.Equal(t, domain.MethodPix, got.PaymentMethod)
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, paid, *got.PaidDate)

	ghost := expense(t, "Ghost", date(time.February, 5))
	assert.ErrorIs(t, db.Update(ctx, ghost), domain.ErrNotFound)
}

func TestUpdate_StaleVersionIsRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := expense(t, "Internet", date(time.February, 5))
	require.NoError(t, db.Insert(ctx, tx))

	first, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)
	second, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)

	paid := date(time.February, 4)
	require.NoError(t, first.Pay(domain.MethodCash, &paid, today, now))
	require.NoError(t, db.Update(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	desc := "Internet fibra"
	require.NoError(t, second.Annotate(&desc, nil, now))
	assert.ErrorIs(t, db.Update(ctx, second), domain.ErrStaleWrite)

	got, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status, "the stale write did not reopen the transaction")
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, "Internet", got.Description)
	assert.Equal(t, int64(1), got.Version)
}

func TestList_SearchIsLiteral(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	wool := expense(t, "Lã 100% natural", date(time.February, 1))
	pencils := expense(t, "1000 lápis", date(time.February, 2))
	snake := expense(t, "kit_escolar", date(time.February, 3))
	plain := expense(t, "kitXescolar", date(time.February, 4))
	for _, tx := range []*domain.Transaction{wool, pencils, snake, plain} {
		require.NoError(t, db.Insert(ctx, tx))
	}

	search := func(term string) []string {
		t.Helper()
		txs, _, err := db.List(ctx, finance.ListQuery{Search: term, Today: today, Page: 1, PerPage: 25})
		require.NoError(t, err)
		var ids []string
		for _, tx := range txs {
			ids = append(ids, tx.ID)
		}
		return ids
	}

	assert.Equal(t, []string{wool.ID}, search("0%"))
	assert.Equal(t, []string{snake.ID}, search("t_e"))
	assert.Empty(t, search(`\`))
}

func TestList_FiltersAndPagination(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	overdue := tuition(t, "s1", "2025-01", date(time.January, 10))
	upcoming := tuition(t, "s1", "2025-03", date(time.March, 10))
	rent := expense(t, "Aluguel da sede", date(time.February, 1))
	internet := expense(t, "Internet", date(time.February, 2))
	internet.Observation = "Fibra ótica"
	paid := date(time.February, 2)
	require.NoError(t, internet.Pay(domain.MethodBankTransfer, &paid, today, now))
	for _, tx := range []*domain.Transaction{overdue, upcoming, rent, internet} {
		require.NoError(t, db.Insert(ctx, tx))
	}

	list := func(q finance.ListQuery) ([]string, int) {
		t.Helper()
		if q.Page == 0 {
			q.Page = 1
		}
		if q.PerPage == 0 {
			q.PerPage = 25
		}
		q.Today = today
		txs, total, err := db.List(ctx, q)
		require.NoError(t, err)
		var ids []string
		for _, tx := range txs {
			ids = append(ids, tx.ID)
		}
		return ids, total
	}

	ids, total := list(finance.ListQuery{})
	assert.Equal(t, 4, total)
	require.Len(t, ids, 4)
	assert.Equal(t, upcoming.ID, ids[0], "newest due date first")
	assert.Equal(t, overdue.ID, ids[3])

	ids, _ = list(finance.ListQuery{Status: domain.StatusOverdue})
	assert.ElementsMatch(t, []string{overdue.ID, rent.ID}, ids)

	ids, _ = list(finance.ListQuery{Status: domain.StatusPending})
	assert.Equal(t, []string{upcoming.ID}, ids)

	ids, _ = list(finance.ListQuery{Status: domain.StatusPaid})
	assert.Equal(t, []string{internet.ID}, ids)

	ids, _ = list(finance.ListQuery{Type: domain.TypeExpense})
	assert.ElementsMatch(t, []string{rent.ID, internet.ID}, ids)

	ids, _ = list(finance.ListQuery{From: date(time.February, 1), To: date(time.February, 28)})
	assert.ElementsMatch(t, []string{rent.ID, internet.ID}, ids)

	ids, _ = list(finance.ListQuery{Search: "ALUGUEL"})
	assert.Equal(t, []string{rent.ID}, ids)

	ids, _ = list(finance.ListQuery{Search: "fibra"})
	assert.Equal(t, []string{internet.ID}, ids)

	ids, _ = list(finance.ListQuery{Search: "maria", ReferenceIDs: []string{"s1"}})
	assert.ElementsMatch(t, []string{overdue.ID, upcoming.ID}, ids)

	ids, total = list(finance.ListQuery{Page: 2, PerPage: 3})
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{overdue.ID}, ids)
}

func TestQueryWindowAndOverdue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	lateJanuary := tuition(t, "s1", "2025-01", date(time.January, 10))
	paidInFeb := tuition(t, "s2", "2025-01", date(time.January, 10))
	paid := date(time.February, 3)
	require.NoError(t, paidInFeb.Pay(domain.MethodPix, &paid, today, now))
	dueInFeb := expense(t, "Luz", date(time.February, 15))
	cancelled := expense(t, "Cancelada", date(time.February, 15))
	require.NoError(t, cancelled.Cancel(now))
	for _, tx := range []*domain.Transaction{lateJanuary, paidInFeb, dueInFeb, cancelled} {
		require.NoError(t, db.Insert(ctx, tx))
	}

	txs, err := db.QueryWindow(ctx, date(time.February, 1), date(time.February, 28))
	require.NoError(t, err)
	var ids []string
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	assert.ElementsMatch(t, []string{paidInFeb.ID, dueInFeb.ID}, ids)

	open, err := db.ListOpenDueBefore(ctx, today)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, lateJanuary.ID, open[0].ID)
	assert.Equal(t, dueInFeb.ID, open[1].ID)
}

func TestListRecent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 5; i++ {
		tx := expense(t, "Compra", date(time.February, 1))
		tx.UpdatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, db.Insert(ctx, tx))
		last = tx.ID
	}

	txs, err := db.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, last, txs[0].ID)
	assert.True(t, txs[0].UpdatedAt.After(txs[1].UpdatedAt))
}

func TestInvoiceLookups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	open := tuition(t, "s1", "2025-02", date(time.February, 10))
	open.AttachInvoice(&domain.Invoice{ProviderID: "inv_open", Kind: domain.InvoicePix, Status: domain.InvoiceLate, UpdatedAt: now}, now)
	failed := tuition(t, "s2", "2025-02", date(time.February, 10))
	failed.AttachInvoice(&domain.Invoice{Kind: domain.InvoiceBoleto, Status: domain.InvoiceFailed, LastError: "timeout", UpdatedAt: now}, now)
	for _, tx := range []*domain.Transaction{open, failed} {
		require.NoError(t, db.Insert(ctx, tx))
	}

	got, err := db.FindByInvoiceID(ctx, "inv_open")
	require.NoError(t, err)
	assert.Equal(t, open.ID, got.ID)

	_, err = db.FindByInvoiceID(ctx, "inv_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	txs, err := db.ListWithOpenInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, open.ID, txs[0].ID)

	reloaded, err := db.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Invoice)
	assert.Equal(t, domain.InvoiceFailed, reloaded.Invoice.Status)
	assert.Equal(t, "timeout", reloaded.Invoice.LastError)
	assert.Empty(t, reloaded.Invoice.ProviderID)
}

func TestDirectory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertStudent(ctx, domain.Student{ID: "s2", Name: "Bia", Active: true}))
	require.NoError(t, db.UpsertStudent(ctx, domain.Student{ID: "s1", Name: "Ana", Active: true}))
	require.NoError(t, db.UpsertStudent(ctx, domain.Student{ID: "s3", Name: "Caio", Active: false}))
	require.NoError(t, db.UpsertTeacher(ctx, domain.Teacher{ID: "t1", Name: "Rui", Salary: decimal.RequireFromString("3000.50"), Active: true}))

	students, err := db.ListActiveStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "s1", students[0].ID)

	require.NoError(t, db.UpsertStudent(ctx, domain.Student{ID: "s1", Name: "Ana Maria", Active: true}))
	s, err := db.GetStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", s.Name)

	teachers, err := db.ListActiveTeachers(ctx)
	require.NoError(t, err)
	require.Len(t, teachers, 1)
	assert.True(t, teachers[0].Salary.Equal(decimal.RequireFromString("3000.5")))

	_, err = db.GetTeacher(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = db.GetStudent(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
