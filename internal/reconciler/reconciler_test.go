package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/cora"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/finance"
	"github.com/dvloznov/school-finance/internal/infra/inmemory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, time.February, 15, 12, 0, 0, 0, time.UTC)

// mockProvider is a scriptable Provider.
type mockProvider struct {
	mu        sync.Mutex
	createErr error
	getResp   *cora.Invoice
	getErr    error
	cancelErr error
	created   []cora.InvoiceRequest
	cancelled []string

	// beforeCreate runs while CreateInvoice is in flight.
	beforeCreate func()
}

func (m *mockProvider) CreateInvoice(ctx context.Context, req cora.InvoiceRequest) (*cora.Invoice, error) {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, req)
	if m.createErr != nil {
		return nil, m.createErr
	}
	inv := &cora.Invoice{ID: "inv-" + req.Code, Status: cora.StatusOpen}
	if req.Kind == string(domain.InvoicePix) {
		inv.PixQRCode = "000201pix"
	} else {
		inv.BoletoURL = "https://cora.test/boleto/" + req.Code
	}
	return inv, nil
}

func (m *mockProvider) GetInvoice(ctx context.Context, id string) (*cora.Invoice, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	resp := *m.getResp
	resp.ID = id
	return &resp, nil
}

func (m *mockProvider) CancelInvoice(ctx context.Context, id string) (*cora.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &cora.Invoice{ID: id, Status: cora.StatusCancelled}, nil
}

type fixture struct {
	rec      *Reconciler
	repo     *inmemory.TransactionStore
	provider *mockProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := inmemory.NewTransactionStore()
	dir := inmemory.NewDirectory()
	dir.PutStudent(domain.Student{ID: "stu-1", Name: "Ana Souza", Email: "ana@example.com", Document: "111", Active: true})
	dir.PutTeacher(domain.Teacher{ID: "tea-1", Name: "Carla Dias", Document: "222", Salary: decimal.NewFromInt(3000), Active: true})
	p := &mockProvider{}
	clock := finance.Clock{Now: func() time.Time { return testNow }, Location: time.UTC}
	cfg := Config{DefaultKind: domain.InvoicePix, School: domain.Party{Name: "Escola Modelo", Document: "999"}}
	return &fixture{rec: New(repo, dir, p, cfg, clock), repo: repo, provider: p}
}

func (f *fixture) store(t *testing.T, params domain.NewTransactionParams) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction(params, testNow)
	require.NoError(t, err)
	require.NoError(t, f.repo.Insert(context.Background(), tx))
	return tx
}

func (f *fixture) tuition(t *testing.T, due civil.Date) *domain.Transaction {
	return f.store(t, domain.NewTransactionParams{
		Type:      domain.TypeTuition,
		Amount:    decimal.NewFromInt(650),
		Discount:  decimal.NewFromInt(50),
		DueDate:   due,
		Reference: &domain.Reference{Kind: domain.ReferenceStudent, ID: "stu-1"},
	})
}

func TestGenerateInvoice_Tuition(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})

	got, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Invoice)
	assert.Equal(t, domain.InvoiceBoleto, got.Invoice.Kind)
	assert.Equal(t, domain.InvoiceOpen, got.Invoice.Status)
	assert.Equal(t, "inv-"+tx.ID, got.Invoice.ProviderID)
	assert.NotEmpty(t, got.Invoice.BoletoURL)
	assert.Equal(t, domain.StatusPending, got.Status)

	require.Len(t, f.provider.created, 1)
	req := f.provider.created[0]
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(600)), "invoice uses the final amount")
	assert.Equal(t, "2025-03-10", req.DueDate)
	assert.Equal(t, "Ana Souza", req.Customer.Name)

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Invoice.ProviderID, stored.Invoice.ProviderID)
}

func TestGenerateInvoice_KindsAndCustomers(t *testing.T) {
	f := newFixture(t)
	salary := f.store(t, domain.NewTransactionParams{
		Type:      domain.TypeSalary,
		Amount:    decimal.NewFromInt(3000),
		DueDate:   civil.Date{Year: 2025, Month: time.March, Day: 5},
		Reference: &domain.Reference{Kind: domain.ReferenceTeacher, ID: "tea-1"},
	})
	expense := f.store(t, domain.NewTransactionParams{
		Type:    domain.TypeExpense,
		Amount:  decimal.NewFromInt(80),
		DueDate: civil.Date{Year: 2025, Month: time.March, Day: 5},
	})

	s, err := f.rec.GenerateInvoice(context.Background(), salary.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePix, s.Invoice.Kind)
	assert.Equal(t, "000201pix", s.Invoice.PixQRCode)

	e, err := f.rec.GenerateInvoice(context.Background(), expense.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePix, e.Invoice.Kind)

	require.Len(t, f.provider.created, 2)
	assert.Equal(t, "Carla Dias", f.provider.created[0].Customer.Name)
	assert.Equal(t, "Escola Modelo", f.provider.created[1].Customer.Name)
}

func TestGenerateInvoice_OverdueIsAllowed(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.January, Day: 10})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
}

func TestGenerateInvoice_RejectsClosedTransactions(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	require.NoError(t, tx.Pay(domain.MethodCash, nil, civil.DateOf(testNow), testNow))
	require.NoError(t, f.repo.Update(context.Background(), tx))

	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	assert.True(t, domain.IsInvalidTransition(err))
	assert.Empty(t, f.provider.created)
}

func TestGenerateInvoice_ExistingInvoiceIsConflict(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	_, err = f.rec.GenerateInvoice(context.Background(), tx.ID)
	assert.True(t, domain.IsConflict(err))
	assert.Len(t, f.provider.created, 1)
}

func TestGenerateInvoice_FailureIsRecordedAndRetriable(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})

	f.provider.createErr = &domain.ProviderError{Op: "create", StatusCode: 503, Err: errors.New("unavailable")}
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Invoice)
	assert.Equal(t, domain.InvoiceFailed, stored.Invoice.Status)
	assert.Contains(t, stored.Invoice.LastError, "unavailable")
	assert.Equal(t, domain.StatusPending, stored.Status)

	f.provider.createErr = nil
	got, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceOpen, got.Invoice.Status)
	assert.Empty(t, got.Invoice.LastError)
}

func TestGenerateInvoice_PlainErrorsBecomeProviderErrors(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	f.provider.createErr = context.DeadlineExceeded

	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	assert.True(t, domain.IsProvider(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshFromProvider_PaidDrivesPayment(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 10})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	paidAt := time.Date(2025, time.February, 12, 9, 30, 0, 0, time.UTC)
	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid, PaidAt: &paidAt}

	got, err := f.rec.RefreshFromProvider(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.Equal(t, domain.MethodBankTransfer, got.PaymentMethod, "boleto payments settle by bank transfer")
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, civil.Date{Year: 2025, Month: time.February, Day: 12}, *got.PaidDate)
	assert.Equal(t, domain.InvoicePaid, got.Invoice.Status)
	assert.NotEmpty(t, got.Invoice.BoletoURL, "artifacts survive a refresh")
}

func TestRefreshFromProvider_UsesReportedMethod(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	paidAt := testNow.Add(-time.Hour)
	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid, PaidAt: &paidAt, PaymentMethod: "pix"}

	got, err := f.rec.RefreshFromProvider(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodPix, got.PaymentMethod)
}

func TestRefreshFromProvider_PaidWithoutDateIsMalformed(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid}
	_, err = f.rec.RefreshFromProvider(context.Background(), tx.ID)
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	assert.Contains(t, err.Error(), "malformed")

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, domain.InvoiceOpen, stored.Invoice.Status)
	assert.Contains(t, stored.Invoice.LastError, "malformed")
}

func TestRefreshFromProvider_CancelledLocallyStaysCancelled(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Cancel(testNow))
	require.NoError(t, f.repo.Update(context.Background(), stored))

	paidAt := testNow
	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid, PaidAt: &paidAt}
	got, err := f.rec.RefreshFromProvider(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.InvoicePaid, got.Invoice.Status)
}

func TestRefreshFromProvider_WithoutInvoice(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	_, err := f.rec.RefreshFromProvider(context.Background(), tx.ID)
	assert.True(t, domain.IsConflict(err))
}

func TestRefreshByInvoiceID(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	f.provider.getResp = &cora.Invoice{Status: cora.StatusLate}
	got, err := f.rec.RefreshByInvoiceID(context.Background(), "inv-"+tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceLate, got.Invoice.Status)

	_, err = f.rec.RefreshByInvoiceID(context.Background(), "inv-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRefreshOpen(t *testing.T) {
	f := newFixture(t)
	a := f.tuition(t, civil.Date{Year: 2025, Month: time.February, Day: 20})
	b := f.store(t, domain.NewTransactionParams{
		Type:    domain.TypeIncome,
		Amount:  decimal.NewFromInt(10),
		DueDate: civil.Date{Year: 2025, Month: time.February, Day: 20},
	})
	for _, id := range []string{a.ID, b.ID} {
		_, err := f.rec.GenerateInvoice(context.Background(), id)
		require.NoError(t, err)
	}

	paidAt := testNow
	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid, PaidAt: &paidAt}
	sum, err := f.rec.RefreshOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshSummary{Checked: 2, Paid: 2}, sum)

	sum, err = f.rec.RefreshOpen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Checked, "paid invoices are no longer open")
}

func TestCancelInvoice(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})

	_, err := f.rec.CancelInvoice(context.Background(), tx.ID)
	assert.True(t, domain.IsInvalidTransition(err), "no invoice yet")

	_, err = f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	got, err := f.rec.CancelInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCancelled, got.Invoice.Status)
	assert.Equal(t, domain.StatusPending, got.Status, "the transaction itself is not cancelled")

	_, err = f.rec.CancelInvoice(context.Background(), tx.ID)
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestSettlePaid_WithdrawsOpenInvoice(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	tx, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Pay(domain.MethodCash, nil, civil.DateOf(testNow), testNow))
	require.NoError(t, f.repo.Update(context.Background(), tx))

	require.NoError(t, f.rec.SettlePaid(context.Background(), tx))
	assert.Equal(t, []string{"inv-" + tx.ID}, f.provider.cancelled)

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, stored.Status)
	assert.Equal(t, domain.InvoiceCancelled, stored.Invoice.Status)
}

func TestSettleCancelled_FailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	tx, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Cancel(testNow))
	require.NoError(t, f.repo.Update(context.Background(), tx))

	f.provider.cancelErr = errors.New("connection reset")
	err = f.rec.SettleCancelled(context.Background(), tx)
	require.Error(t, err)

	stored, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, domain.InvoiceOpen, stored.Invoice.Status)
	assert.Contains(t, stored.Invoice.LastError, "connection reset")
}

func TestSettle_NoOpWithoutOpenInvoice(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	require.NoError(t, f.rec.SettlePaid(context.Background(), tx))
	assert.Empty(t, f.provider.cancelled)
}

func TestMethodFor(t *testing.T) {
	assert.Equal(t, domain.MethodCreditCard, methodFor("credit_card", domain.InvoiceBoleto))
	assert.Equal(t, domain.MethodPix, methodFor("", domain.InvoicePix))
	assert.Equal(t, domain.MethodBankTransfer, methodFor("wire", domain.InvoiceBoleto))
}

func TestGenerateInvoice_PaymentDuringProviderCallIsKept(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	clock := finance.Clock{Now: func() time.Time { return testNow }, Location: time.UTC}
	svc := finance.NewService(f.repo, inmemory.NewDirectory(), f.rec, clock)
	ctx := context.Background()

	f.provider.beforeCreate = func() {
		_, err := svc.Pay(ctx, tx.ID, finance.PayInput{Method: domain.MethodCash})
		require.NoError(t, err)
	}

	got, err := f.rec.GenerateInvoice(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)

	stored, err := f.repo.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, stored.Status)
	assert.Equal(t, domain.MethodCash, stored.PaymentMethod)
	require.NotNil(t, stored.PaidDate)
	assert.Equal(t, civil.DateOf(testNow), *stored.PaidDate)

	// The invoice issued for a now-paid transaction is withdrawn.
	require.NotNil(t, stored.Invoice)
	assert.Equal(t, domain.InvoiceCancelled, stored.Invoice.Status)
	assert.Equal(t, []string{"inv-" + tx.ID}, f.provider.cancelled)

	f.provider.beforeCreate = nil
	_, err = svc.Pay(ctx, tx.ID, finance.PayInput{Method: domain.MethodPix})
	assert.True(t, domain.IsConflict(err), "second payment: %v", err)
}

func TestRefreshFromProvider_ConcurrentManualPaymentWins(t *testing.T) {
	f := newFixture(t)
	tx := f.tuition(t, civil.Date{Year: 2025, Month: time.March, Day: 10})
	_, err := f.rec.GenerateInvoice(context.Background(), tx.ID)
	require.NoError(t, err)

	// A manual payment lands after the refresh read the transaction.
	stale, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	manual, err := f.repo.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.NoError(t, manual.Pay(domain.MethodCash, nil, civil.DateOf(testNow), testNow))
	require.NoError(t, f.repo.Update(context.Background(), manual))
	assert.ErrorIs(t, f.repo.Update(context.Background(), stale), domain.ErrStaleWrite)

	paidAt := testNow.Add(time.Hour)
	f.provider.getResp = &cora.Invoice{Status: cora.StatusPaid, PaidAt: &paidAt, PaymentMethod: "pix"}
	got, err := f.rec.RefreshFromProvider(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
	assert.Equal(t, domain.MethodCash, got.PaymentMethod, "the first payment is kept")
	assert.Equal(t, domain.InvoicePaid, got.Invoice.Status)
}
