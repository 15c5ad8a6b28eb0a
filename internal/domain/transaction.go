package domain

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the money-movement kind of a transaction.
// It never changes after creation.
type TransactionType string

const (
	TypeTuition TransactionType = "tuition"
	TypeSalary  TransactionType = "salary"
	TypeExpense TransactionType = "expense"
	TypeIncome  TransactionType = "income"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeTuition, TypeSalary, TypeExpense, TypeIncome:
		return true
	}
	return false
}

// IsReceivable reports whether money flows into the school.
func (t TransactionType) IsReceivable() bool {
	return t == TypeTuition || t == TypeIncome
}

// IsPayable reports whether money flows out of the school.
func (t TransactionType) IsPayable() bool {
	return t == TypeSalary || t == TypeExpense
}

// requiredReference returns the reference kind a type must carry,
// or "" when the type must not carry one.
func (t TransactionType) requiredReference() ReferenceKind {
	switch t {
	case TypeTuition:
		return ReferenceStudent
	case TypeSalary:
		return ReferenceTeacher
	}
	return ""
}

// PaymentMethod is how a paid transaction was settled.
type PaymentMethod string

const (
	MethodPix          PaymentMethod = "pix"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
)

// Valid reports whether m is one of the accepted payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodPix, MethodBankTransfer, MethodCreditCard, MethodDebitCard, MethodCash, MethodCheck:
		return true
	}
	return false
}

// ReferenceKind names the entity a transaction points to.
type ReferenceKind string

const (
	ReferenceStudent ReferenceKind = "Student"
	ReferenceTeacher ReferenceKind = "Teacher"
)

// Reference is the polymorphic link from a transaction to a student or teacher.
type Reference struct {
	Kind ReferenceKind `json:"type"`
	ID   string        `json:"id"`
}

// Transaction is a single financial transaction of any type.
//
// Amount, Discount and LateFee are only changed through SetAmounts so that
// FinalAmount always reflects them. Status is changed through Pay and Cancel.
// Version is the stored revision; repositories reject an Update whose
// Version no longer matches.
type Transaction struct {
	ID            string          `json:"id"`
	Type          TransactionType `json:"transactionType"`
	Amount        decimal.Decimal `json:"amount"`
	Discount      decimal.Decimal `json:"discount"`
	LateFee       decimal.Decimal `json:"lateFee"`
	DueDate       civil.Date      `json:"dueDate"`
	PaidDate      *civil.Date     `json:"paidDate,omitempty"`
	Status        PaymentStatus   `json:"status"`
	PaymentMethod PaymentMethod   `json:"paymentMethod,omitempty"`
	Reference     *Reference      `json:"reference,omitempty"`
	BillingPeriod string          `json:"billingPeriod,omitempty"`
	Description   string          `json:"description"`
	Observation   string          `json:"observation,omitempty"`
	Invoice       *Invoice        `json:"externalInvoice,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Version       int64           `json:"-"`
}

// NewTransactionParams holds the caller-supplied fields of a new transaction.
type NewTransactionParams struct {
	Type          TransactionType
	Amount        decimal.Decimal
	Discount      decimal.Decimal
	LateFee       decimal.Decimal
	DueDate       civil.Date
	Reference     *Reference
	BillingPeriod string
	Description   string
	Observation   string
}

// NewTransaction validates params and returns a pending transaction.
func NewTransaction(params NewTransactionParams, now time.Time) (*Transaction, error) {
	if !params.Type.Valid() {
		return nil, NewValidationError("transactionType", fmt.Sprintf("unknown transaction type %q", params.Type))
	}
	if !params.DueDate.IsValid() {
		return nil, NewValidationError("dueDate", "due date is required")
	}
	if err := validateReference(params.Type, params.Reference); err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:            uuid.NewString(),
		Type:          params.Type,
		DueDate:       params.DueDate,
		Status:        StatusPending,
		BillingPeriod: params.BillingPeriod,
		Description:   strings.TrimSpace(params.Description),
		Observation:   strings.TrimSpace(params.Observation),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if params.Reference != nil {
		ref := *params.Reference
		tx.Reference = &ref
	}
	if err := tx.setAmounts(params.Amount, params.Discount, params.LateFee); err != nil {
		return nil, err
	}
	return tx, nil
}

func validateReference(t TransactionType, ref *Reference) error {
	want := t.requiredReference()
	if want == "" {
		if ref != nil {
			return NewValidationError("reference", fmt.Sprintf("%s transactions do not take a reference", t))
		}
		return nil
	}
	if ref == nil || strings.TrimSpace(ref.ID) == "" {
		return NewValidationError("reference", fmt.Sprintf("%s transactions require a %s reference", t, want))
	}
	if ref.Kind != want {
		return NewValidationError("reference", fmt.Sprintf("%s transactions must reference a %s, got %q", t, want, ref.Kind))
	}
	return nil
}

// FinalAmount is Amount + LateFee - Discount.
func (t *Transaction) FinalAmount() decimal.Decimal {
	return computeFinal(t.Amount, t.Discount, t.LateFee)
}

func computeFinal(amount, discount, lateFee decimal.Decimal) decimal.Decimal {
	return amount.Add(lateFee).Sub(discount)
}

// SetAmounts replaces amount, discount and late fee together. A rejected
// change leaves the transaction untouched.
func (t *Transaction) SetAmounts(amount, discount, lateFee decimal.Decimal, now time.Time) error {
	if err := t.ensureMutable("change amounts"); err != nil {
		return err
	}
	if err := t.setAmounts(amount, discount, lateFee); err != nil {
		return err
	}
	t.UpdatedAt = now
	return nil
}

// ApplyDiscount sets the discount, keeping amount and late fee.
func (t *Transaction) ApplyDiscount(discount decimal.Decimal, now time.Time) error {
	return t.SetAmounts(t.Amount, discount, t.LateFee, now)
}

// ApplyLateFee sets the late fee, keeping amount and discount.
func (t *Transaction) ApplyLateFee(lateFee decimal.Decimal, now time.Time) error {
	return t.SetAmounts(t.Amount, t.Discount, lateFee, now)
}

func (t *Transaction) setAmounts(amount, discount, lateFee decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "amount must be greater than zero")
	}
	if discount.IsNegative() {
		return NewValidationError("discount", "discount must not be negative")
	}
	if lateFee.IsNegative() {
		return NewValidationError("lateFee", "late fee must not be negative")
	}
	if computeFinal(amount, discount, lateFee).IsNegative() {
		return NewValidationError("discount", "discount exceeds amount plus late fee")
	}
	t.Amount = amount
	t.Discount = discount
	t.LateFee = lateFee
	return nil
}

// Reschedule moves the due date of a pending transaction.
func (t *Transaction) Reschedule(due civil.Date, now time.Time) error {
	if err := t.ensureMutable("reschedule"); err != nil {
		return err
	}
	if !due.IsValid() {
		return NewValidationError("dueDate", "due date is invalid")
	}
	t.DueDate = due
	t.UpdatedAt = now
	return nil
}

// Annotate updates the free-text fields. Nil leaves a field as is.
// Paid transactions may still be annotated; cancelled ones may not.
func (t *Transaction) Annotate(description, observation *string, now time.Time) error {
	if t.Status == StatusCancelled {
		return &InvalidTransitionError{From: t.Status, Action: "annotate"}
	}
	if description != nil {
		t.Description = strings.TrimSpace(*description)
	}
	if observation != nil {
		t.Observation = strings.TrimSpace(*observation)
	}
	t.UpdatedAt = now
	return nil
}

// AttachInvoice replaces the provider invoice mirror.
func (t *Transaction) AttachInvoice(inv *Invoice, now time.Time) {
	t.Invoice = inv
	t.UpdatedAt = now
}

// ReferenceID returns the referenced entity id, or "" when there is none.
func (t *Transaction) ReferenceID() string {
	if t.Reference == nil {
		return ""
	}
	return t.Reference.ID
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.PaidDate != nil {
		d := *t.PaidDate
		c.PaidDate = &d
	}
	if t.Reference != nil {
		r := *t.Reference
		c.Reference = &r
	}
	if t.Invoice != nil {
		c.Invoice = t.Invoice.Clone()
	}
	return &c
}

// BillingPeriodOf formats the YYYY-MM key used to deduplicate recurring charges.
func BillingPeriodOf(month time.Month, year int) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}
