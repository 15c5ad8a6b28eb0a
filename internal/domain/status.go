package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// PaymentStatus is the lifecycle state of a transaction.
//
// Only pending, paid and cancelled are ever stored. Overdue is derived at
// read time from a pending transaction whose due date has passed; see
// EffectiveStatus.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusPaid      PaymentStatus = "paid"
	StatusOverdue   PaymentStatus = "overdue"
	StatusCancelled PaymentStatus = "cancelled"
)

// Valid reports whether s is a known status, stored or derived.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether s still expects a payment.
func (s PaymentStatus) Open() bool {
	return s == StatusPending || s == StatusOverdue
}

// transitions lists the stored-status moves the machine allows.
// Overdue shares pending's row because it is pending underneath.
var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending: {StatusPaid, StatusCancelled},
}

// CanTransition reports whether a stored status may move to next.
func CanTransition(from, next PaymentStatus) bool {
	if from == StatusOverdue {
		from = StatusPending
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// EffectiveStatus is the status every read path reports: a pending
// transaction whose due date is strictly before today is overdue.
func (t *Transaction) EffectiveStatus(today civil.Date) PaymentStatus {
	if t.Status == StatusPending && t.DueDate.Before(today) {
		return StatusOverdue
	}
	return t.Status
}

// IsOverdue reports whether the transaction is classified overdue on today.
func (t *Transaction) IsOverdue(today civil.Date) bool {
	return t.EffectiveStatus(today) == StatusOverdue
}

// Pay moves a pending (or overdue) transaction to paid. A nil paidDate
// means today. Paying twice is a conflict and changes nothing.
func (t *Transaction) Pay(method PaymentMethod, paidDate *civil.Date, today civil.Date, now time.Time) error {
	switch t.Status {
	case StatusPaid:
		return NewConflictError("transaction is already paid")
	case StatusCancelled:
		return &InvalidTransitionError{From: t.Status, To: StatusPaid, Action: "pay"}
	}
	if !CanTransition(t.Status, StatusPaid) {
		return &InvalidTransitionError{From: t.Status, To: StatusPaid, Action: "pay"}
	}
	if !method.Valid() {
		return NewValidationError("paymentMethod", "a valid payment method is required")
	}

	date := today
	if paidDate != nil {
		if !paidDate.IsValid() {
			return NewValidationError("paidDate", "paid date is invalid")
		}
		date = *paidDate
	}

	t.Status = StatusPaid
	t.PaymentMethod = method
	t.PaidDate = &date
	t.UpdatedAt = now
	return nil
}

// Cancel moves a pending (or overdue) transaction to cancelled, which is terminal.
func (t *Transaction) Cancel(now time.Time) error {
	switch t.Status {
	case StatusPaid:
		return &InvalidTransitionError{From: t.Status, To: StatusCancelled, Action: "cancel", Reason: "cannot cancel a paid transaction"}
	case StatusCancelled:
		return &InvalidTransitionError{From: t.Status, To: StatusCancelled, Action: "cancel", Reason: "transaction is already cancelled"}
	}
	if !CanTransition(t.Status, StatusCancelled) {
		return &InvalidTransitionError{From: t.Status, To: StatusCancelled, Action: "cancel"}
	}
	t.Status = StatusCancelled
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) ensureMutable(action string) error {
	if t.Status == StatusPending {
		return nil
	}
	return &InvalidTransitionError{From: t.Status, Action: action}
}
