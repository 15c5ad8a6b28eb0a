// Package cora is the HTTP client of the Cora invoice provider.
package cora

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the provider's invoice state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusLate      Status = "late"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a state the provider documents.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusLate, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// Customer is who the invoice is issued to.
type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Document string `json:"document,omitempty"`
}

// InvoiceRequest is the body of POST /invoices.
// Code carries the transaction id so the provider can deduplicate retries.
type InvoiceRequest struct {
	Code        string          `json:"code"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"-"`
	DueDate     string          `json:"due_date"`
	Description string          `json:"description,omitempty"`
	Customer    Customer        `json:"customer"`
}

// wireRequest is InvoiceRequest with the amount in cents.
type wireRequest struct {
	InvoiceRequest
	AmountCents int64 `json:"amount"`
}

// Invoice is the provider's answer to every invoice endpoint.
type Invoice struct {
	ID            string     `json:"invoice_id"`
	Status        Status     `json:"status"`
	BoletoURL     string     `json:"boleto_url,omitempty"`
	PixQRCode     string     `json:"pix_qr_code,omitempty"`
	PixQRCodeURL  string     `json:"pix_qr_code_url,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
