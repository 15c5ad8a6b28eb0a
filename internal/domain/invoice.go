package domain

import "time"

// InvoiceKind is the payment artifact the provider issues.
type InvoiceKind string

const (
	InvoiceBoleto InvoiceKind = "boleto"
	InvoicePix    InvoiceKind = "pix"
)

// Valid reports whether k is a known invoice kind.
func (k InvoiceKind) Valid() bool {
	return k == InvoiceBoleto || k == InvoicePix
}

// InvoiceStatus mirrors the provider's invoice state. InvoiceFailed is local:
// the request never produced a provider invoice and may be retried.
type InvoiceStatus string

const (
	InvoiceOpen      InvoiceStatus = "open"
	InvoiceLate      InvoiceStatus = "late"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceFailed    InvoiceStatus = "failed"
)

// Invoice is the local mirror of the provider invoice bound to a transaction.
type Invoice struct {
	ProviderID   string        `json:"invoiceId,omitempty"`
	Kind         InvoiceKind   `json:"kind"`
	Status       InvoiceStatus `json:"status"`
	BoletoURL    string        `json:"boletoUrl,omitempty"`
	PixQRCode    string        `json:"pixQrCode,omitempty"`
	PixQRCodeURL string        `json:"pixQrCodeUrl,omitempty"`
	PaidAt       *time.Time    `json:"paidAt,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Retriable reports whether a new invoice may replace this one.
func (i *Invoice) Retriable() bool {
	return i.Status == InvoiceFailed
}

// Cancellable reports whether the provider still accepts a cancellation.
func (i *Invoice) Cancellable() bool {
	return i.ProviderID != "" && (i.Status == InvoiceOpen || i.Status == InvoiceLate)
}

// Terminal reports whether the provider invoice can no longer change.
func (i *Invoice) Terminal() bool {
	return i.Status == InvoicePaid || i.Status == InvoiceCancelled
}

// Clone returns a deep copy.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	if i.PaidAt != nil {
		p := *i.PaidAt
		c.PaidAt = &p
	}
	return &c
}

// InvoiceKindFor picks the artifact for a transaction type. Tuitions are
// billed by boleto and salaries paid by PIX voucher; expenses and income use
// fallback.
func InvoiceKindFor(t TransactionType, fallback InvoiceKind) InvoiceKind {
	switch t {
	case TypeTuition:
		return InvoiceBoleto
	case TypeSalary:
		return InvoicePix
	}
	if fallback.Valid() {
		return fallback
	}
	return InvoicePix
}
