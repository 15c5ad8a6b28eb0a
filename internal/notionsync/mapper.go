package notionsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/jomei/notionapi"
)

// Property names of the transactions board.
const (
	propDescription   = "Description"
	propTransactionID = "Transaction ID"
	propType          = "Type"
	propStatus        = "Status"
	propAmount        = "Amount"
	propDueDate       = "Due Date"
	propPaidDate      = "Paid Date"
	propPaymentMethod = "Payment Method"
	propReference     = "Reference"
	propBillingPeriod = "Billing Period"
	propInvoiceStatus = "Invoice Status"
	propInvoiceURL    = "Invoice URL"
	propFingerprint   = "Fingerprint"
)

// TransactionToNotionProperties converts a transaction to Notion properties.
// Status is the effective status on today and Amount the final amount.
func TransactionToNotionProperties(tx *domain.Transaction, today civil.Date) notionapi.Properties {
	title := tx.Description
	if title == "" {
		title = string(tx.Type)
	}

	amount, _ := tx.FinalAmount().Float64()
	props := notionapi.Properties{
		propDescription: notionapi.TitleProperty{
			Title: []notionapi.RichText{textRun(title)},
		},
		propTransactionID: richText(tx.ID),
		propType:          selectOption(string(tx.Type)),
		propStatus:        selectOption(string(tx.EffectiveStatus(today))),
		propAmount:        notionapi.NumberProperty{Number: amount},
		propDueDate:       dateProperty(tx.DueDate),
		propFingerprint:   richText(Fingerprint(tx, today)),
	}

	if tx.PaidDate != nil {
		props[propPaidDate] = dateProperty(*tx.PaidDate)
	}
	if tx.PaymentMethod != "" {
		props[propPaymentMethod] = selectOption(string(tx.PaymentMethod))
	}
	if tx.Reference != nil {
		props[propReference] = richText(string(tx.Reference.Kind) + ":" + tx.Reference.ID)
	}
	if tx.BillingPeriod != "" {
		props[propBillingPeriod] = richText(tx.BillingPeriod)
	}
	if tx.Invoice != nil {
		props[propInvoiceStatus] = selectOption(string(tx.Invoice.Status))
		if url := invoiceURL(tx.Invoice); url != "" {
			props[propInvoiceURL] = notionapi.URLProperty{URL: url}
		}
	}

	return props
}

// Fingerprint summarises every field the board shows. A page whose stored
// fingerprint matches needs no update.
func Fingerprint(tx *domain.Transaction, today civil.Date) string {
	parts := []string{
		tx.ID,
		tx.Description,
		string(tx.Type),
		string(tx.EffectiveStatus(today)),
		tx.FinalAmount().String(),
		tx.DueDate.String(),
		string(tx.PaymentMethod),
		tx.BillingPeriod,
	}
	if tx.PaidDate != nil {
		parts = append(parts, tx.PaidDate.String())
	} else {
		parts = append(parts, "")
	}
	if tx.Reference != nil {
		parts = append(parts, string(tx.Reference.Kind)+":"+tx.Reference.ID)
	} else {
		parts = append(parts, "")
	}
	if tx.Invoice != nil {
		parts = append(parts, string(tx.Invoice.Status), invoiceURL(tx.Invoice))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

func invoiceURL(inv *domain.Invoice) string {
	if inv.BoletoURL != "" {
		return inv.BoletoURL
	}
	return inv.PixQRCodeURL
}

func textRun(content string) notionapi.RichText {
	return notionapi.RichText{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: content},
	}
}

func richText(content string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{RichText: []notionapi.RichText{textRun(content)}}
}

func selectOption(name string) notionapi.SelectProperty {
	return notionapi.SelectProperty{Select: notionapi.Option{Name: name}}
}

func dateProperty(d civil.Date) notionapi.DateProperty {
	start := notionapi.Date(time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC))
	return notionapi.DateProperty{Date: &notionapi.DateObject{Start: &start}}
}

// readRichText returns the plain text of a rich-text property, or "".
func readRichText(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	var runs []notionapi.RichText
	switch rt := prop.(type) {
	case *notionapi.RichTextProperty:
		runs = rt.RichText
	case notionapi.RichTextProperty:
		runs = rt.RichText
	}
	if len(runs) == 0 {
		return ""
	}
	if runs[0].PlainText != "" {
		return runs[0].PlainText
	}
	if runs[0].Text != nil {
		return runs[0].Text.Content
	}
	return ""
}
