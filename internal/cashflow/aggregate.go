// Package cashflow summarizes receivables, payables and net flow over a date
// window. Aggregate is pure; Service loads its input from a store.
package cashflow

import (
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultRecentLimit caps Report.Recent when no limit is given.
const DefaultRecentLimit = 10

// Window is an inclusive date range.
type Window struct {
	Start civil.Date `json:"startDate"`
	End   civil.Date `json:"endDate"`
}

// Validate rejects unset or inverted windows.
func (w Window) Validate() error {
	if !w.Start.IsValid() {
		return domain.NewValidationError("start_date", "start date is required")
	}
	if !w.End.IsValid() {
		return domain.NewValidationError("end_date", "end date is required")
	}
	if w.End.Before(w.Start) {
		return domain.NewValidationError("end_date", "end date is before start date")
	}
	return nil
}

// Contains reports whether d is within the window.
func (w Window) Contains(d civil.Date) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// Input is everything Aggregate looks at.
type Input struct {
	Window       Window
	Transactions []*domain.Transaction
	Today        civil.Date
	RecentLimit  int
}

// Totals is the due and paid sum of one side of the ledger.
type Totals struct {
	Total decimal.Decimal `json:"total"`
	Paid  decimal.Decimal `json:"paid"`
}

// Day is the activity of one calendar date.
type Day struct {
	Date            civil.Date      `json:"date"`
	ReceivablesPaid decimal.Decimal `json:"receivablesPaid"`
	PayablesPaid    decimal.Decimal `json:"payablesPaid"`
	NetFlow         decimal.Decimal `json:"netFlow"`
	ReceivablesDue  decimal.Decimal `json:"receivablesDue"`
	PayablesDue     decimal.Decimal `json:"payablesDue"`
}

// Month is the paid activity of one YYYY-MM month.
type Month struct {
	Month       string          `json:"month"`
	Receivables decimal.Decimal `json:"receivables"`
	Payables    decimal.Decimal `json:"payables"`
	Net         decimal.Decimal `json:"net"`
}

// Report is the cash-flow view of a window.
type Report struct {
	Window      Window                `json:"window"`
	Receivables Totals                `json:"receivables"`
	Payables    Totals                `json:"payables"`
	NetFlow     decimal.Decimal       `json:"netFlow"`
	Daily       []Day                 `json:"daily"`
	Monthly     []Month               `json:"monthly"`
	Overdue     []*domain.Transaction `json:"overdueTransactions"`
	Recent      []*domain.Transaction `json:"recentTransactions"`
}

// Aggregate computes the report of in. Duplicate ids in the input are
// counted once. Every slice in the result is sorted, so equal inputs give
// equal reports.
//
// A transaction is in the window when it is not cancelled and its due date
// or paid date falls inside. Totals sum final amounts by due date; Paid
// sums paid transactions by paid date.
func Aggregate(in Input) *Report {
	txs := dedupe(in.Transactions)
	rep := &Report{
		Window:      in.Window,
		Receivables: Totals{Total: decimal.Zero, Paid: decimal.Zero},
		Payables:    Totals{Total: decimal.Zero, Paid: decimal.Zero},
		Daily:       []Day{},
		Monthly:     []Month{},
		Overdue:     []*domain.Transaction{},
		Recent:      []*domain.Transaction{},
	}

	days := make(map[civil.Date]*Day)
	day := func(d civil.Date) *Day {
		if e, ok := days[d]; ok {
			return e
		}
		e := &Day{
			Date:            d,
			ReceivablesPaid: decimal.Zero,
			PayablesPaid:    decimal.Zero,
			ReceivablesDue:  decimal.Zero,
			PayablesDue:     decimal.Zero,
		}
		days[d] = e
		return e
	}

	for _, tx := range txs {
		if tx.Status == domain.StatusCancelled {
			continue
		}
		amount := tx.FinalAmount()
		receivable := tx.Type.IsReceivable()

		if in.Window.Contains(tx.DueDate) {
			d := day(tx.DueDate)
			if receivable {
				rep.Receivables.Total = rep.Receivables.Total.Add(amount)
				d.ReceivablesDue = d.ReceivablesDue.Add(amount)
			} else {
				rep.Payables.Total = rep.Payables.Total.Add(amount)
				d.PayablesDue = d.PayablesDue.Add(amount)
			}
		}

		if tx.Status == domain.StatusPaid && tx.PaidDate != nil && in.Window.Contains(*tx.PaidDate) {
			d := day(*tx.PaidDate)
			if receivable {
				rep.Receivables.Paid = rep.Receivables.Paid.Add(amount)
				d.ReceivablesPaid = d.ReceivablesPaid.Add(amount)
			} else {
				rep.Payables.Paid = rep.Payables.Paid.Add(amount)
				d.PayablesPaid = d.PayablesPaid.Add(amount)
			}
		}
	}
	rep.NetFlow = rep.Receivables.Paid.Sub(rep.Payables.Paid)

	months := make(map[string]*Month)
	for _, d := range days {
		d.NetFlow = d.ReceivablesPaid.Sub(d.PayablesPaid)
		rep.Daily = append(rep.Daily, *d)

		key := fmt.Sprintf("%04d-%02d", d.Date.Year, int(d.Date.Month))
		m, ok := months[key]
		if !ok {
			m = &Month{Month: key, Receivables: decimal.Zero, Payables: decimal.Zero}
			months[key] = m
		}
		m.Receivables = m.Receivables.Add(d.ReceivablesPaid)
		m.Payables = m.Payables.Add(d.PayablesPaid)
	}
	sort.Slice(rep.Daily, func(i, j int) bool { return rep.Daily[i].Date.Before(rep.Daily[j].Date) })

	for _, m := range months {
		m.Net = m.Receivables.Sub(m.Payables)
		rep.Monthly = append(rep.Monthly, *m)
	}
	sort.Slice(rep.Monthly, func(i, j int) bool { return rep.Monthly[i].Month < rep.Monthly[j].Month })

	rep.Overdue = overdue(txs, in.Today)
	rep.Recent = recent(txs, in.RecentLimit)
	return rep
}

func dedupe(txs []*domain.Transaction) []*domain.Transaction {
	seen := make(map[string]bool, len(txs))
	out := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx == nil || seen[tx.ID] {
			continue
		}
		seen[tx.ID] = true
		out = append(out, tx)
	}
	return out
}

// overdue lists open transactions due before today, oldest due date first.
func overdue(txs []*domain.Transaction, today civil.Date) []*domain.Transaction {
	out := []*domain.Transaction{}
	for _, tx := range txs {
		if tx.IsOverdue(today) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate != out[j].DueDate {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// recent lists the most recently updated transactions, newest first.
func recent(txs []*domain.Transaction, limit int) []*domain.Transaction {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	out := append([]*domain.Transaction(nil), txs...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*domain.Transaction{}
	}
	return out
}
