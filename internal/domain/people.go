package domain

import "github.com/shopspring/decimal"

// Student is the slice of a student record the finance subsystem reads.
type Student struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document"`
	Active   bool   `json:"active"`
}

// Teacher is the slice of a teacher record the finance subsystem reads.
// Salary is the monthly amount used by bulk salary generation.
type Teacher struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Document string          `json:"document"`
	Salary   decimal.Decimal `json:"salary"`
	Active   bool            `json:"active"`
}

// Party is whoever an invoice is issued to.
type Party struct {
	Name     string
	Email    string
	Document string
}
