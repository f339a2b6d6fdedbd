package fiscal

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CALCULATION FORMULA - One version of a company's concept rule
// =============================================================================

// CalculationFormula is owned by (CompanyID, ConceptCode).
//
// INVARIANTS:
//   - At most one active row per (company, concept, fiscal year).
//   - Active validity windows of rows without a fiscal year never overlap.
//   - Once superseded a row is never modified again and never deleted;
//     audit entries point at it by (ID, Version).
type CalculationFormula struct {
	ID          string      `json:"id"`
	CompanyID   string      `json:"company_id"`
	ConceptCode string      `json:"concept_code"`
	ConceptType ConceptType `json:"concept_type"`
	Name        string      `json:"name,omitempty"`
	Expression  string      `json:"expression"`

	// IsExempt makes the whole amount exempt, whatever IsTaxable and the
	// limit say. Otherwise the limit sets the exempt part and IsTaxable
	// whether the rest is taxable.
	IsTaxable       bool             `json:"is_taxable"`
	IsExempt        bool             `json:"is_exempt"`
	ExemptLimit     *decimal.Decimal `json:"exempt_limit,omitempty"`
	ExemptLimitType ExemptLimitType  `json:"exempt_limit_type,omitempty"`

	// Scope: either a fiscal year or a [ValidFrom, ValidTo) window.
	FiscalYear *int       `json:"fiscal_year,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`

	Version      int        `json:"version"`
	IsActive     bool       `json:"is_active"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by,omitempty"`
	PreviousID   string     `json:"previous_id,omitempty"`
}

type FormulaStatus string

const (
	FormulaActive     FormulaStatus = "ACTIVE"
	FormulaSuperseded FormulaStatus = "SUPERSEDED"
)

func (f CalculationFormula) Status() FormulaStatus {
	if f.IsActive {
		return FormulaActive
	}
	return FormulaSuperseded
}

// Window returns the row's validity window.
func (f CalculationFormula) Window() Window {
	return Window{From: f.ValidFrom, To: f.ValidTo}
}

// IsFiscalYearScoped reports whether the row is bound to a tax year.
func (f CalculationFormula) IsFiscalYearScoped() bool {
	return f.FiscalYear != nil
}

// =============================================================================
// WINDOW - Half-open validity interval
// =============================================================================

// Window is the half-open interval [From, To). A nil bound is unbounded.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && !t.Before(*w.To) {
		return false
	}
	return true
}

// Intersects reports whether the two windows share at least one instant.
func (w Window) Intersects(o Window) bool {
	// [a, b) and [c, d) intersect iff a < d and c < b.
	if w.From != nil && o.To != nil && !w.From.Before(*o.To) {
		return false
	}
	if o.From != nil && w.To != nil && !o.From.Before(*w.To) {
		return false
	}
	return true
}

// Empty reports a window whose end is not after its start.
func (w Window) Empty() bool {
	return w.From != nil && w.To != nil && !w.From.Before(*w.To)
}
