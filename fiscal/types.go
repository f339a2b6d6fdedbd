/*
Package fiscal provides the domain core of the payroll fiscal engine.

PURPOSE:
  This package holds the data model every other package speaks: calculation
  formulas and their versions, bracket tables, IMSS rate sets, audit entries
  and their reproducibility snapshots, payroll details, and the read-only
  employee/period/fiscal-parameter snapshots supplied by collaborators.
  Algorithms live elsewhere (formula, bracket, rules, audit, payroll); this
  package only defines shapes, errors and storage contracts.

KEY CONCEPTS IN THIS FILE (types.go):
  - ConceptType:      PERCEPTION or DEDUCTION
  - ExemptLimitType:  unit an exemption limit is expressed in (UMA, SMG, ...)
  - PeriodType:       payroll frequency, keys bracket tables
  - FiscalParams:     UMA/SMG values in force on a date
  - EmployeeSnapshot: what the engine reads about an employee
  - PeriodSnapshot:   what the engine reads about a payroll period

DESIGN PRINCIPLES:
  1. Precision: every amount is decimal.Decimal
  2. Immutability: formulas are superseded, audit entries are appended
  3. Explicit optionals: nullable fields are pointers, never zero-by-convention

SEE ALSO:
  - formula.go: CalculationFormula and validity windows
  - tables.go:  bracket tables and IMSS rates
  - audit.go:   FiscalAuditEntry and snapshots
  - store.go:   persistence interfaces
*/
package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONCEPTS
// =============================================================================

type ConceptType string

const (
	ConceptPerception ConceptType = "PERCEPTION"
	ConceptDeduction  ConceptType = "DEDUCTION"
)

func (c ConceptType) Valid() bool {
	return c == ConceptPerception || c == ConceptDeduction
}

// ExemptLimitType is the unit an exemption limit is multiplied by.
type ExemptLimitType string

const (
	ExemptNone       ExemptLimitType = ""
	ExemptUMA        ExemptLimitType = "UMA"
	ExemptUMAMonthly ExemptLimitType = "UMA_MONTHLY"
	ExemptSMG        ExemptLimitType = "SMG"
	ExemptFixed      ExemptLimitType = "FIXED"
)

func (e ExemptLimitType) Valid() bool {
	switch e {
	case ExemptNone, ExemptUMA, ExemptUMAMonthly, ExemptSMG, ExemptFixed:
		return true
	}
	return false
}

// =============================================================================
// PERIOD TYPES
// =============================================================================

type PeriodType string

const (
	PeriodWeekly   PeriodType = "WEEKLY"
	PeriodTenDay   PeriodType = "TEN_DAY"
	PeriodBiweekly PeriodType = "BIWEEKLY"
	PeriodMonthly  PeriodType = "MONTHLY"
)

func ParsePeriodType(s string) (PeriodType, error) {
	p := PeriodType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := periodDays[p]; !ok {
		return "", fmt.Errorf("unknown period type %q", s)
	}
	return p, nil
}

var periodDays = map[PeriodType]int64{
	PeriodWeekly:   7,
	PeriodTenDay:   10,
	PeriodBiweekly: 15,
	PeriodMonthly:  30,
}

// Days is the number of paid days the period type stands for.
func (p PeriodType) Days() decimal.Decimal {
	return decimal.NewFromInt(periodDays[p])
}

func (p PeriodType) Valid() bool {
	_, ok := periodDays[p]
	return ok
}

// =============================================================================
// FISCAL PARAMETERS
// =============================================================================

// FiscalParams are the reference units in force on a date.
type FiscalParams struct {
	EffectiveFrom time.Time       `json:"effective_from"`
	UMADaily      decimal.Decimal `json:"uma_daily"`
	UMAMonthly    decimal.Decimal `json:"uma_monthly"`
	SMGDaily      decimal.Decimal `json:"smg_daily"`
}

// =============================================================================
// COLLABORATOR SNAPSHOTS (read-only inputs)
// =============================================================================

// EmployeeSnapshot is the employee as seen at computation time.
type EmployeeSnapshot struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	BaseSalary  decimal.Decimal `json:"base_salary"`
	DailySalary decimal.Decimal `json:"daily_salary"`
	SBC         decimal.Decimal `json:"sbc"`
	HireDate    time.Time       `json:"hire_date"`
	RiskClass   RiskClass       `json:"risk_class,omitempty"`

	// Period incidences. WorkedDays nil means "period days minus absences".
	WorkedDays    *decimal.Decimal `json:"worked_days,omitempty"`
	OvertimeHours decimal.Decimal  `json:"overtime_hours"`
	AbsenceDays   decimal.Decimal  `json:"absence_days"`

	// Custom holds values for the custom1..customN formula slots.
	Custom map[int]decimal.Decimal `json:"custom,omitempty"`
}

// SeniorityYears returns completed years of service at date.
func (e EmployeeSnapshot) SeniorityYears(at time.Time) decimal.Decimal {
	if e.HireDate.IsZero() || at.Before(e.HireDate) {
		return decimal.Zero
	}
	years := at.Year() - e.HireDate.Year()
	anniversary := e.HireDate.AddDate(years, 0, 0)
	if at.Before(anniversary) {
		years--
	}
	return decimal.NewFromInt(int64(years))
}

// PeriodSnapshot is the payroll period being computed.
type PeriodSnapshot struct {
	ID          string     `json:"id"`
	Type        PeriodType `json:"type"`
	Year        int        `json:"year"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     time.Time  `json:"end_date"`
	PaymentDate time.Time  `json:"payment_date"`
}

// Days counts calendar days in [StartDate, EndDate].
func (p PeriodSnapshot) Days() decimal.Decimal {
	if p.StartDate.IsZero() || p.EndDate.Before(p.StartDate) {
		return p.Type.Days()
	}
	n := int64(p.EndDate.Sub(p.StartDate).Hours()/24) + 1
	return decimal.NewFromInt(n)
}
