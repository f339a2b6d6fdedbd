package fiscal

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYROLL DETAIL - Per-employee result of a period run
// =============================================================================

type DetailStatus string

const (
	DetailCalculated DetailStatus = "CALCULATED"
	DetailFailed     DetailStatus = "FAILED"
)

// ConceptAmount is one evaluated formula concept.
type ConceptAmount struct {
	ConceptCode   string          `json:"concept_code"`
	ConceptType   ConceptType     `json:"concept_type"`
	FormulaID     string          `json:"formula_id"`
	Version       int             `json:"version"`
	Amount        decimal.Decimal `json:"amount"`
	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	ExemptAmount  decimal.Decimal `json:"exempt_amount"`
}

// SkippedConcept records a concept dropped from a detail because its
// evaluation failed.
type SkippedConcept struct {
	ConceptCode string `json:"concept_code"`
	Reason      string `json:"reason"`
}

type PayrollDetail struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	CompanyID  string       `json:"company_id"`
	EmployeeID string       `json:"employee_id"`
	PeriodID   string       `json:"period_id"`
	Status     DetailStatus `json:"status"`

	Perceptions []ConceptAmount  `json:"perceptions"`
	Deductions  []ConceptAmount  `json:"deductions"`
	Skipped     []SkippedConcept `json:"skipped,omitempty"`

	TotalPerceptions decimal.Decimal `json:"total_perceptions"`
	TotalDeductions  decimal.Decimal `json:"total_deductions"`
	TaxableIncome    decimal.Decimal `json:"taxable_income"`
	ExemptIncome     decimal.Decimal `json:"exempt_income"`
	ISR              decimal.Decimal `json:"isr"`
	Subsidy          decimal.Decimal `json:"subsidy"`
	NetISR           decimal.Decimal `json:"net_isr"`
	IMSSEmployee     decimal.Decimal `json:"imss_employee"`
	IMSSEmployer     decimal.Decimal `json:"imss_employer"`
	NetPay           decimal.Decimal `json:"net_pay"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PeriodTotals is the aggregate over all persisted details of a run.
type PeriodTotals struct {
	RunID            string          `json:"run_id"`
	Employees        int             `json:"employees"`
	Failed           int             `json:"failed"`
	TotalPerceptions decimal.Decimal `json:"total_perceptions"`
	TotalDeductions  decimal.Decimal `json:"total_deductions"`
	TotalISR         decimal.Decimal `json:"total_isr"`
	TotalSubsidy     decimal.Decimal `json:"total_subsidy"`
	TotalIMSS        decimal.Decimal `json:"total_imss_employee"`
	TotalIMSSPatron  decimal.Decimal `json:"total_imss_employer"`
	TotalNetPay      decimal.Decimal `json:"total_net_pay"`
}

// Accumulate folds one detail into the totals. Failed details only count.
func (t *PeriodTotals) Accumulate(d PayrollDetail) {
	t.Employees++
	if d.Status == DetailFailed {
		t.Failed++
		return
	}
	t.TotalPerceptions = t.TotalPerceptions.Add(d.TotalPerceptions)
	t.TotalDeductions = t.TotalDeductions.Add(d.TotalDeductions)
	t.TotalISR = t.TotalISR.Add(d.NetISR)
	t.TotalSubsidy = t.TotalSubsidy.Add(d.Subsidy)
	t.TotalIMSS = t.TotalIMSS.Add(d.IMSSEmployee)
	t.TotalIMSSPatron = t.TotalIMSSPatron.Add(d.IMSSEmployer)
	t.TotalNetPay = t.TotalNetPay.Add(d.NetPay)
}
