/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the HTTP adapter speaks. Engine types that
  already carry JSON tags (payroll details, audit entries, settlements)
  are returned as they are; the types below cover what the engine has no
  wire form for.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("9000.00"). Numbers are accepted on
  input, never produced on output.

DATES:
  Query parameters and formula validity bounds use YYYY-MM-DD. Snapshot
  bodies (employees, periods) use RFC 3339 timestamps.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/formula.go: FormulaJSON
  - factory/tables.go: CatalogJSON
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// FORMULAS
// =============================================================================

// FormulaDTO wraps the wire form of a stored formula version.
type FormulaDTO = factory.FormulaJSON

// ResolvedFormulaDTO is the version in force on a date.
type ResolvedFormulaDTO struct {
	Formula FormulaDTO `json:"formula"`
	Reason  string     `json:"reason"`
	Date    string     `json:"date"`
}

// OverlapRequest checks a scope against the active versions.
type OverlapRequest struct {
	CompanyID   string `json:"company_id"`
	ConceptCode string `json:"concept_code"`
	ValidFrom   string `json:"valid_from,omitempty"`
	ValidTo     string `json:"valid_to,omitempty"`
	FiscalYear  *int   `json:"fiscal_year,omitempty"`
	ExcludeID   string `json:"exclude_id,omitempty"`
}

type OverlapResponse struct {
	Valid     bool         `json:"valid"`
	Conflicts []FormulaDTO `json:"conflicts"`
}

// ExpressionRequest validates or test-evaluates an expression.
// Sample is only used by the test endpoint.
type ExpressionRequest struct {
	Expression     string                     `json:"expression"`
	Sample         map[string]decimal.Decimal `json:"sample,omitempty"`
	RoundingMethod string                     `json:"rounding_method,omitempty"`
}

// ExpressionResponse reports the outcome of a validation or test run.
// A failed expression is a successful request with Valid=false.
type ExpressionResponse struct {
	Valid     bool             `json:"valid"`
	Result    *decimal.Decimal `json:"result,omitempty"`
	Variables []string         `json:"variables,omitempty"`
	Error     *ExpressionError `json:"error,omitempty"`
}

type ExpressionError struct {
	Code     string `json:"code"`
	Position int    `json:"position"`
	Message  string `json:"message"`
}

// =============================================================================
// FISCAL TABLES
// =============================================================================

// CatalogSummaryDTO lists what an install wrote.
type CatalogSummaryDTO struct {
	Tables    []string `json:"tables"`
	IMSSRates []string `json:"imss_rates"`
	Values    int      `json:"values"`
}

// ISRRequest computes ISR, subsidy and net ISR for a base.
type ISRRequest struct {
	CompanyID  string          `json:"company_id,omitempty"`
	Base       decimal.Decimal `json:"base"`
	Year       int             `json:"year"`
	PeriodType string          `json:"period_type"`
}

type ISRResponse struct {
	Result       bracket.NetISRResult `json:"result"`
	ISRTable     string               `json:"isr_table"`
	SubsidyTable string               `json:"subsidy_table,omitempty"`
	Rounding     rounding.Policy      `json:"rounding"`
}

// IMSSRequest computes the IMSS quotas of one salary. Date selects the
// UMA in force and the rate set of its year.
type IMSSRequest struct {
	CompanyID string           `json:"company_id,omitempty"`
	SBC       decimal.Decimal  `json:"sbc"`
	Days      decimal.Decimal  `json:"days"`
	RiskClass fiscal.RiskClass `json:"risk_class"`
	Date      string           `json:"date"` // YYYY-MM-DD
}

type IMSSResponse struct {
	Result   bracket.IMSSResult `json:"result"`
	RateSet  string             `json:"rate_set"`
	Rounding rounding.Policy    `json:"rounding"`
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

type RunRequest = payroll.RunRequest

type RunResponse = payroll.RunResult

// DetailAuditResponse is a detail with its audit trail.
type DetailAuditResponse struct {
	Detail  fiscal.PayrollDetail      `json:"detail"`
	Entries []fiscal.FiscalAuditEntry `json:"entries"`
}

// VerifyResponse aggregates integrity reports.
type VerifyResponse struct {
	Valid   bool                    `json:"valid"`
	Reports []audit.IntegrityReport `json:"reports"`
}

// =============================================================================
// TEMPLATES
// =============================================================================

type TemplateDTO = factory.ConceptTemplate

type InstallTemplateRequest struct {
	TemplateID string `json:"template_id"`
	CompanyID  string `json:"company_id"`
	FiscalYear *int   `json:"fiscal_year,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
}

// InstallTemplateResponse lists the versions created and the concepts left
// alone because the company already has an active version in scope.
type InstallTemplateResponse struct {
	TemplateID string       `json:"template_id"`
	Installed  []FormulaDTO `json:"installed"`
	Skipped    []string     `json:"skipped"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type SettlementRequest = payroll.SettlementInput

// =============================================================================
// ROUNDING
// =============================================================================

type RoundingPolicyDTO struct {
	CompanyID string `json:"company_id"`
	Method    string `json:"method"`
	Precision int32  `json:"precision"`
}

// RoundRequest rounds a value, or distributes it when Parts is set.
type RoundRequest struct {
	CompanyID string            `json:"company_id"`
	Value     decimal.Decimal   `json:"value"`
	Values    []decimal.Decimal `json:"values,omitempty"`
	Parts     int               `json:"parts,omitempty"`
}

type RoundResponse struct {
	Policy  rounding.Policy   `json:"policy"`
	Result  *decimal.Decimal  `json:"result,omitempty"`
	Sum     *decimal.Decimal  `json:"sum,omitempty"`
	Shares  []decimal.Decimal `json:"shares,omitempty"`
	Applied string            `json:"applied"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string       `json:"error"`
	Details   string       `json:"details,omitempty"`
	Conflicts []FormulaDTO `json:"conflicts,omitempty"`
}
