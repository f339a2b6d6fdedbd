package fiscal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// FISCAL AUDIT ENTRY - Immutable record of one computed concept
// =============================================================================

// AuditConcept names what was computed: a tax ("ISR", "SUBSIDIO", ...), an
// IMSS quota, or a formula concept ("PERCEPTION:SUELDO").
type AuditConcept string

const (
	AuditISR          AuditConcept = "ISR"
	AuditSubsidy      AuditConcept = "SUBSIDIO"
	AuditNetISR       AuditConcept = "ISR_NETO"
	AuditIMSSEmployee AuditConcept = "IMSS_OBRERO"
	AuditIMSSEmployer AuditConcept = "IMSS_PATRONAL"
)

// FormulaAuditConcept names the audit concept for a formula-driven amount.
func FormulaAuditConcept(t ConceptType, code string) AuditConcept {
	return AuditConcept(string(t) + ":" + code)
}

// FiscalAuditEntry is created once per computation and never updated.
// A recomputation appends a new entry that points at the one it supersedes.
type FiscalAuditEntry struct {
	ID              string       `json:"id"`
	PayrollDetailID string       `json:"payroll_detail_id"`
	CompanyID       string       `json:"company_id"`
	EmployeeID      string       `json:"employee_id"`
	ConceptType     AuditConcept `json:"concept_type"`

	CalculationBase  decimal.Decimal  `json:"calculation_base"`
	LimitInferior    *decimal.Decimal `json:"limit_inferior,omitempty"`
	Excedente        *decimal.Decimal `json:"excedente,omitempty"`
	ImpuestoMarginal *decimal.Decimal `json:"impuesto_marginal,omitempty"`
	CuotaFija        *decimal.Decimal `json:"cuota_fija,omitempty"`
	ResultAmount     decimal.Decimal  `json:"result_amount"`

	RuleApplied  string `json:"rule_applied,omitempty"`
	RuleVersion  int    `json:"rule_version,omitempty"`
	TableUsed    string `json:"table_used,omitempty"`
	SupersedesID string `json:"supersedes_id,omitempty"`

	Snapshot  *AuditSnapshot `json:"snapshot,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// =============================================================================
// SNAPSHOTS - Everything needed to recompute an entry offline
// =============================================================================

type AuditSnapshot struct {
	Input   InputSnapshot        `json:"input"`
	Output  OutputSnapshot       `json:"output"`
	Applied AppliedRulesSnapshot `json:"applied"`
}

// InputSnapshot freezes the inputs as of computation time.
type InputSnapshot struct {
	Employee EmployeeSnapshot `json:"employee"`
	Period   PeriodSnapshot   `json:"period"`
	Fiscal   FiscalParams     `json:"fiscal"`

	// Base is the amount a table or rate set was applied to.
	Base decimal.Decimal `json:"base"`

	// Variables are the formula context values, keyed by variable name.
	Variables map[string]decimal.Decimal `json:"variables,omitempty"`

	// ContributionDays is used by IMSS computations.
	ContributionDays decimal.Decimal `json:"contribution_days"`
}

// OutputSnapshot is the computed breakdown.
type OutputSnapshot struct {
	Result decimal.Decimal `json:"result"`

	LimitInferior    *decimal.Decimal `json:"limit_inferior,omitempty"`
	Excedente        *decimal.Decimal `json:"excedente,omitempty"`
	ImpuestoMarginal *decimal.Decimal `json:"impuesto_marginal,omitempty"`
	CuotaFija        *decimal.Decimal `json:"cuota_fija,omitempty"`

	ISR     *decimal.Decimal `json:"isr,omitempty"`
	Subsidy *decimal.Decimal `json:"subsidy,omitempty"`

	Value         *decimal.Decimal `json:"value,omitempty"`
	TaxableAmount *decimal.Decimal `json:"taxable_amount,omitempty"`
	ExemptAmount  *decimal.Decimal `json:"exempt_amount,omitempty"`

	IMSSLines []IMSSLine `json:"imss_lines,omitempty"`
}

// IMSSLine is one concept of an IMSS computation.
type IMSSLine struct {
	Concept  IMSSConcept     `json:"concept"`
	Base     decimal.Decimal `json:"base"`
	Employer decimal.Decimal `json:"employer"`
	Employee decimal.Decimal `json:"employee"`
}

// CalculationMethod tells the verifier how to recompute an entry.
type CalculationMethod string

const (
	MethodBracketISR     CalculationMethod = "BRACKET_ISR"
	MethodBracketSubsidy CalculationMethod = "BRACKET_SUBSIDY"
	MethodNetISR         CalculationMethod = "BRACKET_NET_ISR"
	MethodFormula        CalculationMethod = "FORMULA"
	MethodIMSSEmployee   CalculationMethod = "IMSS_EMPLOYEE"
	MethodIMSSEmployer   CalculationMethod = "IMSS_EMPLOYER"
)

// AppliedRulesSnapshot carries copies of the rules actually used, plus the
// checksum each copy had when it was used.
type AppliedRulesSnapshot struct {
	Method   CalculationMethod `json:"method"`
	Rules    []AppliedRule     `json:"rules"`
	Rounding rounding.Policy   `json:"rounding"`

	ISRTable     *BracketTable `json:"isr_table,omitempty"`
	SubsidyTable *BracketTable `json:"subsidy_table,omitempty"`
	IMSSRates    *IMSSRateSet  `json:"imss_rates,omitempty"`

	Expression      string           `json:"expression,omitempty"`
	IsTaxable       bool             `json:"is_taxable,omitempty"`
	ExemptLimit     *decimal.Decimal `json:"exempt_limit,omitempty"`
	ExemptLimitType ExemptLimitType  `json:"exempt_limit_type,omitempty"`
}

type RuleKind string

const (
	RuleFormula   RuleKind = "formula"
	RuleISRTable  RuleKind = "isr_table"
	RuleSubsidy   RuleKind = "subsidy_table"
	RuleIMSSRates RuleKind = "imss_rates"
)

type AppliedRule struct {
	ID       string   `json:"id"`
	Kind     RuleKind `json:"kind"`
	Version  int      `json:"version,omitempty"`
	Checksum string   `json:"checksum"`
}
