package fiscal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BRACKET TABLES - ISR and Subsidio al Empleo
// =============================================================================

type TableKind string

const (
	TableISR     TableKind = "ISR"
	TableSubsidy TableKind = "SUBSIDY"
)

// BracketRow is keyed by (year, period type, LowerLimit).
// UpperLimit nil marks the open-ended top row.
type BracketRow struct {
	LowerLimit    decimal.Decimal  `json:"lower_limit"`
	UpperLimit    *decimal.Decimal `json:"upper_limit,omitempty"`
	FixedFee      decimal.Decimal  `json:"fixed_fee"`
	RateOnExcess  decimal.Decimal  `json:"rate_on_excess"`
	SubsidyAmount decimal.Decimal  `json:"subsidy_amount"`
}

// BracketTable is the ordered set of rows for one (kind, year, period type).
type BracketTable struct {
	ID         string       `json:"id"`
	Kind       TableKind    `json:"kind"`
	Year       int          `json:"year"`
	PeriodType PeriodType   `json:"period_type"`
	Rows       []BracketRow `json:"rows"`
}

type TableKey struct {
	Kind       TableKind
	Year       int
	PeriodType PeriodType
}

func (k TableKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Kind, k.Year, k.PeriodType)
}

func (t BracketTable) Key() TableKey {
	return TableKey{Kind: t.Kind, Year: t.Year, PeriodType: t.PeriodType}
}

// Identifier is the table id, or its key when no id was assigned.
func (t BracketTable) Identifier() string {
	if t.ID != "" {
		return t.ID
	}
	return t.Key().String()
}

// =============================================================================
// IMSS - Social security quota rates
// =============================================================================

type IMSSConcept string

const (
	IMSSEnfermedadMaternidadFija      IMSSConcept = "enfermedad_maternidad_cuota_fija"
	IMSSEnfermedadMaternidadExcedente IMSSConcept = "enfermedad_maternidad_excedente"
	IMSSPrestacionesDinero            IMSSConcept = "prestaciones_dinero"
	IMSSGastosMedicosPensionados      IMSSConcept = "gastos_medicos_pensionados"
	IMSSInvalidezVida                 IMSSConcept = "invalidez_vida"
	IMSSCesantiaVejez                 IMSSConcept = "cesantia_vejez"
	IMSSRetiro                        IMSSConcept = "retiro"
	IMSSGuarderias                    IMSSConcept = "guarderias"
	IMSSRiesgoTrabajo                 IMSSConcept = "riesgo_trabajo"
	IMSSInfonavit                     IMSSConcept = "infonavit"
)

// IMSSBase selects the salary a rate applies to.
type IMSSBase string

const (
	BaseSBC            IMSSBase = "SBC"               // capped contribution base
	BaseExcessOver3UMA IMSSBase = "EXCESS_OVER_3_UMA" // SBC above three UMA
	BaseUMA            IMSSBase = "UMA"               // one UMA per day
)

type IMSSConceptRate struct {
	Concept      IMSSConcept     `json:"concept"`
	Base         IMSSBase        `json:"base"`
	EmployerRate decimal.Decimal `json:"employer_rate"`
	EmployeeRate decimal.Decimal `json:"employee_rate"`
}

// RiskClass is the employer's occupational risk class (I..V).
type RiskClass string

const (
	RiskClassI   RiskClass = "I"
	RiskClassII  RiskClass = "II"
	RiskClassIII RiskClass = "III"
	RiskClassIV  RiskClass = "IV"
	RiskClassV   RiskClass = "V"
)

// IMSSRateSet holds every quota rate in force for a year.
type IMSSRateSet struct {
	ID             string                        `json:"id"`
	Year           int                           `json:"year"`
	SBCCapUMA      decimal.Decimal               `json:"sbc_cap_uma"`
	Rates          []IMSSConceptRate             `json:"rates"`
	RiskClassRates map[RiskClass]decimal.Decimal `json:"risk_class_rates"`
}

func (s IMSSRateSet) Identifier() string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("IMSS/%d", s.Year)
}
