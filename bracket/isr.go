package bracket

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

var (
	// ErrOutOfDomain is returned for bases no row can match.
	ErrOutOfDomain = errors.New("base outside table domain")

	// ErrKindMismatch is returned when a subsidy table is used for ISR or
	// the other way around.
	ErrKindMismatch = errors.New("table kind mismatch")
)

// =============================================================================
// ISR
// =============================================================================

// ISRResult is the breakdown of an ISR computation, in the field names the
// SAT worksheet uses.
type ISRResult struct {
	Row              int             `json:"row"`
	Base             decimal.Decimal `json:"base"`
	LimitInferior    decimal.Decimal `json:"limit_inferior"`
	Excedente        decimal.Decimal `json:"excedente"`
	ImpuestoMarginal decimal.Decimal `json:"impuesto_marginal"`
	CuotaFija        decimal.Decimal `json:"cuota_fija"`
	ISR              decimal.Decimal `json:"isr"`
}

// CalculateISR applies isr = fixedFee + (base - lowerLimit) x rateOnExcess.
func CalculateISR(base decimal.Decimal, t fiscal.BracketTable) (ISRResult, error) {
	if t.Kind != fiscal.TableISR {
		return ISRResult{}, fmt.Errorf("%w: %s is not an ISR table", ErrKindMismatch, t.Identifier())
	}
	idx, err := Match(t, base)
	if err != nil {
		return ISRResult{}, err
	}
	row := t.Rows[idx]
	excedente := base.Sub(row.LowerLimit)
	marginal := excedente.Mul(row.RateOnExcess)
	return ISRResult{
		Row:              idx,
		Base:             base,
		LimitInferior:    row.LowerLimit,
		Excedente:        excedente,
		ImpuestoMarginal: marginal,
		CuotaFija:        row.FixedFee,
		ISR:              row.FixedFee.Add(marginal),
	}, nil
}

// Rounded returns the result with ISR rounded by policy. Intermediate values
// stay exact.
func (r ISRResult) Rounded(p rounding.Policy) ISRResult {
	r.ISR = p.Round(r.ISR)
	return r
}

// =============================================================================
// SUBSIDIO AL EMPLEO
// =============================================================================

type SubsidyResult struct {
	Row     int             `json:"row"`
	Base    decimal.Decimal `json:"base"`
	Subsidy decimal.Decimal `json:"subsidy"`
}

// CalculateSubsidy returns the flat subsidy of the matching row.
func CalculateSubsidy(base decimal.Decimal, t fiscal.BracketTable) (SubsidyResult, error) {
	if t.Kind != fiscal.TableSubsidy {
		return SubsidyResult{}, fmt.Errorf("%w: %s is not a subsidy table", ErrKindMismatch, t.Identifier())
	}
	idx, err := Match(t, base)
	if err != nil {
		return SubsidyResult{}, err
	}
	return SubsidyResult{Row: idx, Base: base, Subsidy: t.Rows[idx].SubsidyAmount}, nil
}

func (r SubsidyResult) Rounded(p rounding.Policy) SubsidyResult {
	r.Subsidy = p.Round(r.Subsidy)
	return r
}

// =============================================================================
// NET ISR
// =============================================================================

// NetISR is max(0, isr - subsidy). The subsidy never becomes a payment.
func NetISR(isr, subsidy decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, isr.Sub(subsidy))
}

type NetISRResult struct {
	ISR     ISRResult       `json:"isr"`
	Subsidy SubsidyResult   `json:"subsidy"`
	Net     decimal.Decimal `json:"net"`

	// Scaled is set when a monthly table was applied to another period type.
	// The breakdown then refers to the monthly base.
	Scaled bool `json:"scaled,omitempty"`
}

// CalculateNetISR computes ISR, subsidy and their difference for one base.
// A nil subsidy table means no subsidy.
func CalculateNetISR(base decimal.Decimal, isrTable fiscal.BracketTable, subsidyTable *fiscal.BracketTable) (NetISRResult, error) {
	isr, err := CalculateISR(base, isrTable)
	if err != nil {
		return NetISRResult{}, err
	}
	sub := SubsidyResult{Row: -1, Base: base, Subsidy: decimal.Zero}
	if subsidyTable != nil {
		if sub, err = CalculateSubsidy(base, *subsidyTable); err != nil {
			return NetISRResult{}, err
		}
	}
	return NetISRResult{ISR: isr, Subsidy: sub, Net: NetISR(isr.ISR, sub.Subsidy)}, nil
}

// Rounded rounds ISR and subsidy, then nets the rounded amounts so the three
// figures on a receipt always reconcile.
func (r NetISRResult) Rounded(p rounding.Policy) NetISRResult {
	r.ISR = r.ISR.Rounded(p)
	r.Subsidy = r.Subsidy.Rounded(p)
	r.Net = NetISR(r.ISR.ISR, r.Subsidy.Subsidy)
	return r
}

// =============================================================================
// PERIOD CONVERSION
// =============================================================================

// MonthDays is the average month length used to bring a period base onto a
// monthly table.
var MonthDays = decimal.RequireFromString("30.4")

// CalculateNetISRForPeriod computes net ISR for a base earned over a period.
// When the tables are published for that period type they are used as is.
// Otherwise monthly tables are applied to the base scaled to MonthDays and
// the amounts are scaled back to the period.
func CalculateNetISRForPeriod(base decimal.Decimal, period fiscal.PeriodType, isrTable fiscal.BracketTable, subsidyTable *fiscal.BracketTable) (NetISRResult, error) {
	if subsidyTable != nil && subsidyTable.PeriodType != isrTable.PeriodType {
		return NetISRResult{}, fmt.Errorf("%w: ISR table is %s, subsidy table is %s",
			ErrKindMismatch, isrTable.PeriodType, subsidyTable.PeriodType)
	}
	if isrTable.PeriodType == period {
		return CalculateNetISR(base, isrTable, subsidyTable)
	}
	if isrTable.PeriodType != fiscal.PeriodMonthly || !period.Valid() {
		return NetISRResult{}, fmt.Errorf("%w: cannot apply %s table to %s period",
			ErrKindMismatch, isrTable.PeriodType, period)
	}

	days := period.Days()
	monthly := base.Mul(MonthDays).DivRound(days, 10)
	res, err := CalculateNetISR(monthly, isrTable, subsidyTable)
	if err != nil {
		return NetISRResult{}, err
	}
	back := func(v decimal.Decimal) decimal.Decimal {
		return v.Mul(days).DivRound(MonthDays, 10)
	}
	res.ISR.ISR = back(res.ISR.ISR)
	res.Subsidy.Subsidy = back(res.Subsidy.Subsidy)
	res.Net = NetISR(res.ISR.ISR, res.Subsidy.Subsidy)
	res.Scaled = true
	return res, nil
}
