package bracket

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// IMSS - Social security quotas
// =============================================================================

var (
	ErrInvalidRates     = errors.New("invalid IMSS rate set")
	ErrUnknownRiskClass = errors.New("unknown risk class")
)

var threeUMA = decimal.NewFromInt(3)

// IMSSInput is one employee's contribution data for one period.
type IMSSInput struct {
	SBC       decimal.Decimal  `json:"sbc"`
	UMADaily  decimal.Decimal  `json:"uma_daily"`
	Days      decimal.Decimal  `json:"days"`
	RiskClass fiscal.RiskClass `json:"risk_class"`
}

type IMSSResult struct {
	// CappedSBC is min(SBC, SBCCapUMA x UMA).
	CappedSBC decimal.Decimal   `json:"capped_sbc"`
	Lines     []fiscal.IMSSLine `json:"lines"`
	Employer  decimal.Decimal   `json:"employer"`
	Employee  decimal.Decimal   `json:"employee"`
}

// ValidateRates checks a rate set before use.
func ValidateRates(s fiscal.IMSSRateSet) error {
	one := decimal.NewFromInt(1)
	inRange := func(r decimal.Decimal) bool { return !r.IsNegative() && !r.GreaterThan(one) }

	if !s.SBCCapUMA.IsPositive() {
		return fmt.Errorf("%w: %s: SBC cap must be positive", ErrInvalidRates, s.Identifier())
	}
	seen := map[fiscal.IMSSConcept]bool{}
	for _, r := range s.Rates {
		if seen[r.Concept] {
			return fmt.Errorf("%w: %s: duplicate concept %s", ErrInvalidRates, s.Identifier(), r.Concept)
		}
		seen[r.Concept] = true
		switch r.Base {
		case fiscal.BaseSBC, fiscal.BaseExcessOver3UMA, fiscal.BaseUMA:
		default:
			return fmt.Errorf("%w: %s: %s has unknown base %q", ErrInvalidRates, s.Identifier(), r.Concept, r.Base)
		}
		if !inRange(r.EmployerRate) || !inRange(r.EmployeeRate) {
			return fmt.Errorf("%w: %s: %s rate outside [0, 1]", ErrInvalidRates, s.Identifier(), r.Concept)
		}
	}
	for class, rate := range s.RiskClassRates {
		if !inRange(rate) {
			return fmt.Errorf("%w: %s: risk class %s rate outside [0, 1]", ErrInvalidRates, s.Identifier(), class)
		}
	}
	return nil
}

// CalculateIMSS applies every rate of the set to the capped SBC over the
// contribution days. The riesgo_trabajo employer rate comes from the risk
// class table.
func CalculateIMSS(in IMSSInput, rates fiscal.IMSSRateSet) (IMSSResult, error) {
	if in.SBC.IsNegative() || in.Days.IsNegative() {
		return IMSSResult{}, fmt.Errorf("%w: negative SBC or days", ErrOutOfDomain)
	}

	capped := decimal.Min(in.SBC, rates.SBCCapUMA.Mul(in.UMADaily))
	res := IMSSResult{CappedSBC: capped, Employer: decimal.Zero, Employee: decimal.Zero}

	for _, r := range rates.Rates {
		var daily decimal.Decimal
		switch r.Base {
		case fiscal.BaseSBC:
			daily = capped
		case fiscal.BaseExcessOver3UMA:
			daily = decimal.Max(decimal.Zero, capped.Sub(threeUMA.Mul(in.UMADaily)))
		case fiscal.BaseUMA:
			daily = in.UMADaily
		default:
			return IMSSResult{}, fmt.Errorf("%w: %s has unknown base %q", ErrInvalidRates, r.Concept, r.Base)
		}

		employerRate := r.EmployerRate
		if r.Concept == fiscal.IMSSRiesgoTrabajo {
			classRate, ok := rates.RiskClassRates[in.RiskClass]
			if !ok {
				return IMSSResult{}, fmt.Errorf("%w: %q", ErrUnknownRiskClass, in.RiskClass)
			}
			employerRate = classRate
		}

		base := daily.Mul(in.Days)
		line := fiscal.IMSSLine{
			Concept:  r.Concept,
			Base:     base,
			Employer: base.Mul(employerRate),
			Employee: base.Mul(r.EmployeeRate),
		}
		res.Lines = append(res.Lines, line)
		res.Employer = res.Employer.Add(line.Employer)
		res.Employee = res.Employee.Add(line.Employee)
	}
	return res, nil
}

// Rounded rounds every line, then totals the rounded lines.
func (r IMSSResult) Rounded(p rounding.Policy) IMSSResult {
	out := IMSSResult{CappedSBC: r.CappedSBC, Employer: decimal.Zero, Employee: decimal.Zero}
	out.Lines = make([]fiscal.IMSSLine, len(r.Lines))
	for i, l := range r.Lines {
		l.Employer = p.Round(l.Employer)
		l.Employee = p.Round(l.Employee)
		out.Lines[i] = l
		out.Employer = out.Employer.Add(l.Employer)
		out.Employee = out.Employee.Add(l.Employee)
	}
	return out
}
