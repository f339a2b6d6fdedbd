package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// SETTLEMENT - Termination payments (finiquito / liquidación)
// =============================================================================

var ErrInvalidSettlement = errors.New("invalid settlement")

type TerminationReason string

const (
	TerminationResignation          TerminationReason = "RESIGNATION"
	TerminationJustifiedDismissal   TerminationReason = "JUSTIFIED_DISMISSAL"
	TerminationUnjustifiedDismissal TerminationReason = "UNJUSTIFIED_DISMISSAL"
)

func (t TerminationReason) Valid() bool {
	switch t {
	case TerminationResignation, TerminationJustifiedDismissal, TerminationUnjustifiedDismissal:
		return true
	}
	return false
}

type SettlementConcept string

const (
	SettlementAguinaldo        SettlementConcept = "AGUINALDO"
	SettlementVacation         SettlementConcept = "VACACIONES"
	SettlementVacationPremium  SettlementConcept = "PRIMA_VACACIONAL"
	SettlementSeniorityPremium SettlementConcept = "PRIMA_ANTIGUEDAD"
	SettlementIndemnification  SettlementConcept = "INDEMNIZACION"
)

// Statutory parameters.
var (
	DefaultAguinaldoDays       = decimal.NewFromInt(15)
	DefaultVacationPremiumRate = decimal.RequireFromString("0.25")

	seniorityPremiumDaysPerYear = decimal.NewFromInt(12)
	seniorityPremiumSMGCap      = decimal.NewFromInt(2)
	indemnificationDays         = decimal.NewFromInt(90)
	indemnificationDaysPerYear  = decimal.NewFromInt(20)

	aguinaldoExemptUMA       = decimal.NewFromInt(30)
	vacationPremiumExemptUMA = decimal.NewFromInt(15)
	separationExemptUMA      = decimal.NewFromInt(90)

	daysPerYear = decimal.NewFromInt(365)
)

// resignationSeniorityYears is the service needed for a resignation to earn
// the seniority premium.
const resignationSeniorityYears = 15

type SettlementInput struct {
	Employee        fiscal.EmployeeSnapshot `json:"employee"`
	TerminationDate time.Time               `json:"termination_date"`
	Reason          TerminationReason       `json:"reason"`

	// AguinaldoDays defaults to the statutory 15.
	AguinaldoDays *decimal.Decimal `json:"aguinaldo_days,omitempty"`
	// VacationPremiumRate defaults to the statutory 25%.
	VacationPremiumRate *decimal.Decimal `json:"vacation_premium_rate,omitempty"`
	// PendingVacationDays overrides the proportional entitlement of the
	// current service year, e.g. when earlier years were not taken.
	PendingVacationDays *decimal.Decimal `json:"pending_vacation_days,omitempty"`
}

type SettlementItem struct {
	Concept SettlementConcept `json:"concept"`
	Days    decimal.Decimal   `json:"days"`
	Amount  decimal.Decimal   `json:"amount"`
	Exempt  decimal.Decimal   `json:"exempt"`
	Taxable decimal.Decimal   `json:"taxable"`
}

type Settlement struct {
	EmployeeID   string              `json:"employee_id"`
	Reason       TerminationReason   `json:"reason"`
	ServiceYears decimal.Decimal     `json:"service_years"`
	Items        []SettlementItem    `json:"items"`
	Total        decimal.Decimal     `json:"total"`
	TotalExempt  decimal.Decimal     `json:"total_exempt"`
	TotalTaxable decimal.Decimal     `json:"total_taxable"`
	FiscalValues fiscal.FiscalParams `json:"fiscal_values"`
}

// SettlementCalculator computes what is owed to an employee on termination.
type SettlementCalculator struct {
	values fiscal.ValuesProvider
	log    *zap.Logger
}

func NewSettlementCalculator(values fiscal.ValuesProvider, log *zap.Logger) *SettlementCalculator {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettlementCalculator{values: values, log: log.Named("payroll.settlement")}
}

// Calculate returns every item owed for the termination reason, rounded by
// policy, with its exempt and taxable parts.
//
//   - aguinaldo: days x (days worked this year / 365); exempt 30 UMA
//   - vacations: entitlement of the current service year, proportional
//   - vacation premium: rate x vacation pay; exempt 15 UMA
//   - seniority premium: 12 days per year on a salary capped at 2 SMG;
//     dismissals, or resignations after 15 years
//   - indemnification: 90 days + 20 days per year; unjustified dismissal
//
// Seniority premium and indemnification share one exemption of 90 UMA per
// year of service, a fraction over six months counting as a full year.
func (c *SettlementCalculator) Calculate(ctx context.Context, in SettlementInput, policy rounding.Policy) (*Settlement, error) {
	if !in.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown termination reason %q", ErrInvalidSettlement, in.Reason)
	}
	emp := in.Employee
	if emp.HireDate.IsZero() || in.TerminationDate.Before(emp.HireDate) {
		return nil, fmt.Errorf("%w: termination date %s before hire date %s",
			ErrInvalidSettlement, in.TerminationDate.Format(time.DateOnly), emp.HireDate.Format(time.DateOnly))
	}
	if !emp.DailySalary.IsPositive() {
		return nil, fmt.Errorf("%w: daily salary must be positive", ErrInvalidSettlement)
	}

	params, err := c.values.ValuesAt(ctx, in.TerminationDate)
	if err != nil {
		return nil, err
	}

	years := serviceYears(emp.HireDate, in.TerminationDate)
	s := &Settlement{
		EmployeeID:   emp.ID,
		Reason:       in.Reason,
		ServiceYears: years.Round(4),
		Total:        decimal.Zero,
		TotalExempt:  decimal.Zero,
		TotalTaxable: decimal.Zero,
		FiscalValues: params,
	}
	add := func(concept SettlementConcept, days, amount, exemptCap decimal.Decimal) {
		amount = policy.Round(amount)
		exempt := policy.Round(decimal.Min(amount, exemptCap))
		s.Items = append(s.Items, SettlementItem{
			Concept: concept,
			Days:    days.Round(4),
			Amount:  amount,
			Exempt:  exempt,
			Taxable: amount.Sub(exempt),
		})
	}

	// Aguinaldo
	aguinaldoDays := DefaultAguinaldoDays
	if in.AguinaldoDays != nil {
		aguinaldoDays = *in.AguinaldoDays
	}
	yearStart := time.Date(in.TerminationDate.Year(), time.January, 1, 0, 0, 0, 0, in.TerminationDate.Location())
	if emp.HireDate.After(yearStart) {
		yearStart = emp.HireDate
	}
	agDays := aguinaldoDays.Mul(daysBetween(yearStart, in.TerminationDate)).DivRound(daysPerYear, 10)
	add(SettlementAguinaldo, agDays, emp.DailySalary.Mul(agDays), aguinaldoExemptUMA.Mul(params.UMADaily))

	// Vacations
	vacDays := in.PendingVacationDays
	if vacDays == nil {
		anniversary, completed := lastAnniversary(emp.HireDate, in.TerminationDate)
		entitled := VacationDays(completed + 1)
		v := entitled.Mul(daysBetween(anniversary, in.TerminationDate)).DivRound(daysPerYear, 10)
		vacDays = &v
	}
	vacationPay := emp.DailySalary.Mul(*vacDays)
	add(SettlementVacation, *vacDays, vacationPay, decimal.Zero)

	premiumRate := DefaultVacationPremiumRate
	if in.VacationPremiumRate != nil {
		premiumRate = *in.VacationPremiumRate
	}
	add(SettlementVacationPremium, *vacDays, policy.Round(vacationPay).Mul(premiumRate),
		vacationPremiumExemptUMA.Mul(params.UMADaily))

	// Separation payments share one exemption.
	exemptYears := years.Floor()
	if years.Sub(exemptYears).GreaterThan(decimal.RequireFromString("0.5")) {
		exemptYears = exemptYears.Add(decimal.NewFromInt(1))
	}
	separationCap := separationExemptUMA.Mul(params.UMADaily).Mul(exemptYears)

	paysSeniority := in.Reason != TerminationResignation ||
		years.GreaterThanOrEqual(decimal.NewFromInt(resignationSeniorityYears))
	if paysSeniority {
		salary := decimal.Min(emp.DailySalary, seniorityPremiumSMGCap.Mul(params.SMGDaily))
		days := seniorityPremiumDaysPerYear.Mul(years)
		amount := salary.Mul(days)
		add(SettlementSeniorityPremium, days, amount, separationCap)
		separationCap = decimal.Max(decimal.Zero, separationCap.Sub(s.Items[len(s.Items)-1].Exempt))
	}

	if in.Reason == TerminationUnjustifiedDismissal {
		days := indemnificationDays.Add(indemnificationDaysPerYear.Mul(years))
		add(SettlementIndemnification, days, emp.DailySalary.Mul(days), separationCap)
	}

	for _, it := range s.Items {
		s.Total = s.Total.Add(it.Amount)
		s.TotalExempt = s.TotalExempt.Add(it.Exempt)
		s.TotalTaxable = s.TotalTaxable.Add(it.Taxable)
	}

	c.log.Info("settlement calculated",
		zap.String("employee_id", emp.ID),
		zap.String("reason", string(in.Reason)),
		zap.String("service_years", s.ServiceYears.String()),
		zap.String("total", s.Total.String()))
	return s, nil
}

// VacationDays is the annual vacation entitlement for the n-th year of
// service: 12 days the first year, +2 per year up to 20 in the fifth, then
// +2 every five years.
func VacationDays(year int) decimal.Decimal {
	switch {
	case year <= 0:
		return decimal.Zero
	case year <= 5:
		return decimal.NewFromInt(int64(10 + 2*year))
	}
	return decimal.NewFromInt(int64(20 + 2*((year-1)/5)))
}

// serviceYears is the time elapsed between hire and termination in years
// of 365 days, fraction included.
func serviceYears(hire, end time.Time) decimal.Decimal {
	elapsed := daysBetween(hire, end).Sub(decimal.NewFromInt(1))
	return decimal.Max(decimal.Zero, elapsed).DivRound(daysPerYear, 10)
}

// daysBetween counts calendar days in [from, to], both inclusive.
func daysBetween(from, to time.Time) decimal.Decimal {
	if to.Before(from) {
		return decimal.Zero
	}
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return decimal.NewFromInt(int64(b.Sub(a).Hours()/24) + 1)
}

// lastAnniversary returns the latest hire anniversary not after at, and the
// number of completed years it marks.
func lastAnniversary(hire, at time.Time) (time.Time, int) {
	years := at.Year() - hire.Year()
	a := hire.AddDate(years, 0, 0)
	if a.After(at) {
		years--
		a = hire.AddDate(years, 0, 0)
	}
	return a, years
}
