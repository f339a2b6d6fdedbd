package payroll_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/fiscal/store"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rounding"
	"github.com/warp/payroll-engine/rules"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	mem      *store.TxMemory
	formulas *rules.Resolver
	recorder *audit.Recorder
	runner   *payroll.Runner
	logs     *observer.ObservedLogs
	values   fiscal.ValuesProvider
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	catalog, err := factory.Defaults()
	require.NoError(t, err)
	mem := store.NewTxMemory()
	require.NoError(t, catalog.Install(ctx, mem))

	f := &fixture{
		mem:      mem,
		formulas: rules.NewResolver(mem, nil, log),
		recorder: audit.NewRecorder(mem, log),
		logs:     logs,
		values:   catalog.StaticValues(),
	}
	f.runner = payroll.NewRunner(payroll.Deps{
		Formulas: f.formulas,
		Brackets: bracket.NewResolver(mem, log),
		Rounding: rounding.NewService(mem, rounding.NewMemoryCache(), log),
		Values:   f.values,
		Details:  mem,
		Audit:    f.recorder,
	}, concurrency, log)
	return f
}

func (f *fixture) formula(t *testing.T, code string, kind fiscal.ConceptType, expr string, taxable bool) {
	t.Helper()
	_, err := f.formulas.Create(context.Background(), rules.NewFormula{
		CompanyID:   "acme",
		ConceptCode: code,
		ConceptType: kind,
		Expression:  expr,
		IsTaxable:   taxable,
	})
	require.NoError(t, err)
}

// standardConcepts: a salary, a deduction, and a concept that always fails
// to evaluate because nobody is absent.
func (f *fixture) standardConcepts(t *testing.T) {
	f.formula(t, "SUELDO", fiscal.ConceptPerception, "dailySalary * workedDays", true)
	f.formula(t, "BROKEN", fiscal.ConceptPerception, "baseSalary / absenceDays", true)
	f.formula(t, "CUOTA_SINDICAL", fiscal.ConceptDeduction, "baseSalary * 0.01", false)
}

var april2024 = fiscal.PeriodSnapshot{
	ID:          "2024-04",
	Type:        fiscal.PeriodMonthly,
	Year:        2024,
	StartDate:   day(2024, 4, 1),
	EndDate:     day(2024, 4, 30),
	PaymentDate: day(2024, 4, 30),
}

func employee(id string) fiscal.EmployeeSnapshot {
	return fiscal.EmployeeSnapshot{
		ID:          id,
		CompanyID:   "acme",
		BaseSalary:  d("9000"),
		DailySalary: d("300"),
		SBC:         d("310"),
		HireDate:    day(2020, 1, 1),
		RiskClass:   fiscal.RiskClassI,
	}
}

// =============================================================================
// RUNNER
// =============================================================================

func TestRun_ComputesDetail(t *testing.T) {
	// GIVEN: one employee earning 300 a day in April 2024
	f := newFixture(t, 2)
	f.standardConcepts(t)
	ctx := context.Background()

	// WHEN: the period is run
	res, err := f.runner.Run(ctx, payroll.RunRequest{
		RunID:     "run-1",
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})

	// THEN: 9000 of salary, net ISR 662.10 - 390.12, IMSS on 310 x 30 days
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.Empty(t, res.Failures)

	det := res.Details[0]
	assert.Equal(t, fiscal.DetailCalculated, det.Status)
	assert.True(t, det.TotalPerceptions.Equal(d("9000")), "perceptions %s", det.TotalPerceptions)
	assert.True(t, det.TaxableIncome.Equal(d("9000")))
	assert.True(t, det.TotalDeductions.Equal(d("90")))
	assert.True(t, det.ISR.Equal(d("662.10")), "ISR %s", det.ISR)
	assert.True(t, det.Subsidy.Equal(d("390.12")))
	assert.True(t, det.NetISR.Equal(d("271.98")))
	// 23.25 + 34.88 + 58.13 + 104.63
	assert.True(t, det.IMSSEmployee.Equal(d("220.89")), "IMSS %s", det.IMSSEmployee)
	assert.True(t, det.IMSSEmployer.IsPositive())
	assert.True(t, det.NetPay.Equal(d("8417.13")), "net pay %s", det.NetPay)

	require.Len(t, det.Skipped, 1)
	assert.Equal(t, "BROKEN", det.Skipped[0].ConceptCode)
	assert.Equal(t, 1, f.logs.FilterMessage("concept skipped").Len())
}

func TestRun_ExemptConceptIsExemptInFull(t *testing.T) {
	// GIVEN: salary plus food vouchers flagged exempt, even though the
	// vouchers are also marked taxable with a small limit
	f := newFixture(t, 1)
	f.formula(t, "SUELDO", fiscal.ConceptPerception, "dailySalary * workedDays", true)
	limit := d("1")
	_, err := f.formulas.Create(context.Background(), rules.NewFormula{
		CompanyID:       "acme",
		ConceptCode:     "VALES",
		ConceptType:     fiscal.ConceptPerception,
		Expression:      "baseSalary * 0.10",
		IsTaxable:       true,
		IsExempt:        true,
		ExemptLimit:     &limit,
		ExemptLimitType: fiscal.ExemptUMA,
	})
	require.NoError(t, err)

	// WHEN
	res, err := f.runner.Run(context.Background(), payroll.RunRequest{
		RunID:     "run-exempt",
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})

	// THEN: the vouchers are paid but add nothing to the ISR base
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	det := res.Details[0]
	assert.True(t, det.TotalPerceptions.Equal(d("9900")), "perceptions %s", det.TotalPerceptions)
	assert.True(t, det.TaxableIncome.Equal(d("9000")), "taxable %s", det.TaxableIncome)
	assert.True(t, det.ExemptIncome.Equal(d("900")), "exempt %s", det.ExemptIncome)
	assert.True(t, det.NetISR.Equal(d("271.98")), "net ISR %s", det.NetISR)

	var vales fiscal.ConceptAmount
	for _, p := range det.Perceptions {
		if p.ConceptCode == "VALES" {
			vales = p
		}
	}
	assert.True(t, vales.ExemptAmount.Equal(d("900")))
	assert.True(t, vales.TaxableAmount.IsZero())
}

func TestRun_RecordsVerifiableAuditTrail(t *testing.T) {
	f := newFixture(t, 2)
	f.standardConcepts(t)
	ctx := context.Background()

	res, err := f.runner.Run(ctx, payroll.RunRequest{
		RunID:     "run-1",
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})
	require.NoError(t, err)

	entries, err := f.recorder.ListForDetail(ctx, res.Details[0].ID)
	require.NoError(t, err)

	// two formulas, ISR, subsidy, net ISR, two IMSS quotas
	require.Len(t, entries, 7)
	concepts := map[fiscal.AuditConcept]fiscal.FiscalAuditEntry{}
	for _, e := range entries {
		concepts[e.ConceptType] = e
		require.NotNil(t, e.Snapshot, "%s has no snapshot", e.ConceptType)
	}
	assert.Contains(t, concepts, fiscal.AuditISR)
	assert.Contains(t, concepts, fiscal.AuditSubsidy)
	assert.Contains(t, concepts, fiscal.AuditNetISR)
	assert.Contains(t, concepts, fiscal.AuditIMSSEmployee)
	assert.Contains(t, concepts, fiscal.AuditIMSSEmployer)
	assert.Contains(t, concepts, fiscal.FormulaAuditConcept(fiscal.ConceptPerception, "SUELDO"))
	assert.NotContains(t, concepts, fiscal.FormulaAuditConcept(fiscal.ConceptPerception, "BROKEN"))

	isr := concepts[fiscal.AuditISR]
	assert.Equal(t, "ISR-2024-MONTHLY", isr.TableUsed)
	assert.True(t, isr.LimitInferior.Equal(d("6332.06")))
	assert.True(t, isr.CuotaFija.Equal(d("371.83")))

	sueldo := concepts[fiscal.FormulaAuditConcept(fiscal.ConceptPerception, "SUELDO")]
	assert.NotEmpty(t, sueldo.RuleApplied)
	assert.Equal(t, 1, sueldo.RuleVersion)

	// every entry is reproducible from its snapshot alone
	reports, err := f.recorder.VerifyDetail(ctx, res.Details[0].ID)
	require.NoError(t, err)
	require.Len(t, reports, 7)
	for _, r := range reports {
		assert.True(t, r.Valid, "%s: %s", r.Method, r.Reason)
	}
}

func TestRun_EmployeeFailureDoesNotStopRun(t *testing.T) {
	// GIVEN: a second employee with a negative SBC
	f := newFixture(t, 4)
	f.standardConcepts(t)
	bad := employee("E2")
	bad.SBC = d("-1")

	// WHEN
	res, err := f.runner.Run(context.Background(), payroll.RunRequest{
		RunID:     "run-2",
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1"), bad},
	})

	// THEN: the run completes, the failure is reported and counted
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "E2", res.Failures[0].EmployeeID)
	assert.Equal(t, fiscal.DetailFailed, res.Details[1].Status)
	assert.NotEmpty(t, res.Details[1].Error)

	assert.Equal(t, 2, res.Totals.Employees)
	assert.Equal(t, 1, res.Totals.Failed)
	assert.True(t, res.Totals.TotalNetPay.Equal(d("8417.13")))

	// failed details leave no audit trail
	entries, err := f.recorder.ListForDetail(context.Background(), res.Details[1].ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// flakyAuditStore accepts the first `accept` entries, then fails every append.
type flakyAuditStore struct {
	*store.TxMemory
	accept   int64
	appended atomic.Int64
}

var errAuditDown = errors.New("audit store unavailable")

func (s *flakyAuditStore) AppendAudit(ctx context.Context, e fiscal.FiscalAuditEntry) error {
	if s.appended.Add(1) > s.accept {
		return errAuditDown
	}
	return s.TxMemory.AppendAudit(ctx, e)
}

func TestRun_AuditFailureMarksDetailFailed(t *testing.T) {
	tests := []struct {
		name   string
		accept int64
	}{
		{"first entry fails", 0},
		{"trail cut short", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN: a runner whose audit store stops accepting entries
			f := newFixture(t, 1)
			f.standardConcepts(t)
			audits := &flakyAuditStore{TxMemory: f.mem, accept: tc.accept}
			runner := payroll.NewRunner(payroll.Deps{
				Formulas: f.formulas,
				Brackets: bracket.NewResolver(f.mem, nil),
				Rounding: rounding.NewService(f.mem, rounding.NewMemoryCache(), nil),
				Values:   f.values,
				Details:  f.mem,
				Audit:    audit.NewRecorder(audits, nil),
			}, 1, nil)
			ctx := context.Background()

			// WHEN
			res, err := runner.Run(ctx, payroll.RunRequest{
				RunID:     "run-audit-down",
				CompanyID: "acme",
				Period:    april2024,
				Employees: []fiscal.EmployeeSnapshot{employee("E1")},
			})

			// THEN: the employee is reported and stored as failed
			require.NoError(t, err)
			require.Len(t, res.Failures, 1)
			assert.Contains(t, res.Failures[0].Error, errAuditDown.Error())

			stored, err := f.mem.GetDetail(ctx, res.Details[0].ID)
			require.NoError(t, err)
			assert.Equal(t, fiscal.DetailFailed, stored.Status)
			assert.Contains(t, stored.Error, errAuditDown.Error())

			// AND: the totals agree with the failures
			assert.Equal(t, 1, res.Totals.Employees)
			assert.Equal(t, 1, res.Totals.Failed)
			assert.True(t, res.Totals.TotalNetPay.IsZero(), "net %s", res.Totals.TotalNetPay)
			assert.True(t, res.Totals.TotalISR.IsZero(), "isr %s", res.Totals.TotalISR)
		})
	}
}

func TestRun_TotalsUnderConcurrency(t *testing.T) {
	f := newFixture(t, 3)
	f.standardConcepts(t)

	var employees []fiscal.EmployeeSnapshot
	for i := 0; i < 25; i++ {
		employees = append(employees, employee(fmt.Sprintf("E%02d", i)))
	}

	res, err := f.runner.Run(context.Background(), payroll.RunRequest{
		RunID:     "run-3",
		CompanyID: "acme",
		Period:    april2024,
		Employees: employees,
	})

	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 25, res.Totals.Employees)
	assert.True(t, res.Totals.TotalNetPay.Equal(d("8417.13").Mul(decimal.NewFromInt(25))),
		"total net pay %s", res.Totals.TotalNetPay)
	assert.True(t, res.Totals.TotalISR.Equal(d("271.98").Mul(decimal.NewFromInt(25))))
	for i, det := range res.Details {
		assert.Equal(t, employees[i].ID, det.EmployeeID, "details keep request order")
	}
}

func TestRun_UsesCompanyRoundingPolicy(t *testing.T) {
	// GIVEN: the company truncates instead of rounding half up
	f := newFixture(t, 1)
	f.standardConcepts(t)
	ctx := context.Background()
	require.NoError(t, f.mem.SaveRoundingPolicy(ctx, "acme", rounding.Policy{Method: rounding.MethodFloor, Precision: 2}))

	res, err := f.runner.Run(ctx, payroll.RunRequest{
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})

	// THEN: 34.875, 58.125 and 104.625 are floored
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Details[0].IMSSEmployee.Equal(d("220.86")), "IMSS %s", res.Details[0].IMSSEmployee)
}

func TestRun_ResolvesFormulaVersionForPaymentDate(t *testing.T) {
	// GIVEN: a bonus that changes from May onwards
	f := newFixture(t, 1)
	ctx := context.Background()
	from := day(2024, 5, 1)
	first, err := f.formulas.Create(ctx, rules.NewFormula{
		CompanyID:   "acme",
		ConceptCode: "BONO",
		ConceptType: fiscal.ConceptPerception,
		Expression:  "100",
		ValidTo:     &from,
	})
	require.NoError(t, err)
	_, err = f.formulas.Create(ctx, rules.NewFormula{
		CompanyID:   "acme",
		ConceptCode: "BONO",
		ConceptType: fiscal.ConceptPerception,
		Expression:  "200",
		ValidFrom:   &from,
	})
	require.NoError(t, err)

	// WHEN: April is paid
	res, err := f.runner.Run(ctx, payroll.RunRequest{
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})

	// THEN: the April version applies, untaxed
	require.NoError(t, err)
	det := res.Details[0]
	require.Len(t, det.Perceptions, 1)
	assert.Equal(t, first.ID, det.Perceptions[0].FormulaID)
	assert.True(t, det.Perceptions[0].Amount.Equal(d("100")))
	assert.True(t, det.TaxableIncome.IsZero())
	assert.True(t, det.ISR.IsZero())
}

func TestRun_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		name string
		req  payroll.RunRequest
	}{
		{"no company", payroll.RunRequest{Period: april2024}},
		{"bad period type", payroll.RunRequest{CompanyID: "acme", Period: fiscal.PeriodSnapshot{Type: "DAILY"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.runner.Run(context.Background(), tc.req)
			assert.ErrorIs(t, err, payroll.ErrInvalidRun)
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, 1)
	f.standardConcepts(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.Run(ctx, payroll.RunRequest{
		CompanyID: "acme",
		Period:    april2024,
		Employees: []fiscal.EmployeeSnapshot{employee("E1")},
	})

	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestVacationDays(t *testing.T) {
	tests := []struct {
		year int
		days int64
	}{
		{0, 0}, {1, 12}, {2, 14}, {3, 16}, {4, 18}, {5, 20},
		{6, 22}, {10, 22}, {11, 24}, {15, 24}, {16, 26}, {21, 28},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("year %d", tc.year), func(t *testing.T) {
			assert.True(t, payroll.VacationDays(tc.year).Equal(decimal.NewFromInt(tc.days)),
				"got %s", payroll.VacationDays(tc.year))
		})
	}
}

func settlementFixture(t *testing.T) *payroll.SettlementCalculator {
	t.Helper()
	catalog, err := factory.Defaults()
	require.NoError(t, err)
	return payroll.NewSettlementCalculator(catalog.StaticValues(), nil)
}

func items(s *payroll.Settlement) map[payroll.SettlementConcept]payroll.SettlementItem {
	out := map[payroll.SettlementConcept]payroll.SettlementItem{}
	for _, it := range s.Items {
		out[it.Concept] = it
	}
	return out
}

// Five full years, 2021-01-01 to 2025-12-31. UMA 113.14, SMG 278.80.
func fiveYears(salary string) fiscal.EmployeeSnapshot {
	return fiscal.EmployeeSnapshot{ID: "E1", DailySalary: d(salary), HireDate: day(2021, 1, 1)}
}

func TestSettlement_Resignation(t *testing.T) {
	calc := settlementFixture(t)

	// WHEN: a five-year employee resigns on the last day of the year
	s, err := calc.Calculate(context.Background(), payroll.SettlementInput{
		Employee:        fiveYears("500"),
		TerminationDate: day(2025, 12, 31),
		Reason:          payroll.TerminationResignation,
	}, rounding.DefaultPolicy)

	// THEN: full aguinaldo, 20 vacation days and their premium; no
	// separation payments before 15 years
	require.NoError(t, err)
	assert.True(t, s.ServiceYears.Equal(d("5")), "years %s", s.ServiceYears)
	got := items(s)
	require.Len(t, got, 3)

	ag := got[payroll.SettlementAguinaldo]
	assert.True(t, ag.Days.Equal(d("15")))
	assert.True(t, ag.Amount.Equal(d("7500")))
	assert.True(t, ag.Exempt.Equal(d("3394.20")), "30 UMA")
	assert.True(t, ag.Taxable.Equal(d("4105.80")))

	vac := got[payroll.SettlementVacation]
	assert.True(t, vac.Days.Equal(d("20")), "days %s", vac.Days)
	assert.True(t, vac.Amount.Equal(d("10000")))
	assert.True(t, vac.Exempt.IsZero())

	prima := got[payroll.SettlementVacationPremium]
	assert.True(t, prima.Amount.Equal(d("2500")))
	assert.True(t, prima.Exempt.Equal(d("1697.10")), "15 UMA")

	assert.True(t, s.Total.Equal(d("20000")))
	assert.True(t, s.TotalExempt.Equal(d("5091.30")))
	assert.True(t, s.TotalTaxable.Equal(d("14908.70")))
}

func TestSettlement_UnjustifiedDismissal(t *testing.T) {
	calc := settlementFixture(t)

	s, err := calc.Calculate(context.Background(), payroll.SettlementInput{
		Employee:        fiveYears("600"),
		TerminationDate: day(2025, 12, 31),
		Reason:          payroll.TerminationUnjustifiedDismissal,
	}, rounding.DefaultPolicy)

	require.NoError(t, err)
	got := items(s)
	require.Len(t, got, 5)

	// salary capped at 2 x 278.80, 12 days x 5 years
	seniority := got[payroll.SettlementSeniorityPremium]
	assert.True(t, seniority.Days.Equal(d("60")))
	assert.True(t, seniority.Amount.Equal(d("33456")), "seniority %s", seniority.Amount)
	assert.True(t, seniority.Exempt.Equal(d("33456")))

	// 90 + 20 x 5 days; what is left of 90 UMA x 5 years is exempt
	indemnification := got[payroll.SettlementIndemnification]
	assert.True(t, indemnification.Days.Equal(d("190")))
	assert.True(t, indemnification.Amount.Equal(d("114000")))
	assert.True(t, indemnification.Exempt.Equal(d("17457")), "exempt %s", indemnification.Exempt)
	assert.True(t, indemnification.Taxable.Equal(d("96543")))

	assert.True(t, seniority.Exempt.Add(indemnification.Exempt).Equal(d("50913")), "shared cap")
}

func TestSettlement_SeniorityPremiumByReason(t *testing.T) {
	calc := settlementFixture(t)

	tests := []struct {
		name      string
		hire      time.Time
		reason    payroll.TerminationReason
		seniority bool
		indemnify bool
	}{
		{"resignation under 15 years", day(2021, 1, 1), payroll.TerminationResignation, false, false},
		{"resignation after 15 years", day(2009, 1, 1), payroll.TerminationResignation, true, false},
		{"justified dismissal", day(2021, 1, 1), payroll.TerminationJustifiedDismissal, true, false},
		{"unjustified dismissal", day(2021, 1, 1), payroll.TerminationUnjustifiedDismissal, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := calc.Calculate(context.Background(), payroll.SettlementInput{
				Employee:        fiscal.EmployeeSnapshot{ID: "E1", DailySalary: d("400"), HireDate: tc.hire},
				TerminationDate: day(2025, 6, 30),
				Reason:          tc.reason,
			}, rounding.DefaultPolicy)
			require.NoError(t, err)

			got := items(s)
			_, hasSeniority := got[payroll.SettlementSeniorityPremium]
			_, hasIndemnification := got[payroll.SettlementIndemnification]
			assert.Equal(t, tc.seniority, hasSeniority)
			assert.Equal(t, tc.indemnify, hasIndemnification)
		})
	}
}

func TestSettlement_Overrides(t *testing.T) {
	calc := settlementFixture(t)
	aguinaldo := d("30")
	pending := d("6")
	rate := d("0.5")

	s, err := calc.Calculate(context.Background(), payroll.SettlementInput{
		Employee:            fiveYears("100"),
		TerminationDate:     day(2025, 12, 31),
		Reason:              payroll.TerminationResignation,
		AguinaldoDays:       &aguinaldo,
		PendingVacationDays: &pending,
		VacationPremiumRate: &rate,
	}, rounding.DefaultPolicy)

	require.NoError(t, err)
	got := items(s)
	assert.True(t, got[payroll.SettlementAguinaldo].Amount.Equal(d("3000")))
	assert.True(t, got[payroll.SettlementVacation].Amount.Equal(d("600")))
	assert.True(t, got[payroll.SettlementVacationPremium].Amount.Equal(d("300")))
}

func TestSettlement_RejectsInvalidInput(t *testing.T) {
	calc := settlementFixture(t)

	tests := []struct {
		name string
		in   payroll.SettlementInput
	}{
		{"unknown reason", payroll.SettlementInput{
			Employee: fiveYears("500"), TerminationDate: day(2025, 1, 1), Reason: "RETIRED"}},
		{"termination before hire", payroll.SettlementInput{
			Employee: fiveYears("500"), TerminationDate: day(2020, 1, 1), Reason: payroll.TerminationResignation}},
		{"no salary", payroll.SettlementInput{
			Employee: fiveYears("0"), TerminationDate: day(2025, 1, 1), Reason: payroll.TerminationResignation}},
		{"no fiscal values", payroll.SettlementInput{
			Employee:        fiscal.EmployeeSnapshot{ID: "E1", DailySalary: d("500"), HireDate: day(2010, 1, 1)},
			TerminationDate: day(2015, 1, 1), Reason: payroll.TerminationResignation}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := calc.Calculate(context.Background(), tc.in, rounding.DefaultPolicy)
			assert.Error(t, err)
		})
	}
}
