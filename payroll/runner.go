/*
Package payroll runs the fiscal engine over a payroll period.

PURPOSE:
  A run takes one company, one period and its employees, and produces one
  PayrollDetail per employee plus the audit trail of every amount in it.

FLOW (per employee, bounded concurrency):
  1. fiscal values (UMA/SMG) in force on the payment date
  2. formula context from the employee and period snapshots
  3. every concept of the company resolved for the payment date and
     evaluated with its exemption; a failing concept is logged and skipped
  4. ISR, subsidy and net ISR on the taxable perceptions
  5. IMSS quotas on the SBC over the worked days
  6. detail persisted, then one audit entry per computed amount

TOTALS:
  Workers never share counters. Period totals are read back from the
  persisted details once every worker has finished.

SEE ALSO:
  - rules/resolver.go:  formula resolution
  - bracket/resolver.go: tables and quotas
  - audit/recorder.go:  audit entries
  - settlement.go:      termination settlements
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/rounding"
	"github.com/warp/payroll-engine/rules"
)

// DefaultConcurrency bounds the employees computed at once.
const DefaultConcurrency = 8

var ErrInvalidRun = errors.New("invalid payroll run")

// =============================================================================
// TYPES
// =============================================================================

type RunRequest struct {
	RunID     string                    `json:"run_id,omitempty"`
	CompanyID string                    `json:"company_id"`
	Period    fiscal.PeriodSnapshot     `json:"period"`
	Employees []fiscal.EmployeeSnapshot `json:"employees"`
}

// EmployeeFailure is an employee whose detail could not be computed.
type EmployeeFailure struct {
	EmployeeID string `json:"employee_id"`
	Error      string `json:"error"`
}

type RunResult struct {
	RunID    string                 `json:"run_id"`
	Details  []fiscal.PayrollDetail `json:"details"`
	Failures []EmployeeFailure      `json:"failures,omitempty"`
	Totals   fiscal.PeriodTotals    `json:"totals"`
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Formulas *rules.Resolver
	Brackets *bracket.Resolver
	Rounding *rounding.Service
	Values   fiscal.ValuesProvider
	Details  fiscal.DetailStore
	Audit    *audit.Recorder
}

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	deps        Deps
	concurrency int
	log         *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewRunner(deps Deps, concurrency int, log *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		deps:        deps,
		concurrency: concurrency,
		log:         log.Named("payroll.runner"),
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// runContext is what every employee of a run shares.
type runContext struct {
	runID     string
	companyID string
	period    fiscal.PeriodSnapshot
	date      time.Time
	policy    rounding.Policy
	evaluator *formula.Evaluator
	formulas  []fiscal.CalculationFormula
}

// Run computes and persists a detail for every employee. Employee failures
// are reported in the result and do not stop the run; a cancelled context
// does.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.CompanyID == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidRun)
	}
	if !req.Period.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown period type %q", ErrInvalidRun, req.Period.Type)
	}
	if req.RunID == "" {
		req.RunID = r.NewID()
	}

	rc, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	log := r.log.With(zap.String("run_id", rc.runID), zap.String("company_id", rc.companyID))
	log.Info("payroll run started",
		zap.String("period_id", rc.period.ID),
		zap.Int("employees", len(req.Employees)),
		zap.Int("concepts", len(rc.formulas)))

	details := make([]fiscal.PayrollDetail, len(req.Employees))
	failures := make([]*EmployeeFailure, len(req.Employees))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, emp := range req.Employees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			detail, err := r.computeEmployee(gctx, rc, emp)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Error("employee failed", zap.String("employee_id", emp.ID), zap.Error(err))
				failures[i] = &EmployeeFailure{EmployeeID: emp.ID, Error: err.Error()}
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("payroll run %s: %w", rc.runID, err)
	}

	totals, err := r.deps.Details.SumDetails(ctx, rc.runID)
	if err != nil {
		return nil, fmt.Errorf("sum details: %w", err)
	}

	res := &RunResult{RunID: rc.runID, Details: details, Totals: totals}
	for _, f := range failures {
		if f != nil {
			res.Failures = append(res.Failures, *f)
		}
	}
	log.Info("payroll run finished",
		zap.Int("employees", totals.Employees),
		zap.Int("failed", totals.Failed),
		zap.String("total_net_pay", totals.TotalNetPay.String()))
	return res, nil
}

// prepare loads everything that does not depend on the employee.
func (r *Runner) prepare(ctx context.Context, req RunRequest) (runContext, error) {
	rc := runContext{
		runID:     req.RunID,
		companyID: req.CompanyID,
		period:    req.Period,
		date:      req.Period.PaymentDate,
	}
	if rc.date.IsZero() {
		rc.date = req.Period.EndDate
	}

	policy, err := r.deps.Rounding.PolicyFor(ctx, req.CompanyID)
	if err != nil {
		return rc, fmt.Errorf("rounding policy: %w", err)
	}
	rc.policy = policy
	rc.evaluator = formula.NewEvaluator(policy.Method)

	active, err := r.deps.Formulas.ActiveFormulas(ctx, req.CompanyID)
	if err != nil {
		return rc, fmt.Errorf("active formulas: %w", err)
	}
	byConcept := map[string][]fiscal.CalculationFormula{}
	for _, f := range active {
		byConcept[f.ConceptCode] = append(byConcept[f.ConceptCode], f)
	}
	codes := make([]string, 0, len(byConcept))
	for code := range byConcept {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if resolved, ok := rules.Resolve(byConcept[code], rc.date); ok {
			rc.formulas = append(rc.formulas, resolved.Formula)
		}
	}
	return rc, nil
}

// =============================================================================
// EMPLOYEE
// =============================================================================

// pendingEntry is an audit entry waiting for its detail to be persisted.
type pendingEntry struct {
	entry   fiscal.FiscalAuditEntry
	input   fiscal.InputSnapshot
	output  fiscal.OutputSnapshot
	applied fiscal.AppliedRulesSnapshot
}

// computeEmployee always returns a detail. On error the detail is marked
// FAILED and persisted as such so the totals count it.
func (r *Runner) computeEmployee(ctx context.Context, rc runContext, emp fiscal.EmployeeSnapshot) (fiscal.PayrollDetail, error) {
	detail := fiscal.PayrollDetail{
		ID:               r.NewID(),
		RunID:            rc.runID,
		CompanyID:        rc.companyID,
		EmployeeID:       emp.ID,
		PeriodID:         rc.period.ID,
		Status:           fiscal.DetailCalculated,
		TotalPerceptions: decimal.Zero,
		TotalDeductions:  decimal.Zero,
		TaxableIncome:    decimal.Zero,
		ExemptIncome:     decimal.Zero,
		CreatedAt:        r.Now(),
	}

	pending, err := r.calculate(ctx, rc, emp, &detail)
	if err != nil {
		return r.saveFailed(ctx, detail, err)
	}

	if err := r.deps.Details.SaveDetail(ctx, detail); err != nil {
		return detail, fmt.Errorf("save detail: %w", err)
	}
	for _, p := range pending {
		p.entry.PayrollDetailID = detail.ID
		if _, err := r.deps.Audit.RecordWithSnapshot(ctx, p.entry, p.input, p.output, p.applied); err != nil {
			// A detail without its full audit trail must not count as paid.
			return r.saveFailed(ctx, detail, fmt.Errorf("audit %s: %w", p.entry.ConceptType, err))
		}
	}
	return detail, nil
}

// saveFailed replaces detail with a FAILED detail carrying err. Amounts are
// dropped so the period totals only add audited results.
func (r *Runner) saveFailed(ctx context.Context, detail fiscal.PayrollDetail, err error) (fiscal.PayrollDetail, error) {
	failed := fiscal.PayrollDetail{
		ID:         detail.ID,
		RunID:      detail.RunID,
		CompanyID:  detail.CompanyID,
		EmployeeID: detail.EmployeeID,
		PeriodID:   detail.PeriodID,
		Status:     fiscal.DetailFailed,
		Error:      err.Error(),
		CreatedAt:  detail.CreatedAt,
	}
	if saveErr := r.deps.Details.SaveDetail(ctx, failed); saveErr != nil {
		return failed, errors.Join(err, fmt.Errorf("save failed detail: %w", saveErr))
	}
	return failed, err
}

// calculate fills detail and returns the audit entries to record.
func (r *Runner) calculate(ctx context.Context, rc runContext, emp fiscal.EmployeeSnapshot, detail *fiscal.PayrollDetail) ([]pendingEntry, error) {
	params, err := r.deps.Values.ValuesAt(ctx, rc.date)
	if err != nil {
		return nil, err
	}
	vars := formula.BuildContext(emp, rc.period, params)
	base := fiscal.InputSnapshot{
		Employee:         emp,
		Period:           rc.period,
		Fiscal:           params,
		ContributionDays: vars[formula.VarWorkedDays],
	}
	newEntry := func(concept fiscal.AuditConcept, calcBase, result decimal.Decimal) fiscal.FiscalAuditEntry {
		return fiscal.FiscalAuditEntry{
			CompanyID:       rc.companyID,
			EmployeeID:      emp.ID,
			ConceptType:     concept,
			CalculationBase: calcBase,
			ResultAmount:    result,
		}
	}

	var pending []pendingEntry

	// Concepts
	for _, f := range rc.formulas {
		amount, err := r.evaluateConcept(rc, f, vars)
		if err != nil {
			r.log.Warn("concept skipped",
				zap.String("run_id", rc.runID),
				zap.String("employee_id", emp.ID),
				zap.String("concept_code", f.ConceptCode),
				zap.String("formula_id", f.ID),
				zap.Error(err))
			detail.Skipped = append(detail.Skipped, fiscal.SkippedConcept{ConceptCode: f.ConceptCode, Reason: err.Error()})
			continue
		}

		if f.ConceptType == fiscal.ConceptPerception {
			detail.Perceptions = append(detail.Perceptions, amount)
			detail.TotalPerceptions = detail.TotalPerceptions.Add(amount.Amount)
			detail.TaxableIncome = detail.TaxableIncome.Add(amount.TaxableAmount)
			detail.ExemptIncome = detail.ExemptIncome.Add(amount.ExemptAmount)
		} else {
			detail.Deductions = append(detail.Deductions, amount)
			detail.TotalDeductions = detail.TotalDeductions.Add(amount.Amount)
		}

		entry := newEntry(fiscal.FormulaAuditConcept(f.ConceptType, f.ConceptCode), amount.Amount, amount.Amount)
		entry.RuleApplied, entry.RuleVersion = f.ID, f.Version
		input := base
		input.Variables = vars.Named()
		pending = append(pending, pendingEntry{
			entry: entry,
			input: input,
			output: fiscal.OutputSnapshot{
				Result:        amount.Amount,
				Value:         decimalPtr(amount.Amount),
				TaxableAmount: decimalPtr(amount.TaxableAmount),
				ExemptAmount:  decimalPtr(amount.ExemptAmount),
			},
			applied: fiscal.AppliedRulesSnapshot{
				Method:          fiscal.MethodFormula,
				Rounding:        rc.policy,
				Expression:      f.Expression,
				IsTaxable:       f.IsTaxable,
				ExemptLimit:     f.ExemptLimit,
				ExemptLimitType: f.ExemptLimitType,
			},
		})
	}

	// ISR
	net, tables, err := r.deps.Brackets.NetISR(ctx, detail.TaxableIncome, rc.period.Year, rc.period.Type, rc.policy)
	if err != nil {
		return nil, fmt.Errorf("ISR: %w", err)
	}
	detail.ISR, detail.Subsidy, detail.NetISR = net.ISR.ISR, net.Subsidy.Subsidy, net.Net

	isrInput := base
	isrInput.Base = detail.TaxableIncome
	isrApplied := fiscal.AppliedRulesSnapshot{
		Rounding:     rc.policy,
		ISRTable:     &tables.ISR,
		SubsidyTable: tables.Subsidy,
	}
	isrOutput := fiscal.OutputSnapshot{
		LimitInferior:    decimalPtr(net.ISR.LimitInferior),
		Excedente:        decimalPtr(net.ISR.Excedente),
		ImpuestoMarginal: decimalPtr(net.ISR.ImpuestoMarginal),
		CuotaFija:        decimalPtr(net.ISR.CuotaFija),
		ISR:              decimalPtr(net.ISR.ISR),
		Subsidy:          decimalPtr(net.Subsidy.Subsidy),
	}

	isrEntry := newEntry(fiscal.AuditISR, detail.TaxableIncome, net.ISR.ISR)
	isrEntry.LimitInferior = decimalPtr(net.ISR.LimitInferior)
	isrEntry.Excedente = decimalPtr(net.ISR.Excedente)
	isrEntry.ImpuestoMarginal = decimalPtr(net.ISR.ImpuestoMarginal)
	isrEntry.CuotaFija = decimalPtr(net.ISR.CuotaFija)
	pending = append(pending, bracketEntry(isrEntry, isrInput, isrOutput, isrApplied, fiscal.MethodBracketISR))

	if tables.Subsidy != nil {
		subEntry := newEntry(fiscal.AuditSubsidy, detail.TaxableIncome, net.Subsidy.Subsidy)
		pending = append(pending, bracketEntry(subEntry, isrInput, isrOutput, isrApplied, fiscal.MethodBracketSubsidy))
	}
	netEntry := newEntry(fiscal.AuditNetISR, detail.TaxableIncome, net.Net)
	pending = append(pending, bracketEntry(netEntry, isrInput, isrOutput, isrApplied, fiscal.MethodNetISR))

	// IMSS
	imssIn := bracket.IMSSInput{
		SBC:       emp.SBC,
		UMADaily:  params.UMADaily,
		Days:      base.ContributionDays,
		RiskClass: emp.RiskClass,
	}
	if imssIn.RiskClass == "" {
		imssIn.RiskClass = fiscal.RiskClassI
	}
	quotas, rates, err := r.deps.Brackets.IMSS(ctx, imssIn, rc.period.Year, rc.policy)
	if err != nil {
		return nil, fmt.Errorf("IMSS: %w", err)
	}
	detail.IMSSEmployee, detail.IMSSEmployer = quotas.Employee, quotas.Employer

	imssInput := base
	imssInput.Employee.RiskClass = imssIn.RiskClass
	imssInput.Base = emp.SBC
	imssOutput := fiscal.OutputSnapshot{IMSSLines: quotas.Lines}
	imssApplied := fiscal.AppliedRulesSnapshot{Rounding: rc.policy, IMSSRates: rates}
	for _, q := range []struct {
		concept fiscal.AuditConcept
		method  fiscal.CalculationMethod
		amount  decimal.Decimal
	}{
		{fiscal.AuditIMSSEmployee, fiscal.MethodIMSSEmployee, quotas.Employee},
		{fiscal.AuditIMSSEmployer, fiscal.MethodIMSSEmployer, quotas.Employer},
	} {
		out := imssOutput
		out.Result = q.amount
		applied := imssApplied
		applied.Method = q.method
		entry := newEntry(q.concept, quotas.CappedSBC, q.amount)
		entry.TableUsed = rates.Identifier()
		pending = append(pending, pendingEntry{entry: entry, input: imssInput, output: out, applied: applied})
	}

	detail.NetPay = detail.TotalPerceptions.
		Sub(detail.TotalDeductions).
		Sub(detail.NetISR).
		Sub(detail.IMSSEmployee)
	return pending, nil
}

// evaluateConcept evaluates one formula and rounds its parts so that
// taxable + exempt == amount for taxable perceptions. An exempt concept is
// exempt in full.
func (r *Runner) evaluateConcept(rc runContext, f fiscal.CalculationFormula, vars formula.Context) (fiscal.ConceptAmount, error) {
	res, err := rc.evaluator.EvaluateWithExemption(f.Expression, vars, f.IsTaxable, f.ExemptLimit, f.ExemptLimitType)
	if err != nil {
		return fiscal.ConceptAmount{}, err
	}
	amount := rc.policy.Round(res.Value)
	exempt := rc.policy.Round(res.ExemptAmount)
	taxable := decimal.Zero
	switch {
	case f.IsExempt:
		exempt = amount
	case f.IsTaxable:
		taxable = decimal.Max(decimal.Zero, amount.Sub(exempt))
	}
	return fiscal.ConceptAmount{
		ConceptCode:   f.ConceptCode,
		ConceptType:   f.ConceptType,
		FormulaID:     f.ID,
		Version:       f.Version,
		Amount:        amount,
		TaxableAmount: taxable,
		ExemptAmount:  exempt,
	}, nil
}

func bracketEntry(entry fiscal.FiscalAuditEntry, input fiscal.InputSnapshot, output fiscal.OutputSnapshot, applied fiscal.AppliedRulesSnapshot, method fiscal.CalculationMethod) pendingEntry {
	applied.Method = method
	output.Result = entry.ResultAmount
	return pendingEntry{entry: entry, input: input, output: output, applied: applied}
}

func decimalPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}
