/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the payroll engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine packages.

ENDPOINTS:
  Formulas:
    POST   /api/formulas                  Create version 1 of a concept
    GET    /api/formulas                  Versions of a concept, or the active set
    GET    /api/formulas/resolve          Version in force on a date
    POST   /api/formulas/overlap          Check a validity scope
    POST   /api/formulas/validate         Parse an expression
    POST   /api/formulas/test             Evaluate an expression on a sample
    POST   /api/formulas/{id}/versions    Supersede a version

  Templates (templates.go):
    GET    /api/templates                 Ready-made concept sets
    POST   /api/templates/install         Install a set for a company

  Fiscal tables:
    POST   /api/tables                    Install a JSON catalog
    GET    /api/tables/imss/{year}        IMSS rate set
    GET    /api/tables/{kind}/{year}/{period}  Bracket table
    GET    /api/values                    UMA/SMG in force on a date
    POST   /api/calculate/isr             ISR, subsidy and net ISR of a base
    POST   /api/calculate/imss            IMSS quotas of a salary

  Payroll:
    POST   /api/runs                      Compute a period
    GET    /api/runs/{id}/details         Details of a run
    GET    /api/runs/{id}/totals          Period totals
    GET    /api/details/{id}              Detail with its audit trail
    GET    /api/details/{id}/verify       Recompute every entry of a detail
    GET    /api/audit/{id}                One audit entry
    GET    /api/audit/{id}/verify         Recompute one entry
    POST   /api/sweeps/audit              Verify details stored since the last sweep
    GET    /api/sweeps/audit              Last sweep result

  Settlements:
    POST   /api/settlements               Termination payments

  Rounding:
    GET    /api/companies/{id}/rounding             Policy in force
    PUT    /api/companies/{id}/rounding             Replace the policy
    POST   /api/companies/{id}/rounding/invalidate  Drop the cached policy
    POST   /api/rounding/apply                      Round, sum or distribute

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unparseable expressions
  - 404: Unknown formula, table, detail, entry or fiscal values
  - 409: Validity overlap (with the conflicting versions), duplicate entry
  - 422: Audit entry without a snapshot
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway that adds it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rounding"
	"github.com/warp/payroll-engine/rules"
	"github.com/warp/payroll-engine/store/sqlite"
)

// maxBodyBytes bounds request bodies. Catalogs are the largest payload.
const maxBodyBytes = 4 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Values     *fiscal.StaticValues
	Formulas   *rules.Resolver
	Brackets   *bracket.Resolver
	Rounding   *rounding.Service
	Audit      *audit.Recorder
	Runner     *payroll.Runner
	Settlement *payroll.SettlementCalculator
	Sweeper    *AuditScheduler

	FormulaFactory *factory.FormulaFactory
	TableFactory   *factory.TableFactory

	log *zap.Logger
}

type Options struct {
	// Concurrency bounds the employees of a run computed at once.
	Concurrency int
	// Rounding applies to companies without their own policy.
	// The zero value means rounding.DefaultPolicy.
	Rounding rounding.Policy
	// Cache holds resolved policies. Nil means an in-process cache.
	Cache rounding.Cache
	// SweepInterval is the period of the background audit sweep.
	// Zero disables it; manual sweeps still work.
	SweepInterval time.Duration
}

// NewHandler wires the engine over the given store and fiscal values.
func NewHandler(store *sqlite.Store, values *fiscal.StaticValues, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}

	roundingSvc := rounding.NewService(store, opts.Cache, log)
	if opts.Rounding.Method != "" {
		roundingSvc.Default = opts.Rounding
	}
	formulas := rules.NewResolver(store, formula.NewEvaluator(roundingSvc.Default.Method), log)
	brackets := bracket.NewResolver(store, log)
	recorder := audit.NewRecorder(store, log)

	runner := payroll.NewRunner(payroll.Deps{
		Formulas: formulas,
		Brackets: brackets,
		Rounding: roundingSvc,
		Values:   values,
		Details:  store,
		Audit:    recorder,
	}, opts.Concurrency, log)

	return &Handler{
		Store:          store,
		Values:         values,
		Formulas:       formulas,
		Brackets:       brackets,
		Rounding:       roundingSvc,
		Audit:          recorder,
		Runner:         runner,
		Settlement:     payroll.NewSettlementCalculator(values, log),
		Sweeper:        NewAuditScheduler(store, recorder, opts.SweepInterval, log),
		FormulaFactory: factory.NewFormulaFactory(),
		TableFactory:   factory.NewTableFactory(),
		log:            log.Named("api"),
	}
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// FORMULA HANDLERS
// =============================================================================

// CreateFormula stores version 1 of a concept.
func (h *Handler) CreateFormula(w http.ResponseWriter, r *http.Request) {
	var req FormulaDTO
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := h.FormulaFactory.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid formula", err)
		return
	}

	created, err := h.Formulas.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create formula", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.FormulaFactory.ToJSON(*created))
}

// ListFormulas returns every version of concept_code, oldest first, or the
// active versions of the company when no concept is given.
func (h *Handler) ListFormulas(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}

	var (
		rows []fiscal.CalculationFormula
		err  error
	)
	if code := r.URL.Query().Get("concept_code"); code != "" {
		rows, err = h.Formulas.History(r.Context(), companyID, code)
	} else {
		rows, err = h.Formulas.ActiveFormulas(r.Context(), companyID)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to list formulas", err)
		return
	}
	writeJSON(w, http.StatusOK, h.formulaDTOs(rows))
}

// ResolveFormula returns the version in force on date (default: today).
func (h *Handler) ResolveFormula(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	companyID, code := q.Get("company_id"), q.Get("concept_code")
	if companyID == "" || code == "" {
		writeError(w, http.StatusBadRequest, "company_id and concept_code are required", nil)
		return
	}
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	resolved, ok, err := h.Formulas.ResolveFormulaForDate(r.Context(), companyID, code, date)
	if err != nil {
		h.writeDomainError(w, r, "Failed to resolve formula", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No active formula version", nil)
		return
	}

	writeJSON(w, http.StatusOK, ResolvedFormulaDTO{
		Formula: h.FormulaFactory.ToJSON(resolved.Formula),
		Reason:  string(resolved.Reason),
		Date:    date.Format(time.DateOnly),
	})
}

// CreateFormulaVersion supersedes the version in the URL. Fields absent from
// the body are inherited; an empty string clears an optional field.
func (h *Handler) CreateFormulaVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var raw map[string]json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	changes, err := h.FormulaFactory.ChangesFromJSON(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid formula changes", err)
		return
	}

	created, err := h.Formulas.CreateNewVersion(r.Context(), id, changes)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create formula version", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.FormulaFactory.ToJSON(*created))
}

// CheckOverlap reports the active versions a scope would collide with.
func (h *Handler) CheckOverlap(w http.ResponseWriter, r *http.Request) {
	var req OverlapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CompanyID == "" || req.ConceptCode == "" {
		writeError(w, http.StatusBadRequest, "company_id and concept_code are required", nil)
		return
	}

	q := rules.OverlapQuery{
		CompanyID:   req.CompanyID,
		ConceptCode: rules.NormalizeCode(req.ConceptCode),
		FiscalYear:  req.FiscalYear,
		ExcludeID:   req.ExcludeID,
	}
	var err error
	if q.ValidFrom, err = optionalDate(req.ValidFrom); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_from format (use YYYY-MM-DD)", err)
		return
	}
	if q.ValidTo, err = optionalDate(req.ValidTo); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid valid_to format (use YYYY-MM-DD)", err)
		return
	}

	result, err := h.Formulas.ValidateNoOverlap(r.Context(), q)
	if err != nil {
		h.writeDomainError(w, r, "Failed to check overlap", err)
		return
	}
	writeJSON(w, http.StatusOK, OverlapResponse{
		Valid:     result.Valid,
		Conflicts: h.formulaDTOs(result.Conflicts),
	})
}

// ValidateExpression parses an expression without evaluating it.
func (h *Handler) ValidateExpression(w http.ResponseWriter, r *http.Request) {
	req, evaluator, ok := h.expressionRequest(w, r)
	if !ok {
		return
	}

	prog, err := evaluator.Compile(req.Expression)
	if err != nil {
		writeExpressionResult(w, err, ExpressionResponse{})
		return
	}
	resp := ExpressionResponse{Valid: true}
	for _, v := range prog.Variables() {
		resp.Variables = append(resp.Variables, string(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TestExpression evaluates an expression against a sample context.
func (h *Handler) TestExpression(w http.ResponseWriter, r *http.Request) {
	req, evaluator, ok := h.expressionRequest(w, r)
	if !ok {
		return
	}

	result, err := evaluator.Test(req.Expression, req.Sample)
	if err != nil {
		writeExpressionResult(w, err, ExpressionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, ExpressionResponse{Valid: true, Result: &result})
}

func (h *Handler) expressionRequest(w http.ResponseWriter, r *http.Request) (ExpressionRequest, *formula.Evaluator, bool) {
	var req ExpressionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, nil, false
	}
	method := h.Rounding.Default.Method
	if req.RoundingMethod != "" {
		m, err := rounding.ParseMethod(req.RoundingMethod)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rounding_method", err)
			return req, nil, false
		}
		method = m
	}
	return req, formula.NewEvaluator(method), true
}

// writeExpressionResult turns an evaluation failure into Valid=false.
// Anything that is not an evaluation failure is a bad request.
func writeExpressionResult(w http.ResponseWriter, err error, resp ExpressionResponse) {
	var evalErr *formula.EvalError
	if !errors.As(err, &evalErr) {
		writeError(w, http.StatusBadRequest, "Invalid expression request", err)
		return
	}
	resp.Valid = false
	resp.Error = &ExpressionError{
		Code:     string(evalErr.Code),
		Position: evalErr.Pos,
		Message:  evalErr.Error(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) formulaDTOs(rows []fiscal.CalculationFormula) []FormulaDTO {
	dtos := make([]FormulaDTO, len(rows))
	for i, f := range rows {
		dtos[i] = h.FormulaFactory.ToJSON(f)
	}
	return dtos
}

// =============================================================================
// FISCAL TABLE HANDLERS
// =============================================================================

// InstallCatalog validates a JSON catalog, then installs its tables and
// publishes its UMA/SMG values. Nothing is written when validation fails.
func (h *Handler) InstallCatalog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	catalog, err := h.TableFactory.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid catalog", err)
		return
	}

	if err := catalog.Install(r.Context(), h.Store); err != nil {
		h.writeDomainError(w, r, "Failed to install catalog", err)
		return
	}
	h.Values.Publish(catalog.Values...)

	summary := CatalogSummaryDTO{Tables: []string{}, IMSSRates: []string{}, Values: len(catalog.Values)}
	for _, t := range catalog.Tables {
		summary.Tables = append(summary.Tables, t.Key().String())
	}
	for _, s := range catalog.IMSS {
		summary.IMSSRates = append(summary.IMSSRates, s.Identifier())
	}
	h.log.Info("fiscal catalog installed",
		zap.Int("tables", len(summary.Tables)),
		zap.Int("imss_rates", len(summary.IMSSRates)),
		zap.Int("values", summary.Values))
	writeJSON(w, http.StatusCreated, summary)
}

// GetBracketTable returns an installed ISR or subsidy table in catalog form.
func (h *Handler) GetBracketTable(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	period, err := fiscal.ParsePeriodType(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period type", err)
		return
	}
	key := fiscal.TableKey{
		Kind:       fiscal.TableKind(strings.ToUpper(chi.URLParam(r, "kind"))),
		Year:       year,
		PeriodType: period,
	}
	if key.Kind != fiscal.TableISR && key.Kind != fiscal.TableSubsidy {
		writeError(w, http.StatusBadRequest, "Unknown table kind", nil)
		return
	}

	table, err := h.Store.BracketTable(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get table", err)
		return
	}
	cj := h.TableFactory.ToJSON(&factory.Catalog{Tables: []fiscal.BracketTable{*table}})
	writeJSON(w, http.StatusOK, cj.BracketTables[0])
}

// GetIMSSRates returns the IMSS rate set of a year in catalog form.
func (h *Handler) GetIMSSRates(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}

	rates, err := h.Store.IMSSRates(r.Context(), year)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get IMSS rates", err)
		return
	}
	cj := h.TableFactory.ToJSON(&factory.Catalog{IMSS: []fiscal.IMSSRateSet{*rates}})
	writeJSON(w, http.StatusOK, cj.IMSSRates[0])
}

// GetValues returns the UMA and SMG in force on date (default: today).
func (h *Handler) GetValues(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r, "date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	params, err := h.Values.ValuesAt(r.Context(), date)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get fiscal values", err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// CalculateISR applies the installed tables of a year and period type to a
// base, rounded with the company policy.
func (h *Handler) CalculateISR(w http.ResponseWriter, r *http.Request) {
	var req ISRRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := fiscal.ParsePeriodType(req.PeriodType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_type", err)
		return
	}

	policy, err := h.policyFor(r.Context(), req.CompanyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load rounding policy", err)
		return
	}
	result, tables, err := h.Brackets.NetISR(r.Context(), req.Base, req.Year, period, policy)
	if err != nil {
		h.writeDomainError(w, r, "Failed to calculate ISR", err)
		return
	}

	resp := ISRResponse{Result: result, ISRTable: tables.ISR.Identifier(), Rounding: policy}
	if tables.Subsidy != nil {
		resp.SubsidyTable = tables.Subsidy.Identifier()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CalculateIMSS computes the employee and employer quotas of one salary.
func (h *Handler) CalculateIMSS(w http.ResponseWriter, r *http.Request) {
	var req IMSSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	params, err := h.Values.ValuesAt(r.Context(), date)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get fiscal values", err)
		return
	}
	policy, err := h.policyFor(r.Context(), req.CompanyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load rounding policy", err)
		return
	}

	in := bracket.IMSSInput{SBC: req.SBC, UMADaily: params.UMADaily, Days: req.Days, RiskClass: req.RiskClass}
	result, rates, err := h.Brackets.IMSS(r.Context(), in, date.Year(), policy)
	if err != nil {
		h.writeDomainError(w, r, "Failed to calculate IMSS", err)
		return
	}
	writeJSON(w, http.StatusOK, IMSSResponse{Result: result, RateSet: rates.Identifier(), Rounding: policy})
}

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// CreateRun computes and persists a payroll period. Employee failures are
// part of a successful response.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Runner.Run(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, "Failed to run payroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListRunDetails returns the persisted details of a run.
func (h *Handler) ListRunDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.Store.ListDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list details", err)
		return
	}
	if details == nil {
		details = []fiscal.PayrollDetail{}
	}
	writeJSON(w, http.StatusOK, details)
}

// GetRunTotals aggregates the persisted details of a run.
func (h *Handler) GetRunTotals(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	totals, err := h.Store.SumDetails(r.Context(), runID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to sum details", err)
		return
	}
	if totals.Employees == 0 {
		writeError(w, http.StatusNotFound, "Run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// GetDetail returns a detail with its audit trail.
func (h *Handler) GetDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := h.Store.GetDetail(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get detail", err)
		return
	}
	entries, err := h.Audit.ListForDetail(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list audit entries", err)
		return
	}
	if entries == nil {
		entries = []fiscal.FiscalAuditEntry{}
	}
	writeJSON(w, http.StatusOK, DetailAuditResponse{Detail: *detail, Entries: entries})
}

// VerifyDetail recomputes every audit entry of a detail from its snapshot.
func (h *Handler) VerifyDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetDetail(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to get detail", err)
		return
	}
	reports, err := h.Audit.VerifyDetail(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to verify detail", err)
		return
	}

	resp := VerifyResponse{Valid: true, Reports: reports}
	if resp.Reports == nil {
		resp.Reports = []audit.IntegrityReport{}
	}
	for _, rep := range reports {
		if !rep.Valid {
			resp.Valid = false
			h.log.Warn("audit entry failed verification",
				zap.String("payroll_detail_id", id),
				zap.String("entry_id", rep.EntryID),
				zap.String("reason", rep.Reason))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetAuditEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Store.GetAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get audit entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// VerifyAuditEntry recomputes one entry. A mismatch is a 200 with
// valid=false; the stored entry is never changed.
func (h *Handler) VerifyAuditEntry(w http.ResponseWriter, r *http.Request) {
	report, err := h.Audit.VerifySnapshotIntegrity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to verify audit entry", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SweepAudit runs an integrity sweep over the details stored since the
// previous one.
func (h *Handler) SweepAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sweeper.RunNow(r.Context()))
}

// GetLastSweep returns the most recent sweep result.
func (h *Handler) GetLastSweep(w http.ResponseWriter, r *http.Request) {
	last := h.Sweeper.LastResult()
	if last == nil {
		writeError(w, http.StatusNotFound, "No sweep has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// CalculateSettlement computes termination payments with the policy of the
// employee's company. Nothing is persisted.
func (h *Handler) CalculateSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	policy, err := h.policyFor(r.Context(), req.Employee.CompanyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load rounding policy", err)
		return
	}
	settlement, err := h.Settlement.Calculate(r.Context(), req, policy)
	if err != nil {
		h.writeDomainError(w, r, "Failed to calculate settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// =============================================================================
// ROUNDING HANDLERS
// =============================================================================

func (h *Handler) GetRoundingPolicy(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	policy, err := h.Rounding.PolicyFor(r.Context(), companyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load rounding policy", err)
		return
	}
	writeJSON(w, http.StatusOK, RoundingPolicyDTO{
		CompanyID: companyID,
		Method:    string(policy.Method),
		Precision: policy.Precision,
	})
}

// SetRoundingPolicy replaces a company's policy and invalidates the cache.
func (h *Handler) SetRoundingPolicy(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")

	var req RoundingPolicyDTO
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	method, err := rounding.ParseMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rounding method", err)
		return
	}

	policy := rounding.Policy{Method: method, Precision: req.Precision}
	if err := h.Rounding.SetPolicy(r.Context(), companyID, policy); err != nil {
		h.writeDomainError(w, r, "Failed to save rounding policy", err)
		return
	}
	h.log.Info("rounding policy changed",
		zap.String("company_id", companyID),
		zap.String("method", string(policy.Method)),
		zap.Int32("precision", policy.Precision))

	writeJSON(w, http.StatusOK, RoundingPolicyDTO{
		CompanyID: companyID,
		Method:    string(policy.Method),
		Precision: policy.Precision,
	})
}

// InvalidateRoundingPolicy drops the cached policy of a company whose
// configuration changed outside this API.
func (h *Handler) InvalidateRoundingPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Rounding.Invalidate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, "Failed to invalidate rounding policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyRounding rounds a value with the company policy. With values it sums
// and rounds once; with parts it distributes value exactly.
func (h *Handler) ApplyRounding(w http.ResponseWriter, r *http.Request) {
	var req RoundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	policy, err := h.policyFor(r.Context(), req.CompanyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load rounding policy", err)
		return
	}

	resp := RoundResponse{Policy: policy}
	switch {
	case req.Parts != 0:
		shares, err := policy.Distribute(req.Value, req.Parts)
		if err != nil {
			h.writeDomainError(w, r, "Failed to distribute", err)
			return
		}
		resp.Shares, resp.Applied = shares, "distribute"
	case len(req.Values) > 0:
		sum := policy.SumAndRound(req.Values)
		resp.Sum, resp.Applied = &sum, "sum_and_round"
	default:
		result := policy.Round(req.Value)
		resp.Result, resp.Applied = &result, "round"
	}
	writeJSON(w, http.StatusOK, resp)
}

// policyFor resolves the company policy; no company means the default.
func (h *Handler) policyFor(ctx context.Context, companyID string) (rounding.Policy, error) {
	if companyID == "" {
		return h.Rounding.Default, nil
	}
	return h.Rounding.PolicyFor(ctx, companyID)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// dateParam parses a YYYY-MM-DD query parameter. Absent means today (UTC).
func dateParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse(time.DateOnly, s)
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to statuses. Overlap conflicts carry
// the conflicting versions. Unclassified errors are logged.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var overlap *fiscal.OverlapConflictError
	if errors.As(err, &overlap) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     message,
			Details:   err.Error(),
			Conflicts: h.formulaDTOs(overlap.Conflicts),
		})
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	var (
		evalErr  *formula.EvalError
		maxBytes *http.MaxBytesError
	)
	switch {
	case fiscal.IsNotFound(err):
		return http.StatusNotFound
	case fiscal.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, fiscal.ErrSnapshotMissing):
		return http.StatusUnprocessableEntity
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case fiscal.IsClientError(err),
		errors.As(err, &evalErr),
		errors.Is(err, payroll.ErrInvalidRun),
		errors.Is(err, payroll.ErrInvalidSettlement),
		errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, bracket.ErrOutOfDomain),
		errors.Is(err, bracket.ErrUnknownRiskClass),
		errors.Is(err, rounding.ErrUnknownMethod),
		errors.Is(err, rounding.ErrInvalidPrecision),
		errors.Is(err, rounding.ErrInvalidParts):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
