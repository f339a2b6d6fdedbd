/*
Package rules manages the versions of company calculation formulas.

PURPOSE:
  A company configures each concept (SUELDO, BONO, PRIMA_VAC, ...) as a
  formula. Formulas change over time: new tax year, new bonus policy, a typo
  fix. Every change creates a new version; the previous one is superseded
  and kept forever because audit entries point at it.

SCOPES:
  A version is scoped either to a fiscal year or to a half-open validity
  window [ValidFrom, ValidTo). Nil bounds are unbounded.

  Overlap rules between active versions of the same concept:
    - two fiscal-year scopes conflict when the years are equal
    - two window scopes conflict when the windows intersect
    - a fiscal-year scope and a window scope never conflict; resolution
      order decides between them

RESOLUTION ORDER (ResolveFormulaForDate):
  1. active version whose fiscal year equals the date's year
  2. active version without fiscal year whose window contains the date
  3. most recently created active version
  Ties: higher version, then later creation, then smaller id.

STATE MACHINE:
  ACTIVE -> SUPERSEDED   (CreateNewVersion only; terminal; no delete)

CONCURRENCY:
  CreateNewVersion runs inside TxFormulaStore.WithFormulaTx, so two concurrent
  calls for the same concept cannot both see "no conflict".
*/
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/formula"
)

// =============================================================================
// TYPES
// =============================================================================

// OverlapQuery describes a scope to check against the active versions.
type OverlapQuery struct {
	CompanyID   string
	ConceptCode string
	ValidFrom   *time.Time
	ValidTo     *time.Time
	FiscalYear  *int
	ExcludeID   string
}

type OverlapResult struct {
	Valid     bool
	Conflicts []fiscal.CalculationFormula
}

// ResolvedFormula is the version in force on a date and why it was chosen.
type ResolvedFormula struct {
	Formula fiscal.CalculationFormula
	Reason  Reason
}

type Reason string

const (
	ReasonFiscalYear Reason = "fiscal_year"
	ReasonWindow     Reason = "validity_window"
	ReasonFallback   Reason = "latest_active"
)

// NewFormula is the input to Create.
type NewFormula struct {
	CompanyID       string
	ConceptCode     string
	ConceptType     fiscal.ConceptType
	Name            string
	Expression      string
	IsTaxable       bool
	IsExempt        bool
	ExemptLimit     *decimal.Decimal
	ExemptLimitType fiscal.ExemptLimitType
	FiscalYear      *int
	ValidFrom       *time.Time
	ValidTo         *time.Time
	CreatedBy       string
}

// FormulaChanges lists what a new version changes. Nil fields are inherited
// from the superseded version. Clear* flags drop an inherited optional.
type FormulaChanges struct {
	Name            *string
	Expression      *string
	IsTaxable       *bool
	IsExempt        *bool
	ExemptLimit     *decimal.Decimal
	ExemptLimitType *fiscal.ExemptLimitType
	FiscalYear      *int
	ValidFrom       *time.Time
	ValidTo         *time.Time
	CreatedBy       string

	ClearExemptLimit bool
	ClearFiscalYear  bool
	ClearValidFrom   bool
	ClearValidTo     bool
}

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	store     fiscal.TxFormulaStore
	evaluator *formula.Evaluator
	log       *zap.Logger

	// Now and NewID are replaceable for deterministic tests.
	Now   func() time.Time
	NewID func() string
}

func NewResolver(store fiscal.TxFormulaStore, evaluator *formula.Evaluator, log *zap.Logger) *Resolver {
	if evaluator == nil {
		evaluator = formula.NewEvaluator("")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		evaluator: evaluator,
		log:       log.Named("rules.resolver"),
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// =============================================================================
// OVERLAP
// =============================================================================

// ValidateNoOverlap reports every active version the query scope collides with.
func (r *Resolver) ValidateNoOverlap(ctx context.Context, q OverlapQuery) (OverlapResult, error) {
	return validateNoOverlap(ctx, r.store, q)
}

func validateNoOverlap(ctx context.Context, store fiscal.FormulaStore, q OverlapQuery) (OverlapResult, error) {
	versions, err := store.ListFormulas(ctx, q.CompanyID, NormalizeCode(q.ConceptCode))
	if err != nil {
		return OverlapResult{}, fmt.Errorf("list formulas: %w", err)
	}
	window := fiscal.Window{From: q.ValidFrom, To: q.ValidTo}

	var conflicts []fiscal.CalculationFormula
	for _, f := range versions {
		if !f.IsActive || f.ID == q.ExcludeID {
			continue
		}
		switch {
		case q.FiscalYear != nil && f.FiscalYear != nil:
			if *q.FiscalYear == *f.FiscalYear {
				conflicts = append(conflicts, f)
			}
		case q.FiscalYear == nil && f.FiscalYear == nil:
			if window.Intersects(f.Window()) {
				conflicts = append(conflicts, f)
			}
		}
	}
	sortVersions(conflicts)
	return OverlapResult{Valid: len(conflicts) == 0, Conflicts: conflicts}, nil
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveFormulaForDate returns the version in force on date. The boolean is
// false when the concept has no active version.
func (r *Resolver) ResolveFormulaForDate(ctx context.Context, companyID, conceptCode string, date time.Time) (*ResolvedFormula, bool, error) {
	versions, err := r.store.ListFormulas(ctx, companyID, NormalizeCode(conceptCode))
	if err != nil {
		return nil, false, fmt.Errorf("list formulas: %w", err)
	}
	resolved, ok := Resolve(versions, date)
	return resolved, ok, nil
}

// Resolve picks the version in force on date from a concept's versions.
// It is a pure function of its inputs.
func Resolve(versions []fiscal.CalculationFormula, date time.Time) (*ResolvedFormula, bool) {
	var byYear, byWindow, active []fiscal.CalculationFormula
	for _, f := range versions {
		if !f.IsActive {
			continue
		}
		active = append(active, f)
		switch {
		case f.FiscalYear != nil:
			if *f.FiscalYear == date.Year() {
				byYear = append(byYear, f)
			}
		case f.Window().Contains(date):
			byWindow = append(byWindow, f)
		}
	}

	if len(byYear) > 0 {
		sortVersions(byYear)
		return &ResolvedFormula{Formula: byYear[0], Reason: ReasonFiscalYear}, true
	}
	if len(byWindow) > 0 {
		sortVersions(byWindow)
		return &ResolvedFormula{Formula: byWindow[0], Reason: ReasonWindow}, true
	}
	if len(active) > 0 {
		sort.SliceStable(active, func(i, j int) bool {
			a, b := active[i], active[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			if a.Version != b.Version {
				return a.Version > b.Version
			}
			return a.ID < b.ID
		})
		return &ResolvedFormula{Formula: active[0], Reason: ReasonFallback}, true
	}
	return nil, false
}

// sortVersions orders newest first: version desc, created desc, id asc.
func sortVersions(rows []fiscal.CalculationFormula) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Version != b.Version {
			return a.Version > b.Version
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// =============================================================================
// CREATE + VERSION
// =============================================================================

// Create validates and stores a new scope of a concept. The first row of a
// concept is version 1.
func (r *Resolver) Create(ctx context.Context, in NewFormula) (*fiscal.CalculationFormula, error) {
	f := fiscal.CalculationFormula{
		ID:              r.NewID(),
		CompanyID:       in.CompanyID,
		ConceptCode:     NormalizeCode(in.ConceptCode),
		ConceptType:     in.ConceptType,
		Name:            in.Name,
		Expression:      in.Expression,
		IsTaxable:       in.IsTaxable,
		IsExempt:        in.IsExempt,
		ExemptLimit:     in.ExemptLimit,
		ExemptLimitType: in.ExemptLimitType,
		FiscalYear:      in.FiscalYear,
		ValidFrom:       in.ValidFrom,
		ValidTo:         in.ValidTo,
		Version:         1,
		IsActive:        true,
		CreatedAt:       r.Now(),
		CreatedBy:       in.CreatedBy,
	}
	if err := r.validate(f); err != nil {
		return nil, err
	}

	err := r.store.WithFormulaTx(ctx, func(tx fiscal.FormulaStore) error {
		overlap, err := validateNoOverlap(ctx, tx, OverlapQuery{
			CompanyID:   f.CompanyID,
			ConceptCode: f.ConceptCode,
			ValidFrom:   f.ValidFrom,
			ValidTo:     f.ValidTo,
			FiscalYear:  f.FiscalYear,
		})
		if err != nil {
			return err
		}
		if !overlap.Valid {
			return &fiscal.OverlapConflictError{
				CompanyID:   f.CompanyID,
				ConceptCode: f.ConceptCode,
				Conflicts:   overlap.Conflicts,
			}
		}
		version, err := nextVersion(ctx, tx, f.CompanyID, f.ConceptCode, 1)
		if err != nil {
			return err
		}
		f.Version = version
		return tx.InsertFormula(ctx, f)
	})
	if err != nil {
		r.log.Warn("formula rejected",
			zap.String("company_id", f.CompanyID),
			zap.String("concept_code", f.ConceptCode),
			zap.Error(err))
		return nil, err
	}

	r.log.Info("formula created",
		zap.String("company_id", f.CompanyID),
		zap.String("concept_code", f.ConceptCode),
		zap.String("formula_id", f.ID))
	return &f, nil
}

// CreateNewVersion supersedes formulaID with a new version carrying changes.
// Everything happens in one transaction; on any error nothing changes.
func (r *Resolver) CreateNewVersion(ctx context.Context, formulaID string, changes FormulaChanges) (*fiscal.CalculationFormula, error) {
	var created fiscal.CalculationFormula

	err := r.store.WithFormulaTx(ctx, func(tx fiscal.FormulaStore) error {
		prev, err := tx.GetFormula(ctx, formulaID)
		if err != nil {
			return err
		}
		if !prev.IsActive {
			return fmt.Errorf("%w: %s (v%d)", fiscal.ErrFormulaSuperseded, prev.ID, prev.Version)
		}

		next := applyChanges(*prev, changes)
		next.ID = r.NewID()
		next.Version = prev.Version + 1
		next.IsActive = true
		next.SupersededAt = nil
		next.CreatedAt = r.Now()
		next.PreviousID = prev.ID
		if err := r.validate(next); err != nil {
			return err
		}

		overlap, err := validateNoOverlap(ctx, tx, OverlapQuery{
			CompanyID:   next.CompanyID,
			ConceptCode: next.ConceptCode,
			ValidFrom:   next.ValidFrom,
			ValidTo:     next.ValidTo,
			FiscalYear:  next.FiscalYear,
			ExcludeID:   prev.ID,
		})
		if err != nil {
			return err
		}
		if !overlap.Valid {
			return &fiscal.OverlapConflictError{
				CompanyID:   next.CompanyID,
				ConceptCode: next.ConceptCode,
				Conflicts:   overlap.Conflicts,
			}
		}

		if next.Version, err = nextVersion(ctx, tx, next.CompanyID, next.ConceptCode, next.Version); err != nil {
			return err
		}

		if err := tx.DeactivateFormula(ctx, prev.ID, next.CreatedAt); err != nil {
			return err
		}
		if err := tx.InsertFormula(ctx, next); err != nil {
			return err
		}
		created = next
		return nil
	})
	if err != nil {
		r.log.Warn("new formula version rejected",
			zap.String("formula_id", formulaID), zap.Error(err))
		return nil, err
	}

	r.log.Info("formula version created",
		zap.String("company_id", created.CompanyID),
		zap.String("concept_code", created.ConceptCode),
		zap.String("superseded_id", formulaID),
		zap.Int("version", created.Version))
	return &created, nil
}

// History lists every version of a concept, oldest first.
func (r *Resolver) History(ctx context.Context, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	rows, err := r.store.ListFormulas(ctx, companyID, NormalizeCode(conceptCode))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
	return rows, nil
}

// ActiveFormulas returns the active version of every concept of a company.
func (r *Resolver) ActiveFormulas(ctx context.Context, companyID string) ([]fiscal.CalculationFormula, error) {
	return r.store.ListActiveFormulas(ctx, companyID)
}

// NormalizeCode is the stored form of a concept code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// nextVersion numbers a new row above every existing version of the concept,
// so versions stay monotonic even when several scopes are active.
func nextVersion(ctx context.Context, store fiscal.FormulaStore, companyID, conceptCode string, floor int) (int, error) {
	rows, err := store.ListFormulas(ctx, companyID, conceptCode)
	if err != nil {
		return 0, err
	}
	version := floor
	for _, f := range rows {
		if f.Version >= version {
			version = f.Version + 1
		}
	}
	return version, nil
}

func applyChanges(f fiscal.CalculationFormula, c FormulaChanges) fiscal.CalculationFormula {
	if c.Name != nil {
		f.Name = *c.Name
	}
	if c.Expression != nil {
		f.Expression = *c.Expression
	}
	if c.IsTaxable != nil {
		f.IsTaxable = *c.IsTaxable
	}
	if c.IsExempt != nil {
		f.IsExempt = *c.IsExempt
	}
	if c.ExemptLimitType != nil {
		f.ExemptLimitType = *c.ExemptLimitType
	}
	if c.ExemptLimit != nil {
		f.ExemptLimit = c.ExemptLimit
	}
	if c.ClearExemptLimit {
		f.ExemptLimit = nil
		f.ExemptLimitType = fiscal.ExemptNone
	}
	if c.FiscalYear != nil {
		f.FiscalYear = c.FiscalYear
	}
	if c.ClearFiscalYear {
		f.FiscalYear = nil
	}
	if c.ValidFrom != nil {
		f.ValidFrom = c.ValidFrom
	}
	if c.ClearValidFrom {
		f.ValidFrom = nil
	}
	if c.ValidTo != nil {
		f.ValidTo = c.ValidTo
	}
	if c.ClearValidTo {
		f.ValidTo = nil
	}
	if c.CreatedBy != "" {
		f.CreatedBy = c.CreatedBy
	}
	return f
}

// validate rejects a formula before it can be stored.
func (r *Resolver) validate(f fiscal.CalculationFormula) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", fiscal.ErrInvalidFormula, fmt.Sprintf(format, args...))
	}

	if f.CompanyID == "" {
		return invalid("company id is required")
	}
	if f.ConceptCode == "" {
		return invalid("concept code is required")
	}
	if !f.ConceptType.Valid() {
		return invalid("unknown concept type %q", f.ConceptType)
	}
	if f.FiscalYear != nil && (*f.FiscalYear < 2000 || *f.FiscalYear > 2999) {
		return invalid("fiscal year %d out of range", *f.FiscalYear)
	}
	if f.Window().Empty() {
		return invalid("valid_to must be after valid_from")
	}
	if err := r.evaluator.Validate(f.Expression); err != nil {
		return fmt.Errorf("%w: expression: %w", fiscal.ErrInvalidFormula, err)
	}
	if err := formula.ValidateExemption(f.ExemptLimit, f.ExemptLimitType); err != nil {
		return fmt.Errorf("%w: exemption: %w", fiscal.ErrInvalidFormula, err)
	}
	return nil
}
