/*
errors.go - Centralized error types for the fiscal engine

PURPOSE:
  All domain error types in one place for consistency and discoverability.
  Algorithm packages wrap these with context; callers classify them with
  errors.Is / errors.As or the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Formula errors  - invalid, missing or superseded formulas
  2. Version errors  - overlapping validity scopes
  3. Table errors    - missing or malformed bracket tables
  4. Audit errors    - append-only violations, integrity failures
  5. Store errors    - persistence failures

SEE ALSO:
  - formula/errors.go: evaluation errors (syntax, arity, division by zero)
  - rules/resolver.go: raises OverlapConflictError
*/
package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrFormulaNotFound is returned when a formula id does not exist.
	ErrFormulaNotFound = errors.New("calculation formula not found")

	// ErrFormulaSuperseded is returned when a write targets a row that is no
	// longer active. Superseded rows are immutable.
	ErrFormulaSuperseded = errors.New("calculation formula already superseded")

	// ErrInvalidFormula is returned when a formula definition fails
	// validation. Such formulas are never stored.
	ErrInvalidFormula = errors.New("invalid calculation formula")

	// ErrOverlapConflict is returned when a new scope collides with an
	// active version of the same concept.
	ErrOverlapConflict = errors.New("formula validity overlaps an active version")

	// ErrTableNotFound is returned when no bracket table or rate set exists
	// for the requested year and period type.
	ErrTableNotFound = errors.New("fiscal table not found")

	// ErrInvalidTable is returned when a table breaks the bracket invariants.
	ErrInvalidTable = errors.New("invalid fiscal table")

	// ErrFiscalValuesNotFound is returned when no UMA/SMG values cover a date.
	ErrFiscalValuesNotFound = errors.New("fiscal values not found")

	// ErrAuditEntryNotFound is returned when an audit entry id does not exist.
	ErrAuditEntryNotFound = errors.New("audit entry not found")

	// ErrDuplicateAuditEntry is returned when an audit id is reused.
	// Audit entries are append-only.
	ErrDuplicateAuditEntry = errors.New("audit entry already exists")

	// ErrSnapshotMissing is returned when verification is requested for an
	// entry recorded without a reproducibility snapshot.
	ErrSnapshotMissing = errors.New("audit entry has no snapshot")

	// ErrDetailNotFound is returned when a payroll detail does not exist.
	ErrDetailNotFound = errors.New("payroll detail not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OverlapConflictError lists every active row the new scope collides with,
// so the caller can resolve the ambiguity without guessing.
type OverlapConflictError struct {
	CompanyID   string
	ConceptCode string
	Conflicts   []CalculationFormula
}

func (e *OverlapConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, fmt.Sprintf("%s(v%d)", c.ID, c.Version))
	}
	return fmt.Sprintf("formula %s/%s overlaps %d active version(s): %s",
		e.CompanyID, e.ConceptCode, len(e.Conflicts), strings.Join(ids, ", "))
}

func (e *OverlapConflictError) Unwrap() error {
	return ErrOverlapConflict
}

// TableError names the table and the row that broke an invariant.
type TableError struct {
	Table  string
	Row    int
	Reason string
}

func (e *TableError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("table %s row %d: %s", e.Table, e.Row, e.Reason)
	}
	return fmt.Sprintf("table %s: %s", e.Table, e.Reason)
}

func (e *TableError) Unwrap() error {
	return ErrInvalidTable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFormula) ||
		errors.Is(err, ErrInvalidTable) ||
		errors.Is(err, ErrFormulaSuperseded)
}

// IsConflict returns true for version-scope collisions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOverlapConflict) || errors.Is(err, ErrDuplicateAuditEntry)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFormulaNotFound) ||
		errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrAuditEntryNotFound) ||
		errors.Is(err, ErrFiscalValuesNotFound) ||
		errors.Is(err, ErrDetailNotFound)
}
