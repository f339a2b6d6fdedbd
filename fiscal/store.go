/*
store.go - Persistence interfaces for formulas, audit entries and details

PURPOSE:
  Defines the boundary between the engine and storage. The engine owns no
  schema beyond the fields it reads and writes; implementations map these
  shapes onto tables.

KEY INTERFACES:
  FormulaStore:   Calculation formula versions (insert + deactivate, no delete)
  TxFormulaStore: Atomic version creation
  AuditStore:     Fiscal audit entries (append-only)
  DetailStore:    Payroll details and their period aggregate
  TableSource:    Read-only bracket tables and IMSS rates
  TableWriter:    Installs tables loaded by the factory

APPEND-ONLY CONTRACT:
  - FormulaStore has no Update or Delete. The only mutation of an existing
    row is DeactivateFormula, ACTIVE -> SUPERSEDED, one way.
  - AuditStore has no Update or Delete at all.

ATOMIC VERSIONING:
  WithFormulaTx runs fn with exclusive write access: two concurrent
  version creations for the same concept cannot both observe "no conflict".

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - fiscal/store/memory.go: in-memory for tests and development
*/
package fiscal

import (
	"context"
	"time"
)

// =============================================================================
// FORMULA STORE
// =============================================================================

type FormulaStore interface {
	// GetFormula returns ErrFormulaNotFound for unknown ids.
	GetFormula(ctx context.Context, id string) (*CalculationFormula, error)

	// ListFormulas returns every version of a concept, oldest first.
	ListFormulas(ctx context.Context, companyID, conceptCode string) ([]CalculationFormula, error)

	// ListActiveFormulas returns the active rows of every concept of a company.
	ListActiveFormulas(ctx context.Context, companyID string) ([]CalculationFormula, error)

	// InsertFormula persists a new row.
	InsertFormula(ctx context.Context, f CalculationFormula) error

	// DeactivateFormula marks an active row superseded.
	// Returns ErrFormulaSuperseded if it already was.
	DeactivateFormula(ctx context.Context, id string, at time.Time) error
}

type TxFormulaStore interface {
	FormulaStore

	// WithFormulaTx executes fn within a write transaction.
	// If fn returns an error nothing it did is kept.
	WithFormulaTx(ctx context.Context, fn func(FormulaStore) error) error
}

// =============================================================================
// AUDIT STORE
// =============================================================================

// AuditStore stores audit entries. Append-only: no Update, no Delete.
type AuditStore interface {
	// AppendAudit returns ErrDuplicateAuditEntry if the id exists.
	AppendAudit(ctx context.Context, entry FiscalAuditEntry) error

	// GetAudit returns ErrAuditEntryNotFound for unknown ids.
	GetAudit(ctx context.Context, id string) (*FiscalAuditEntry, error)

	// ListAuditByDetail returns entries of a payroll detail, oldest first.
	ListAuditByDetail(ctx context.Context, payrollDetailID string) ([]FiscalAuditEntry, error)
}

// =============================================================================
// DETAIL STORE
// =============================================================================

type DetailStore interface {
	SaveDetail(ctx context.Context, d PayrollDetail) error
	GetDetail(ctx context.Context, id string) (*PayrollDetail, error)
	ListDetails(ctx context.Context, runID string) ([]PayrollDetail, error)

	// SumDetails aggregates every persisted detail of a run in one read.
	SumDetails(ctx context.Context, runID string) (PeriodTotals, error)
}

// =============================================================================
// TABLE SOURCE
// =============================================================================

// TableSource resolves the fiscal tables in force. Implementations return
// ErrTableNotFound when nothing is configured.
type TableSource interface {
	BracketTable(ctx context.Context, key TableKey) (*BracketTable, error)
	IMSSRates(ctx context.Context, year int) (*IMSSRateSet, error)
}

// TableWriter installs tables. A table replaces the one with the same key.
type TableWriter interface {
	SaveBracketTable(ctx context.Context, t BracketTable) error
	SaveIMSSRates(ctx context.Context, r IMSSRateSet) error
}
