/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine on one database. In
  production the same patterns apply to PostgreSQL with minor dialect
  differences.

INTERFACES IMPLEMENTED:
  fiscal.TxFormulaStore:  Calculation formula versions
  fiscal.AuditStore:      Fiscal audit entries
  fiscal.DetailStore:     Payroll details and period totals
  fiscal.TableSource:     Bracket tables and IMSS rate sets
  fiscal.TableWriter:     Table installation
  rounding.PolicySource:  Per-company rounding policies

APPEND-ONLY ENFORCEMENT:
  - calculation_formulas: the only UPDATE is is_active 1 -> 0
  - fiscal_audit_entries: triggers abort any UPDATE or DELETE

KEY TABLES:
  calculation_formulas: Versioned concept rules
  fiscal_audit_entries: Immutable audit trail with JSON snapshots
  payroll_details:      One row per employee per run
  bracket_tables:       ISR / subsidy rows as JSON, keyed by kind+year+period
  imss_rate_sets:       IMSS rates as JSON, keyed by year
  rounding_policies:    Company rounding configuration

INDEXES:
  - idx_formulas_active_year: at most one active row per concept and fiscal
    year, enforced by the database as well as the resolver
  - idx_formulas_version: versions are unique per concept
  - idx_audit_detail: audit lookups by payroll detail
  - idx_details_run: period totals

CONCURRENCY:
  Writes hold a sync.RWMutex and run in IMMEDIATE transactions
  (_txlock=immediate), so a formula version check and its insert cannot
  interleave with another writer.

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  resolver := rules.NewResolver(store, nil, logger)

SEE ALSO:
  - fiscal/store.go:        Interface definitions
  - fiscal/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

var (
	_ fiscal.TxFormulaStore = (*Store)(nil)
	_ fiscal.AuditStore     = (*Store)(nil)
	_ fiscal.DetailStore    = (*Store)(nil)
	_ fiscal.TableSource    = (*Store)(nil)
	_ fiscal.TableWriter    = (*Store)(nil)
	_ rounding.PolicySource = (*Store)(nil)
	_ fiscal.FormulaStore   = (*txStore)(nil)
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Calculation formulas (versioned, never deleted)
	CREATE TABLE IF NOT EXISTS calculation_formulas (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		concept_code TEXT NOT NULL,
		concept_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		expression TEXT NOT NULL,
		is_taxable INTEGER NOT NULL DEFAULT 0,
		is_exempt INTEGER NOT NULL DEFAULT 0,
		exempt_limit TEXT,
		exempt_limit_type TEXT NOT NULL DEFAULT '',
		fiscal_year INTEGER,
		valid_from TEXT,
		valid_to TEXT,
		version INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		superseded_at TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		previous_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_formulas_company_concept
		ON calculation_formulas(company_id, concept_code);
	CREATE INDEX IF NOT EXISTS idx_formulas_company_active
		ON calculation_formulas(company_id) WHERE is_active = 1;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_formulas_version
		ON calculation_formulas(company_id, concept_code, version);

	-- One active row per concept and fiscal year
	CREATE UNIQUE INDEX IF NOT EXISTS idx_formulas_active_year
		ON calculation_formulas(company_id, concept_code, fiscal_year)
		WHERE is_active = 1 AND fiscal_year IS NOT NULL;

	-- Fiscal audit entries (append-only)
	CREATE TABLE IF NOT EXISTS fiscal_audit_entries (
		id TEXT PRIMARY KEY,
		payroll_detail_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		concept_type TEXT NOT NULL,
		calculation_base TEXT NOT NULL,
		limit_inferior TEXT,
		excedente TEXT,
		impuesto_marginal TEXT,
		cuota_fija TEXT,
		result_amount TEXT NOT NULL,
		rule_applied TEXT NOT NULL DEFAULT '',
		rule_version INTEGER NOT NULL DEFAULT 0,
		table_used TEXT NOT NULL DEFAULT '',
		supersedes_id TEXT NOT NULL DEFAULT '',
		snapshot_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_detail
		ON fiscal_audit_entries(payroll_detail_id);

	-- One original entry per concept of a detail; each entry superseded at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_one_per_concept
		ON fiscal_audit_entries(payroll_detail_id, concept_type)
		WHERE supersedes_id = '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_supersedes
		ON fiscal_audit_entries(supersedes_id)
		WHERE supersedes_id != '';

	CREATE TRIGGER IF NOT EXISTS trg_audit_no_update
		BEFORE UPDATE ON fiscal_audit_entries
		BEGIN SELECT RAISE(ABORT, 'fiscal_audit_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_audit_no_delete
		BEFORE DELETE ON fiscal_audit_entries
		BEGIN SELECT RAISE(ABORT, 'fiscal_audit_entries is append-only'); END;

	-- Payroll details
	CREATE TABLE IF NOT EXISTS payroll_details (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		period_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		perceptions_json TEXT NOT NULL DEFAULT '[]',
		deductions_json TEXT NOT NULL DEFAULT '[]',
		skipped_json TEXT NOT NULL DEFAULT '[]',
		total_perceptions TEXT NOT NULL DEFAULT '0',
		total_deductions TEXT NOT NULL DEFAULT '0',
		taxable_income TEXT NOT NULL DEFAULT '0',
		exempt_income TEXT NOT NULL DEFAULT '0',
		isr TEXT NOT NULL DEFAULT '0',
		subsidy TEXT NOT NULL DEFAULT '0',
		net_isr TEXT NOT NULL DEFAULT '0',
		imss_employee TEXT NOT NULL DEFAULT '0',
		imss_employer TEXT NOT NULL DEFAULT '0',
		net_pay TEXT NOT NULL DEFAULT '0',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_details_run
		ON payroll_details(run_id, employee_id);

	-- Fiscal tables
	CREATE TABLE IF NOT EXISTS bracket_tables (
		kind TEXT NOT NULL,
		year INTEGER NOT NULL,
		period_type TEXT NOT NULL,
		id TEXT NOT NULL,
		rows_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, year, period_type)
	);

	CREATE TABLE IF NOT EXISTS imss_rate_sets (
		year INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		rates_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Rounding policies
	CREATE TABLE IF NOT EXISTS rounding_policies (
		company_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		precision INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// FORMULA STORE (fiscal.FormulaStore interface)
// =============================================================================

const formulaColumns = `
	id, company_id, concept_code, concept_type, name, expression,
	is_taxable, is_exempt, exempt_limit, exempt_limit_type,
	fiscal_year, valid_from, valid_to,
	version, is_active, superseded_at, created_at, created_by, previous_id`

func (s *Store) GetFormula(ctx context.Context, id string) (*fiscal.CalculationFormula, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getFormula(ctx, s.db, id)
}

func (s *Store) ListFormulas(ctx context.Context, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFormulas(ctx, s.db, companyID, conceptCode)
}

func (s *Store) ListActiveFormulas(ctx context.Context, companyID string) ([]fiscal.CalculationFormula, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActiveFormulas(ctx, s.db, companyID)
}

func (s *Store) InsertFormula(ctx context.Context, f fiscal.CalculationFormula) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertFormula(ctx, s.db, f)
}

func (s *Store) DeactivateFormula(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deactivateFormula(ctx, s.db, id, at)
}

func getFormula(ctx context.Context, q dbtx, id string) (*fiscal.CalculationFormula, error) {
	row := q.QueryRowContext(ctx, "SELECT "+formulaColumns+" FROM calculation_formulas WHERE id = ?", id)
	f, err := scanFormula(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fiscal.ErrFormulaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func listFormulas(ctx context.Context, q dbtx, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	return queryFormulas(ctx, q, `
		SELECT `+formulaColumns+`
		FROM calculation_formulas
		WHERE company_id = ? AND concept_code = ?
		ORDER BY rowid ASC
	`, companyID, conceptCode)
}

func listActiveFormulas(ctx context.Context, q dbtx, companyID string) ([]fiscal.CalculationFormula, error) {
	return queryFormulas(ctx, q, `
		SELECT `+formulaColumns+`
		FROM calculation_formulas
		WHERE company_id = ? AND is_active = 1
		ORDER BY rowid ASC
	`, companyID)
}

func insertFormula(ctx context.Context, q dbtx, f fiscal.CalculationFormula) error {
	query := `
		INSERT INTO calculation_formulas (` + formulaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var fiscalYear sql.NullInt64
	if f.FiscalYear != nil {
		fiscalYear = sql.NullInt64{Int64: int64(*f.FiscalYear), Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		f.ID, f.CompanyID, f.ConceptCode, string(f.ConceptType), f.Name, f.Expression,
		f.IsTaxable, f.IsExempt, nullDecimal(f.ExemptLimit), string(f.ExemptLimitType),
		fiscalYear, nullTime(f.ValidFrom), nullTime(f.ValidTo),
		f.Version, f.IsActive, nullTime(f.SupersededAt), formatTime(f.CreatedAt), f.CreatedBy, f.PreviousID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			switch {
			case strings.Contains(err.Error(), "calculation_formulas.fiscal_year"):
				return fmt.Errorf("%w: fiscal year %d already has an active version", fiscal.ErrOverlapConflict, *f.FiscalYear)
			case strings.Contains(err.Error(), "calculation_formulas.version"):
				return fmt.Errorf("%w: version %d already exists", fiscal.ErrFormulaSuperseded, f.Version)
			default:
				return fmt.Errorf("%w: duplicate id %s", fiscal.ErrInvalidFormula, f.ID)
			}
		}
		return fmt.Errorf("failed to insert formula: %w", err)
	}
	return nil
}

func deactivateFormula(ctx context.Context, q dbtx, id string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE calculation_formulas SET is_active = 0, superseded_at = ? WHERE id = ? AND is_active = 1",
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate formula: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := getFormula(ctx, q, id); err != nil {
		return err
	}
	return fiscal.ErrFormulaSuperseded
}

func queryFormulas(ctx context.Context, q dbtx, query string, args ...any) ([]fiscal.CalculationFormula, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query formulas: %w", err)
	}
	defer rows.Close()

	var formulas []fiscal.CalculationFormula
	for rows.Next() {
		f, err := scanFormula(rows)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, f)
	}
	return formulas, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// prefixScanner scans leading columns into dest before the wrapped scan.
type prefixScanner struct {
	sc   scanner
	dest []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.sc.Scan(append(append([]any(nil), p.dest...), dest...)...)
}

func scanFormula(sc scanner) (fiscal.CalculationFormula, error) {
	var (
		f            fiscal.CalculationFormula
		conceptType  string
		exemptLimit  decimal.NullDecimal
		limitType    string
		fiscalYear   sql.NullInt64
		validFrom    sql.NullString
		validTo      sql.NullString
		supersededAt sql.NullString
		createdAt    string
	)

	err := sc.Scan(
		&f.ID, &f.CompanyID, &f.ConceptCode, &conceptType, &f.Name, &f.Expression,
		&f.IsTaxable, &f.IsExempt, &exemptLimit, &limitType,
		&fiscalYear, &validFrom, &validTo,
		&f.Version, &f.IsActive, &supersededAt, &createdAt, &f.CreatedBy, &f.PreviousID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan formula: %w", err)
	}

	f.ConceptType = fiscal.ConceptType(conceptType)
	f.ExemptLimitType = fiscal.ExemptLimitType(limitType)
	if exemptLimit.Valid {
		f.ExemptLimit = &exemptLimit.Decimal
	}
	if fiscalYear.Valid {
		y := int(fiscalYear.Int64)
		f.FiscalYear = &y
	}
	f.ValidFrom = parseNullTime(validFrom)
	f.ValidTo = parseNullTime(validTo)
	f.SupersededAt = parseNullTime(supersededAt)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return f, nil
}

// =============================================================================
// TRANSACTIONAL STORE (fiscal.TxFormulaStore interface)
// =============================================================================

// WithFormulaTx executes fn within an IMMEDIATE transaction. Nothing fn
// wrote is kept if it returns an error.
func (s *Store) WithFormulaTx(ctx context.Context, fn func(fiscal.FormulaStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open transaction only; the parent
// lock is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetFormula(ctx context.Context, id string) (*fiscal.CalculationFormula, error) {
	return getFormula(ctx, ts.tx, id)
}

func (ts *txStore) ListFormulas(ctx context.Context, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	return listFormulas(ctx, ts.tx, companyID, conceptCode)
}

func (ts *txStore) ListActiveFormulas(ctx context.Context, companyID string) ([]fiscal.CalculationFormula, error) {
	return listActiveFormulas(ctx, ts.tx, companyID)
}

func (ts *txStore) InsertFormula(ctx context.Context, f fiscal.CalculationFormula) error {
	return insertFormula(ctx, ts.tx, f)
}

func (ts *txStore) DeactivateFormula(ctx context.Context, id string, at time.Time) error {
	return deactivateFormula(ctx, ts.tx, id, at)
}

// =============================================================================
// AUDIT STORE (fiscal.AuditStore interface)
// =============================================================================

const auditColumns = `
	id, payroll_detail_id, company_id, employee_id, concept_type,
	calculation_base, limit_inferior, excedente, impuesto_marginal, cuota_fija, result_amount,
	rule_applied, rule_version, table_used, supersedes_id, snapshot_json, created_at`

// AppendAudit adds an entry. There is no way to change it afterwards. A
// second original entry for the same detail and concept, or a second entry
// superseding the same one, fails with fiscal.ErrDuplicateAuditEntry.
func (s *Store) AppendAudit(ctx context.Context, e fiscal.FiscalAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot sql.NullString
	if e.Snapshot != nil {
		b, err := json.Marshal(e.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO fiscal_audit_entries (` + auditColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.PayrollDetailID, e.CompanyID, e.EmployeeID, string(e.ConceptType),
		e.CalculationBase, nullDecimal(e.LimitInferior), nullDecimal(e.Excedente),
		nullDecimal(e.ImpuestoMarginal), nullDecimal(e.CuotaFija), e.ResultAmount,
		e.RuleApplied, e.RuleVersion, e.TableUsed, e.SupersedesID, snapshot, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fiscal.ErrDuplicateAuditEntry
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) GetAudit(ctx context.Context, id string) (*fiscal.FiscalAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+auditColumns+" FROM fiscal_audit_entries WHERE id = ?", id)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fiscal.ErrAuditEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListAuditByDetail(ctx context.Context, payrollDetailID string) ([]fiscal.FiscalAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM fiscal_audit_entries
		WHERE payroll_detail_id = ?
		ORDER BY rowid ASC
	`, payrollDetailID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []fiscal.FiscalAuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAudit(sc scanner) (fiscal.FiscalAuditEntry, error) {
	var (
		e            fiscal.FiscalAuditEntry
		conceptType  string
		limit        decimal.NullDecimal
		excedente    decimal.NullDecimal
		marginal     decimal.NullDecimal
		cuotaFija    decimal.NullDecimal
		snapshotJSON sql.NullString
		createdAt    string
	)

	err := sc.Scan(
		&e.ID, &e.PayrollDetailID, &e.CompanyID, &e.EmployeeID, &conceptType,
		&e.CalculationBase, &limit, &excedente, &marginal, &cuotaFija, &e.ResultAmount,
		&e.RuleApplied, &e.RuleVersion, &e.TableUsed, &e.SupersedesID, &snapshotJSON, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	e.ConceptType = fiscal.AuditConcept(conceptType)
	e.LimitInferior = decimalPtr(limit)
	e.Excedente = decimalPtr(excedente)
	e.ImpuestoMarginal = decimalPtr(marginal)
	e.CuotaFija = decimalPtr(cuotaFija)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var snap fiscal.AuditSnapshot
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err != nil {
			return e, fmt.Errorf("failed to decode snapshot of %s: %w", e.ID, err)
		}
		e.Snapshot = &snap
	}
	return e, nil
}

// =============================================================================
// DETAIL STORE (fiscal.DetailStore interface)
// =============================================================================

const detailColumns = `
	id, run_id, company_id, employee_id, period_id, status,
	perceptions_json, deductions_json, skipped_json,
	total_perceptions, total_deductions, taxable_income, exempt_income,
	isr, subsidy, net_isr, imss_employee, imss_employer, net_pay,
	error, created_at`

// SaveDetail inserts or replaces a detail.
func (s *Store) SaveDetail(ctx context.Context, d fiscal.PayrollDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perceptions, err := json.Marshal(nonNil(d.Perceptions))
	if err != nil {
		return err
	}
	deductions, err := json.Marshal(nonNil(d.Deductions))
	if err != nil {
		return err
	}
	skipped, err := json.Marshal(nonNil(d.Skipped))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payroll_details (` + detailColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			perceptions_json = excluded.perceptions_json,
			deductions_json = excluded.deductions_json,
			skipped_json = excluded.skipped_json,
			total_perceptions = excluded.total_perceptions,
			total_deductions = excluded.total_deductions,
			taxable_income = excluded.taxable_income,
			exempt_income = excluded.exempt_income,
			isr = excluded.isr,
			subsidy = excluded.subsidy,
			net_isr = excluded.net_isr,
			imss_employee = excluded.imss_employee,
			imss_employer = excluded.imss_employer,
			net_pay = excluded.net_pay,
			error = excluded.error
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.RunID, d.CompanyID, d.EmployeeID, d.PeriodID, string(d.Status),
		string(perceptions), string(deductions), string(skipped),
		d.TotalPerceptions, d.TotalDeductions, d.TaxableIncome, d.ExemptIncome,
		d.ISR, d.Subsidy, d.NetISR, d.IMSSEmployee, d.IMSSEmployer, d.NetPay,
		d.Error, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save detail: %w", err)
	}
	return nil
}

func (s *Store) GetDetail(ctx context.Context, id string) (*fiscal.PayrollDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+detailColumns+" FROM payroll_details WHERE id = ?", id)
	d, err := scanDetail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fiscal.ErrDetailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDetails returns the details of a run ordered by employee.
func (s *Store) ListDetails(ctx context.Context, runID string) ([]fiscal.PayrollDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+detailColumns+" FROM payroll_details WHERE run_id = ? ORDER BY employee_id ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var details []fiscal.PayrollDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// ListDetailsAfter returns up to limit details stored after cursor, in
// insertion order, and the cursor of the last one. Cursor 0 starts from the
// beginning.
func (s *Store) ListDetailsAfter(ctx context.Context, cursor int64, limit int) ([]fiscal.PayrollDetail, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT rowid, "+detailColumns+" FROM payroll_details WHERE rowid > ? ORDER BY rowid ASC LIMIT ?",
		cursor, limit,
	)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to query details: %w", err)
	}
	defer rows.Close()

	var details []fiscal.PayrollDetail
	for rows.Next() {
		d, err := scanDetail(prefixScanner{sc: rows, dest: []any{&cursor}})
		if err != nil {
			return nil, cursor, err
		}
		details = append(details, d)
	}
	return details, cursor, rows.Err()
}

// SumDetails reads only the amount columns of a run and folds them with
// decimal arithmetic; SQLite SUM would go through floating point.
func (s *Store) SumDetails(ctx context.Context, runID string) (fiscal.PeriodTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, total_perceptions, total_deductions, subsidy, net_isr,
		       imss_employee, imss_employer, net_pay
		FROM payroll_details
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return fiscal.PeriodTotals{}, fmt.Errorf("failed to sum details: %w", err)
	}
	defer rows.Close()

	totals := fiscal.PeriodTotals{RunID: runID}
	for rows.Next() {
		var (
			d      fiscal.PayrollDetail
			status string
		)
		if err := rows.Scan(&status, &d.TotalPerceptions, &d.TotalDeductions, &d.Subsidy, &d.NetISR,
			&d.IMSSEmployee, &d.IMSSEmployer, &d.NetPay); err != nil {
			return fiscal.PeriodTotals{}, fmt.Errorf("failed to scan totals: %w", err)
		}
		d.Status = fiscal.DetailStatus(status)
		totals.Accumulate(d)
	}
	return totals, rows.Err()
}

func scanDetail(sc scanner) (fiscal.PayrollDetail, error) {
	var (
		d           fiscal.PayrollDetail
		status      string
		perceptions string
		deductions  string
		skipped     string
		createdAt   string
	)

	err := sc.Scan(
		&d.ID, &d.RunID, &d.CompanyID, &d.EmployeeID, &d.PeriodID, &status,
		&perceptions, &deductions, &skipped,
		&d.TotalPerceptions, &d.TotalDeductions, &d.TaxableIncome, &d.ExemptIncome,
		&d.ISR, &d.Subsidy, &d.NetISR, &d.IMSSEmployee, &d.IMSSEmployer, &d.NetPay,
		&d.Error, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan detail: %w", err)
	}

	d.Status = fiscal.DetailStatus(status)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(perceptions), &d.Perceptions); err != nil {
		return d, fmt.Errorf("failed to decode perceptions of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(deductions), &d.Deductions); err != nil {
		return d, fmt.Errorf("failed to decode deductions of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(skipped), &d.Skipped); err != nil {
		return d, fmt.Errorf("failed to decode skipped concepts of %s: %w", d.ID, err)
	}
	if len(d.Skipped) == 0 {
		d.Skipped = nil
	}
	return d, nil
}

// =============================================================================
// TABLES (fiscal.TableSource / fiscal.TableWriter interfaces)
// =============================================================================

// SaveBracketTable replaces the table stored under t.Key().
func (s *Store) SaveBracketTable(ctx context.Context, t fiscal.BracketTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := json.Marshal(t.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode table %s: %w", t.Identifier(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bracket_tables (kind, year, period_type, id, rows_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, year, period_type) DO UPDATE SET
			id = excluded.id,
			rows_json = excluded.rows_json,
			updated_at = excluded.updated_at
	`, string(t.Kind), t.Year, string(t.PeriodType), t.ID, string(rows), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save table %s: %w", t.Identifier(), err)
	}
	return nil
}

func (s *Store) BracketTable(ctx context.Context, key fiscal.TableKey) (*fiscal.BracketTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := fiscal.BracketTable{Kind: key.Kind, Year: key.Year, PeriodType: key.PeriodType}
	var rows string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, rows_json FROM bracket_tables WHERE kind = ? AND year = ? AND period_type = ?",
		string(key.Kind), key.Year, string(key.PeriodType),
	).Scan(&t.ID, &rows)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", fiscal.ErrTableNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rows), &t.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode table %s: %w", key, err)
	}
	return &t, nil
}

// SaveIMSSRates replaces the rate set of r.Year.
func (s *Store) SaveIMSSRates(ctx context.Context, r fiscal.IMSSRateSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rates %s: %w", r.Identifier(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO imss_rate_sets (year, id, rates_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			id = excluded.id,
			rates_json = excluded.rates_json,
			updated_at = excluded.updated_at
	`, r.Year, r.ID, string(b), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save rates %s: %w", r.Identifier(), err)
	}
	return nil
}

func (s *Store) IMSSRates(ctx context.Context, year int) (*fiscal.IMSSRateSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b string
	err := s.db.QueryRowContext(ctx, "SELECT rates_json FROM imss_rate_sets WHERE year = ?", year).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: IMSS rates %d", fiscal.ErrTableNotFound, year)
	}
	if err != nil {
		return nil, err
	}
	var r fiscal.IMSSRateSet
	if err := json.Unmarshal([]byte(b), &r); err != nil {
		return nil, fmt.Errorf("failed to decode IMSS rates %d: %w", year, err)
	}
	return &r, nil
}

// =============================================================================
// ROUNDING POLICIES (rounding.PolicySource interface)
// =============================================================================

// GetRoundingPolicy returns (nil, nil) when the company has none.
func (s *Store) GetRoundingPolicy(ctx context.Context, companyID string) (*rounding.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p      rounding.Policy
		method string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT method, precision FROM rounding_policies WHERE company_id = ?",
		companyID,
	).Scan(&method, &p.Precision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Method = rounding.Method(method)
	return &p, nil
}

func (s *Store) SaveRoundingPolicy(ctx context.Context, companyID string, p rounding.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rounding_policies (company_id, method, precision, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			method = excluded.method,
			precision = excluded.precision,
			updated_at = excluded.updated_at
	`, companyID, string(p.Method), p.Precision, formatTime(time.Now()))
	return err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
