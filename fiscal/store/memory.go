// Package store provides in-memory implementations of the fiscal storage
// interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	formulas map[string]fiscal.CalculationFormula
	order    []string // formula ids in insertion order
	audit    map[string]fiscal.FiscalAuditEntry
	auditSeq []string
	details  map[string]fiscal.PayrollDetail
	tables   map[fiscal.TableKey]fiscal.BracketTable
	imss     map[int]fiscal.IMSSRateSet
	policies map[string]rounding.Policy
}

func NewMemory() *Memory {
	return &Memory{
		formulas: make(map[string]fiscal.CalculationFormula),
		audit:    make(map[string]fiscal.FiscalAuditEntry),
		details:  make(map[string]fiscal.PayrollDetail),
		tables:   make(map[fiscal.TableKey]fiscal.BracketTable),
		imss:     make(map[int]fiscal.IMSSRateSet),
		policies: make(map[string]rounding.Policy),
	}
}

// ===== Formulas =====

func (m *Memory) GetFormula(_ context.Context, id string) (*fiscal.CalculationFormula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getFormulaLocked(id)
}

func (m *Memory) getFormulaLocked(id string) (*fiscal.CalculationFormula, error) {
	f, ok := m.formulas[id]
	if !ok {
		return nil, fiscal.ErrFormulaNotFound
	}
	return &f, nil
}

func (m *Memory) ListFormulas(_ context.Context, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listFormulasLocked(companyID, conceptCode), nil
}

func (m *Memory) listFormulasLocked(companyID, conceptCode string) []fiscal.CalculationFormula {
	var result []fiscal.CalculationFormula
	for _, id := range m.order {
		f := m.formulas[id]
		if f.CompanyID == companyID && f.ConceptCode == conceptCode {
			result = append(result, f)
		}
	}
	return result
}

func (m *Memory) ListActiveFormulas(_ context.Context, companyID string) ([]fiscal.CalculationFormula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []fiscal.CalculationFormula
	for _, id := range m.order {
		f := m.formulas[id]
		if f.CompanyID == companyID && f.IsActive {
			result = append(result, f)
		}
	}
	return result, nil
}

func (m *Memory) InsertFormula(_ context.Context, f fiscal.CalculationFormula) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertFormulaLocked(f)
}

func (m *Memory) insertFormulaLocked(f fiscal.CalculationFormula) error {
	if _, exists := m.formulas[f.ID]; exists {
		return fiscal.ErrInvalidFormula
	}
	m.formulas[f.ID] = f
	m.order = append(m.order, f.ID)
	return nil
}

func (m *Memory) DeactivateFormula(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivateLocked(id, at)
}

func (m *Memory) deactivateLocked(id string, at time.Time) error {
	f, ok := m.formulas[id]
	if !ok {
		return fiscal.ErrFormulaNotFound
	}
	if !f.IsActive {
		return fiscal.ErrFormulaSuperseded
	}
	f.IsActive = false
	f.SupersededAt = &at
	m.formulas[id] = f
	return nil
}

// ===== Audit (append-only) =====

// AppendAudit mirrors the SQL store: one original entry per detail and
// concept, and each entry superseded at most once.
func (m *Memory) AppendAudit(_ context.Context, e fiscal.FiscalAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.audit[e.ID]; exists {
		return fiscal.ErrDuplicateAuditEntry
	}
	for _, id := range m.auditSeq {
		prev := m.audit[id]
		if e.SupersedesID == "" && prev.SupersedesID == "" &&
			prev.PayrollDetailID == e.PayrollDetailID && prev.ConceptType == e.ConceptType {
			return fiscal.ErrDuplicateAuditEntry
		}
		if e.SupersedesID != "" && prev.SupersedesID == e.SupersedesID {
			return fiscal.ErrDuplicateAuditEntry
		}
	}
	m.audit[e.ID] = e
	m.auditSeq = append(m.auditSeq, e.ID)
	return nil
}

func (m *Memory) GetAudit(_ context.Context, id string) (*fiscal.FiscalAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.audit[id]
	if !ok {
		return nil, fiscal.ErrAuditEntryNotFound
	}
	return &e, nil
}

func (m *Memory) ListAuditByDetail(_ context.Context, payrollDetailID string) ([]fiscal.FiscalAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []fiscal.FiscalAuditEntry
	for _, id := range m.auditSeq {
		if e := m.audit[id]; e.PayrollDetailID == payrollDetailID {
			result = append(result, e)
		}
	}
	return result, nil
}

// ===== Payroll details =====

func (m *Memory) SaveDetail(_ context.Context, d fiscal.PayrollDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[d.ID] = d
	return nil
}

func (m *Memory) GetDetail(_ context.Context, id string) (*fiscal.PayrollDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.details[id]
	if !ok {
		return nil, fiscal.ErrDetailNotFound
	}
	return &d, nil
}

func (m *Memory) ListDetails(_ context.Context, runID string) ([]fiscal.PayrollDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []fiscal.PayrollDetail
	for _, d := range m.details {
		if d.RunID == runID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EmployeeID < result[j].EmployeeID
	})
	return result, nil
}

func (m *Memory) SumDetails(ctx context.Context, runID string) (fiscal.PeriodTotals, error) {
	details, err := m.ListDetails(ctx, runID)
	if err != nil {
		return fiscal.PeriodTotals{}, err
	}
	totals := fiscal.PeriodTotals{RunID: runID}
	for _, d := range details {
		totals.Accumulate(d)
	}
	return totals, nil
}

// ===== Tables =====

// SaveBracketTable replaces the table stored under t.Key().
func (m *Memory) SaveBracketTable(_ context.Context, t fiscal.BracketTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Key()] = t
	return nil
}

func (m *Memory) SaveIMSSRates(_ context.Context, r fiscal.IMSSRateSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imss[r.Year] = r
	return nil
}

func (m *Memory) BracketTable(_ context.Context, key fiscal.TableKey) (*fiscal.BracketTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[key]
	if !ok {
		return nil, fiscal.ErrTableNotFound
	}
	return &t, nil
}

func (m *Memory) IMSSRates(_ context.Context, year int) (*fiscal.IMSSRateSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.imss[year]
	if !ok {
		return nil, fiscal.ErrTableNotFound
	}
	return &r, nil
}

// ===== Rounding policies =====

func (m *Memory) GetRoundingPolicy(_ context.Context, companyID string) (*rounding.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[companyID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) SaveRoundingPolicy(_ context.Context, companyID string, p rounding.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[companyID] = p
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support for formula versioning.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithFormulaTx executes fn while holding the write lock.
// Simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithFormulaTx(ctx context.Context, fn func(fiscal.FormulaStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	formulas map[string]fiscal.CalculationFormula
	order    []string
}

func (tm *TxMemory) snapshot() memorySnapshot {
	formulas := make(map[string]fiscal.CalculationFormula, len(tm.formulas))
	for k, v := range tm.formulas {
		formulas[k] = v
	}
	return memorySnapshot{formulas: formulas, order: append([]string(nil), tm.order...)}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.formulas = s.formulas
	tm.order = s.order
}

// txMemoryView runs against the parent without re-acquiring its lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetFormula(_ context.Context, id string) (*fiscal.CalculationFormula, error) {
	return tv.parent.getFormulaLocked(id)
}

func (tv *txMemoryView) ListFormulas(_ context.Context, companyID, conceptCode string) ([]fiscal.CalculationFormula, error) {
	return tv.parent.listFormulasLocked(companyID, conceptCode), nil
}

func (tv *txMemoryView) ListActiveFormulas(_ context.Context, companyID string) ([]fiscal.CalculationFormula, error) {
	var result []fiscal.CalculationFormula
	for _, id := range tv.parent.order {
		f := tv.parent.formulas[id]
		if f.CompanyID == companyID && f.IsActive {
			result = append(result, f)
		}
	}
	return result, nil
}

func (tv *txMemoryView) InsertFormula(_ context.Context, f fiscal.CalculationFormula) error {
	return tv.parent.insertFormulaLocked(f)
}

func (tv *txMemoryView) DeactivateFormula(_ context.Context, id string, at time.Time) error {
	return tv.parent.deactivateLocked(id, at)
}
