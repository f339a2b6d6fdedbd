package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/fiscal/store"
	"github.com/warp/payroll-engine/rounding"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixture struct {
	mem      *store.Memory
	recorder *audit.Recorder
	logs     *observer.ObservedLogs
	catalog  *factory.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem, zap.New(core))

	seq := 0
	rec.NewID = func() string {
		seq++
		return fmt.Sprintf("audit-%03d", seq)
	}
	rec.Now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }

	catalog, err := factory.Defaults()
	require.NoError(t, err)
	return &fixture{mem: mem, recorder: rec, logs: logs, catalog: catalog}
}

func (f *fixture) table(kind fiscal.TableKind) *fiscal.BracketTable {
	t, ok := f.catalog.Table(fiscal.TableKey{Kind: kind, Year: 2024, PeriodType: fiscal.PeriodMonthly})
	if !ok {
		panic("missing default table")
	}
	return &t
}

func monthlyInput(base string) fiscal.InputSnapshot {
	return fiscal.InputSnapshot{
		Employee: fiscal.EmployeeSnapshot{ID: "emp-1", CompanyID: "acme", SBC: d("500"), RiskClass: fiscal.RiskClassI},
		Period: fiscal.PeriodSnapshot{
			ID:        "2024-03",
			Type:      fiscal.PeriodMonthly,
			Year:      2024,
			StartDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		},
		Fiscal: fiscal.FiscalParams{UMADaily: d("108.57"), UMAMonthly: d("3300.53"), SMGDaily: d("248.93")},
		Base:   d(base),
	}
}

// recordISR records the ISR of a 9,000 monthly base: 662.101872 -> 662.10.
func (f *fixture) recordISR(t *testing.T) *fiscal.FiscalAuditEntry {
	t.Helper()
	entry, err := f.recorder.RecordWithSnapshot(context.Background(),
		fiscal.FiscalAuditEntry{
			PayrollDetailID: "detail-1",
			CompanyID:       "acme",
			EmployeeID:      "emp-1",
			ConceptType:     fiscal.AuditISR,
			CalculationBase: d("9000"),
			ResultAmount:    d("662.10"),
		},
		monthlyInput("9000"),
		fiscal.OutputSnapshot{Result: d("662.10")},
		fiscal.AppliedRulesSnapshot{
			Method:       fiscal.MethodBracketISR,
			Rounding:     rounding.DefaultPolicy,
			ISRTable:     f.table(fiscal.TableISR),
			SubsidyTable: f.table(fiscal.TableSubsidy),
		})
	require.NoError(t, err)
	return entry
}

// =============================================================================
// RECORD
// =============================================================================

func TestRecordWithSnapshot_SealsRules(t *testing.T) {
	f := newFixture(t)

	entry := f.recordISR(t)

	assert.Equal(t, "audit-001", entry.ID)
	assert.Equal(t, "ISR-2024-MONTHLY", entry.TableUsed)
	require.NotNil(t, entry.Snapshot)
	rules := entry.Snapshot.Applied.Rules
	require.Len(t, rules, 2)
	assert.Equal(t, fiscal.RuleISRTable, rules[0].Kind)
	assert.Equal(t, fiscal.RuleSubsidy, rules[1].Kind)

	want, err := audit.Checksum(f.table(fiscal.TableISR))
	require.NoError(t, err)
	assert.Equal(t, want, rules[0].Checksum)
	assert.Contains(t, rules[0].Checksum, "sha256:")
}

func TestChecksum_IgnoresDecimalFormatting(t *testing.T) {
	a := fiscal.BracketRow{LowerLimit: d("746.050"), FixedFee: d("14.32")}
	b := fiscal.BracketRow{LowerLimit: d("746.05"), FixedFee: d("14.320")}

	ca, err := audit.Checksum(a)
	require.NoError(t, err)
	cb, err := audit.Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestRecordWithSnapshot_RejectsIncompleteSnapshot(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		applied fiscal.AppliedRulesSnapshot
	}{
		{"ISR without table", fiscal.AppliedRulesSnapshot{Method: fiscal.MethodBracketISR, Rounding: rounding.DefaultPolicy}},
		{"subsidy without subsidy table", fiscal.AppliedRulesSnapshot{
			Method: fiscal.MethodBracketSubsidy, Rounding: rounding.DefaultPolicy, ISRTable: f.table(fiscal.TableISR)}},
		{"formula without expression", fiscal.AppliedRulesSnapshot{Method: fiscal.MethodFormula, Rounding: rounding.DefaultPolicy}},
		{"unknown method", fiscal.AppliedRulesSnapshot{Method: "GUESS", Rounding: rounding.DefaultPolicy}},
		{"invalid rounding", fiscal.AppliedRulesSnapshot{
			Method: fiscal.MethodBracketISR, Rounding: rounding.Policy{Method: "BANKERS", Precision: 2}, ISRTable: f.table(fiscal.TableISR)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.recorder.RecordWithSnapshot(context.Background(),
				fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR},
				monthlyInput("9000"), fiscal.OutputSnapshot{}, tc.applied)
			assert.ErrorIs(t, err, audit.ErrIncompleteSnapshot)
		})
	}

	entries, err := f.recorder.ListForDetail(context.Background(), "detail-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecord_OneEntryPerConceptUnlessSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: an ISR entry for detail-1
	first, err := f.recorder.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("100")})
	require.NoError(t, err)

	// WHEN: a second ISR entry comes without naming the first
	_, err = f.recorder.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("101")})

	// THEN: it is a duplicate
	assert.ErrorIs(t, err, fiscal.ErrDuplicateAuditEntry)
	assert.True(t, fiscal.IsConflict(err))

	// WHEN: the recomputation supersedes the first entry
	second, err := f.recorder.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("101"), SupersedesID: first.ID})
	require.NoError(t, err)

	// THEN: both remain, nothing was updated
	entries, err := f.recorder.ListForDetail(ctx, "detail-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].ResultAmount.Equal(d("100")))
	assert.Equal(t, second.ID, entries[1].ID)
	assert.Equal(t, first.ID, entries[1].SupersedesID)

	// THEN: superseding a stale entry is rejected
	_, err = f.recorder.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("102"), SupersedesID: first.ID})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)

	// THEN: other concepts are independent
	_, err = f.recorder.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditSubsidy, ResultAmount: d("0")})
	assert.NoError(t, err)
}

func TestRecord_ConcurrentDuplicatesKeepOneEntry(t *testing.T) {
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem, nil)
	ctx := context.Background()

	// WHEN: many writers record the same concept of one detail at once
	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rec.Record(ctx, fiscal.FiscalAuditEntry{
				PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("100")})
		}()
	}
	wg.Wait()

	// THEN: exactly one is stored, the rest are duplicates
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, fiscal.ErrDuplicateAuditEntry)
	}
	assert.Equal(t, 1, ok)

	entries, err := rec.ListForDetail(ctx, "detail-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecord_ConcurrentSupersedersKeepOneEntry(t *testing.T) {
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem, nil)
	ctx := context.Background()
	first, err := rec.Record(ctx, fiscal.FiscalAuditEntry{
		PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("100")})
	require.NoError(t, err)

	// WHEN: two recomputations race to supersede the same entry
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rec.Record(ctx, fiscal.FiscalAuditEntry{
				PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR, ResultAmount: d("101"), SupersedesID: first.ID})
		}()
	}
	wg.Wait()

	// THEN: only one supersedes it
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)

	entries, err := rec.ListForDetail(ctx, "detail-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryAppendAudit_RejectsSecondOriginalEntry(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	e := fiscal.FiscalAuditEntry{ID: "a-1", PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR}
	require.NoError(t, mem.AppendAudit(ctx, e))

	// a different id for the same concept bypassing the recorder
	e.ID = "a-2"
	assert.ErrorIs(t, mem.AppendAudit(ctx, e), fiscal.ErrDuplicateAuditEntry)

	e.SupersedesID = "a-1"
	require.NoError(t, mem.AppendAudit(ctx, e))

	e.ID = "a-3"
	assert.ErrorIs(t, mem.AppendAudit(ctx, e), fiscal.ErrDuplicateAuditEntry)

	// other details and concepts are independent
	require.NoError(t, mem.AppendAudit(ctx, fiscal.FiscalAuditEntry{ID: "a-4", PayrollDetailID: "detail-2", ConceptType: fiscal.AuditISR}))
	require.NoError(t, mem.AppendAudit(ctx, fiscal.FiscalAuditEntry{ID: "a-5", PayrollDetailID: "detail-1", ConceptType: fiscal.AuditSubsidy}))
}

func TestRecord_RequiresDetailAndConcept(t *testing.T) {
	f := newFixture(t)
	_, err := f.recorder.Record(context.Background(), fiscal.FiscalAuditEntry{ConceptType: fiscal.AuditISR})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	_, err = f.recorder.Record(context.Background(), fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1"})
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
}

// =============================================================================
// VERIFY
// =============================================================================

func TestVerify_BracketEntryReproduces(t *testing.T) {
	f := newFixture(t)
	entry := f.recordISR(t)

	rep, err := f.recorder.VerifySnapshotIntegrity(context.Background(), entry.ID)

	require.NoError(t, err)
	assert.True(t, rep.Valid, rep.Reason)
	assert.True(t, rep.Recomputed.Equal(d("662.10")))
	assert.True(t, rep.Stored.Equal(d("662.10")))
}

func TestVerify_NetISRAndSubsidy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applied := fiscal.AppliedRulesSnapshot{
		Rounding:     rounding.DefaultPolicy,
		ISRTable:     f.table(fiscal.TableISR),
		SubsidyTable: f.table(fiscal.TableSubsidy),
	}

	tests := []struct {
		concept fiscal.AuditConcept
		method  fiscal.CalculationMethod
		result  string
	}{
		{fiscal.AuditSubsidy, fiscal.MethodBracketSubsidy, "390.12"},
		{fiscal.AuditNetISR, fiscal.MethodNetISR, "271.98"},
	}
	for _, tc := range tests {
		t.Run(string(tc.method), func(t *testing.T) {
			a := applied
			a.Method = tc.method
			entry, err := f.recorder.RecordWithSnapshot(ctx,
				fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1", ConceptType: tc.concept, ResultAmount: d(tc.result)},
				monthlyInput("9000"), fiscal.OutputSnapshot{Result: d(tc.result)}, a)
			require.NoError(t, err)

			rep, err := f.recorder.VerifySnapshotIntegrity(ctx, entry.ID)
			require.NoError(t, err)
			assert.True(t, rep.Valid, rep.Reason)
		})
	}
}

func TestVerify_FormulaEntryWithExemption(t *testing.T) {
	// GIVEN: 15 days of a 500 daily salary, 30 UMA exempt
	f := newFixture(t)
	ctx := context.Background()
	input := monthlyInput("0")
	input.Variables = map[string]decimal.Decimal{
		"dailySalary": d("500"),
		"umaDaily":    d("108.57"),
	}

	entry, err := f.recorder.RecordWithSnapshot(ctx,
		fiscal.FiscalAuditEntry{
			PayrollDetailID: "detail-1",
			ConceptType:     fiscal.FormulaAuditConcept(fiscal.ConceptPerception, "AGUINALDO"),
			ResultAmount:    d("7500"),
			RuleApplied:     "formula-7",
			RuleVersion:     2,
		},
		input,
		fiscal.OutputSnapshot{Result: d("7500"), TaxableAmount: dp("4242.90"), ExemptAmount: dp("3257.10")},
		fiscal.AppliedRulesSnapshot{
			Method:          fiscal.MethodFormula,
			Rounding:        rounding.DefaultPolicy,
			Expression:      "dailySalary * 15",
			IsTaxable:       true,
			ExemptLimit:     dp("30"),
			ExemptLimitType: fiscal.ExemptUMA,
		})
	require.NoError(t, err)
	require.Len(t, entry.Snapshot.Applied.Rules, 1)
	assert.Equal(t, "formula-7", entry.Snapshot.Applied.Rules[0].ID)
	assert.Equal(t, 2, entry.Snapshot.Applied.Rules[0].Version)

	// WHEN / THEN
	rep, err := f.recorder.VerifySnapshotIntegrity(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, rep.Valid, rep.Reason)
}

func TestVerify_IMSSEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rates := f.catalog.IMSS[0]
	input := monthlyInput("500")
	input.ContributionDays = d("15")

	// Employee lines at SBC 500 over 15 days, rounded half-up per line:
	// 10.46 + 18.75 + 28.13 + 46.88 + 84.38
	entry, err := f.recorder.RecordWithSnapshot(ctx,
		fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1", ConceptType: fiscal.AuditIMSSEmployee, ResultAmount: d("188.60")},
		input, fiscal.OutputSnapshot{Result: d("188.60")},
		fiscal.AppliedRulesSnapshot{Method: fiscal.MethodIMSSEmployee, Rounding: rounding.DefaultPolicy, IMSSRates: &rates})
	require.NoError(t, err)
	assert.Equal(t, "IMSS-2024", entry.TableUsed)

	rep, err := f.recorder.VerifySnapshotIntegrity(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, rep.Valid, "%s (recomputed %s)", rep.Reason, rep.Recomputed)
}

func TestVerify_TamperedTableFailsChecksum(t *testing.T) {
	// GIVEN: a valid entry and a copy whose ISR table was edited in storage
	f := newFixture(t)
	ctx := context.Background()
	good := f.recordISR(t)

	bad := *good
	snap := *good.Snapshot
	tbl := *snap.Applied.ISRTable
	tbl.Rows = append([]fiscal.BracketRow(nil), tbl.Rows...)
	tbl.Rows[2].FixedFee = d("300.00")
	snap.Applied.ISRTable = &tbl
	bad.Snapshot = &snap
	bad.ID = "tampered"
	bad.SupersedesID = good.ID
	require.NoError(t, f.mem.AppendAudit(ctx, bad))

	// WHEN
	rep, err := f.recorder.VerifySnapshotIntegrity(ctx, "tampered")

	// THEN: reported, logged at error level, never healed
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Contains(t, rep.Reason, "checksum mismatch")
	assert.Equal(t, 1, f.logs.FilterMessage("audit integrity failure").FilterLevelExact(zapcore.ErrorLevel).Len())

	stored, err := f.mem.GetAudit(ctx, "tampered")
	require.NoError(t, err)
	assert.True(t, stored.Snapshot.Applied.ISRTable.Rows[2].FixedFee.Equal(d("300")))

	// THEN: the original entry is unaffected
	rep, err = f.recorder.VerifySnapshotIntegrity(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestVerify_ResealedTableFailsRecomputation(t *testing.T) {
	// GIVEN: a table edit whose checksum was also rewritten
	f := newFixture(t)
	ctx := context.Background()
	good := f.recordISR(t)

	bad := *good
	snap := *good.Snapshot
	tbl := *snap.Applied.ISRTable
	tbl.Rows = append([]fiscal.BracketRow(nil), tbl.Rows...)
	tbl.Rows[2].FixedFee = d("300.00")
	snap.Applied.ISRTable = &tbl
	snap.Applied.Rules = append([]fiscal.AppliedRule(nil), snap.Applied.Rules...)
	sum, err := audit.Checksum(&tbl)
	require.NoError(t, err)
	snap.Applied.Rules[0].Checksum = sum
	bad.Snapshot = &snap
	bad.ID = "resealed"
	bad.SupersedesID = good.ID
	require.NoError(t, f.mem.AppendAudit(ctx, bad))

	// WHEN
	rep, err := f.recorder.VerifySnapshotIntegrity(ctx, "resealed")

	// THEN: the recomputed ISR no longer matches the stored amount
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.True(t, rep.Recomputed.Equal(d("590.27")), "got %s", rep.Recomputed)
	assert.Contains(t, rep.Reason, "differs")
}

func TestVerify_TamperedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.recordISR(t)

	bad := *good
	bad.ID = "edited-result"
	bad.SupersedesID = good.ID
	bad.ResultAmount = d("600.00")
	require.NoError(t, f.mem.AppendAudit(ctx, bad))

	rep, err := f.recorder.VerifySnapshotIntegrity(ctx, "edited-result")
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.True(t, rep.Recomputed.Equal(d("662.10")))
	assert.True(t, rep.Stored.Equal(d("600")))
}

func TestVerify_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.recorder.VerifySnapshotIntegrity(ctx, "missing")
	assert.ErrorIs(t, err, fiscal.ErrAuditEntryNotFound)

	plain, err := f.recorder.Record(ctx, fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1", ConceptType: fiscal.AuditISR})
	require.NoError(t, err)
	_, err = f.recorder.VerifySnapshotIntegrity(ctx, plain.ID)
	assert.ErrorIs(t, err, fiscal.ErrSnapshotMissing)
}

func TestVerifyDetail_SkipsEntriesWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recordISR(t)
	_, err := f.recorder.Record(ctx, fiscal.FiscalAuditEntry{PayrollDetailID: "detail-1", ConceptType: fiscal.AuditSubsidy})
	require.NoError(t, err)

	reports, err := f.recorder.VerifyDetail(ctx, "detail-1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Valid)
}
