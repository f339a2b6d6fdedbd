package rules_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/fiscal/store"
	"github.com/warp/payroll-engine/rules"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func year(y int) *int { return &y }

func str(s string) *string { return &s }

// newResolver returns a resolver with a ticking clock and sequential ids.
func newResolver() (*rules.Resolver, *store.TxMemory) {
	mem := store.NewTxMemory()
	r := rules.NewResolver(mem, nil, nil)

	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	r.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	r.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("f-%03d", seq)
	}
	return r, mem
}

func bono(fy *int, from, to *time.Time) rules.NewFormula {
	return rules.NewFormula{
		CompanyID:   "acme",
		ConceptCode: "bono",
		ConceptType: fiscal.ConceptPerception,
		Expression:  "dailySalary * 10",
		IsTaxable:   true,
		FiscalYear:  fy,
		ValidFrom:   from,
		ValidTo:     to,
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_StoresFirstVersion(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()

	f, err := r.Create(ctx, bono(year(2024), nil, nil))

	require.NoError(t, err)
	assert.Equal(t, "BONO", f.ConceptCode)
	assert.Equal(t, 1, f.Version)
	assert.True(t, f.IsActive)
}

func TestCreate_RejectsInvalidDefinitions(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*rules.NewFormula)
	}{
		{"bad expression", func(n *rules.NewFormula) { n.Expression = "dailySalary *" }},
		{"unknown variable", func(n *rules.NewFormula) { n.Expression = "salary * 2" }},
		{"unknown concept type", func(n *rules.NewFormula) { n.ConceptType = "BENEFIT" }},
		{"missing company", func(n *rules.NewFormula) { n.CompanyID = "" }},
		{"empty window", func(n *rules.NewFormula) {
			n.ValidFrom, n.ValidTo = date(2024, 6, 1), date(2024, 6, 1)
		}},
		{"limit type without limit", func(n *rules.NewFormula) { n.ExemptLimitType = fiscal.ExemptUMA }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := bono(nil, nil, nil)
			tc.mutate(&in)

			_, err := r.Create(ctx, in)
			assert.ErrorIs(t, err, fiscal.ErrInvalidFormula)
			assert.True(t, fiscal.IsClientError(err))
		})
	}

	// THEN: nothing was stored
	rows, err := mem.ListFormulas(ctx, "acme", "BONO")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCreate_OverlappingWindowConflicts(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()

	_, err := r.Create(ctx, bono(nil, date(2024, 1, 1), date(2024, 7, 1)))
	require.NoError(t, err)

	// Adjacent window is fine.
	second, err := r.Create(ctx, bono(nil, date(2024, 7, 1), nil))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version, "versions stay monotonic across scopes")

	// Overlapping window is not.
	_, err = r.Create(ctx, bono(nil, date(2024, 6, 1), date(2024, 8, 1)))
	var conflict *fiscal.OverlapConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Len(t, conflict.Conflicts, 2)
}

// =============================================================================
// OVERLAP
// =============================================================================

func TestValidateNoOverlap_ScopeRules(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()

	fy2025, err := r.Create(ctx, bono(year(2025), nil, nil))
	require.NoError(t, err)
	window, err := r.Create(ctx, bono(nil, date(2024, 1, 1), date(2025, 1, 1)))
	require.NoError(t, err)

	tests := []struct {
		name  string
		query rules.OverlapQuery
		want  []string
	}{
		{"same fiscal year", rules.OverlapQuery{FiscalYear: year(2025)}, []string{fy2025.ID}},
		{"other fiscal year", rules.OverlapQuery{FiscalYear: year(2026)}, nil},
		{"fiscal year never meets a window", rules.OverlapQuery{FiscalYear: year(2024)}, nil},
		{"intersecting window", rules.OverlapQuery{ValidFrom: date(2024, 12, 1)}, []string{window.ID}},
		{"window after the end", rules.OverlapQuery{ValidFrom: date(2025, 1, 1)}, nil},
		{"unbounded window", rules.OverlapQuery{}, []string{window.ID}},
		{"excluded row", rules.OverlapQuery{FiscalYear: year(2025), ExcludeID: fy2025.ID}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.query.CompanyID = "acme"
			tc.query.ConceptCode = "BONO"

			res, err := r.ValidateNoOverlap(ctx, tc.query)
			require.NoError(t, err)

			var ids []string
			for _, c := range res.Conflicts {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tc.want, ids)
			assert.Equal(t, len(tc.want) == 0, res.Valid)
		})
	}
}

// =============================================================================
// NEW VERSION
// =============================================================================

func TestCreateNewVersion_SupersedesAndInherits(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()

	limit := decimal.NewFromInt(30)
	in := bono(year(2024), nil, nil)
	in.ExemptLimit, in.ExemptLimitType = &limit, fiscal.ExemptUMA
	v1, err := r.Create(ctx, in)
	require.NoError(t, err)

	// WHEN: only the expression changes
	v2, err := r.CreateNewVersion(ctx, v1.ID, rules.FormulaChanges{Expression: str("dailySalary * 12")})
	require.NoError(t, err)

	// THEN: the new row inherits everything else
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.PreviousID)
	assert.Equal(t, "dailySalary * 12", v2.Expression)
	assert.Equal(t, 2024, *v2.FiscalYear)
	assert.True(t, v2.ExemptLimit.Equal(limit))
	assert.True(t, v2.IsTaxable)

	// THEN: the old row is superseded, not deleted
	old, err := mem.GetFormula(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)
	assert.Equal(t, fiscal.FormulaSuperseded, old.Status())
	require.NotNil(t, old.SupersededAt)

	history, err := r.History(ctx, "acme", "bono")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
}

func TestCreateNewVersion_FiscalYearConflict(t *testing.T) {
	// GIVEN: active rows for 2024 and 2025
	r, mem := newResolver()
	ctx := context.Background()
	v2024, err := r.Create(ctx, bono(year(2024), nil, nil))
	require.NoError(t, err)
	v2025, err := r.Create(ctx, bono(year(2025), nil, nil))
	require.NoError(t, err)

	// WHEN: the 2024 row is re-versioned into 2025
	_, err = r.CreateNewVersion(ctx, v2024.ID, rules.FormulaChanges{FiscalYear: year(2025)})

	// THEN: one conflict, the 2025 row
	var conflict *fiscal.OverlapConflictError
	require.True(t, errors.As(err, &conflict))
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, v2025.ID, conflict.Conflicts[0].ID)

	// THEN: nothing was applied
	old, err := mem.GetFormula(ctx, v2024.ID)
	require.NoError(t, err)
	assert.True(t, old.IsActive)
	rows, err := mem.ListFormulas(ctx, "acme", "BONO")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCreateNewVersion_RejectsSupersededRow(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()
	v1, err := r.Create(ctx, bono(nil, nil, nil))
	require.NoError(t, err)
	_, err = r.CreateNewVersion(ctx, v1.ID, rules.FormulaChanges{Expression: str("1")})
	require.NoError(t, err)

	_, err = r.CreateNewVersion(ctx, v1.ID, rules.FormulaChanges{Expression: str("2")})
	assert.ErrorIs(t, err, fiscal.ErrFormulaSuperseded)
}

func TestCreateNewVersion_InvalidExpressionChangesNothing(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	v1, err := r.Create(ctx, bono(nil, nil, nil))
	require.NoError(t, err)

	_, err = r.CreateNewVersion(ctx, v1.ID, rules.FormulaChanges{Expression: str("max(1)")})
	assert.ErrorIs(t, err, fiscal.ErrInvalidFormula)

	still, err := mem.GetFormula(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, still.IsActive)
}

func TestCreateNewVersion_ConcurrentCallsOneWins(t *testing.T) {
	// GIVEN: one active row
	r, mem := newResolver()
	ctx := context.Background()
	v1, err := r.Create(ctx, bono(year(2024), nil, nil))
	require.NoError(t, err)

	// WHEN: many callers version it at once
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.CreateNewVersion(ctx, v1.ID, rules.FormulaChanges{Expression: str(fmt.Sprintf("%d", i+1))})
		}(i)
	}
	wg.Wait()

	// THEN: exactly one succeeds, the rest see a superseded row
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, fiscal.ErrFormulaSuperseded)
	}
	assert.Equal(t, 1, succeeded)

	active, err := mem.ListActiveFormulas(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateNewVersion_ConcurrentMovesIntoSameYear(t *testing.T) {
	// GIVEN: rows for 2023 and 2024
	r, _ := newResolver()
	ctx := context.Background()
	a, err := r.Create(ctx, bono(year(2023), nil, nil))
	require.NoError(t, err)
	b, err := r.Create(ctx, bono(year(2024), nil, nil))
	require.NoError(t, err)

	// WHEN: both are moved to 2025 concurrently
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = r.CreateNewVersion(ctx, id, rules.FormulaChanges{FiscalYear: year(2025)})
		}(i, id)
	}
	wg.Wait()

	// THEN: one wins, the other gets a conflict
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, fiscal.IsConflict(err), "got %v", err)
		}
	}
	assert.Equal(t, 1, failures)

	res, err := r.ValidateNoOverlap(ctx, rules.OverlapQuery{CompanyID: "acme", ConceptCode: "BONO", FiscalYear: year(2025)})
	require.NoError(t, err)
	assert.Len(t, res.Conflicts, 1, "exactly one active 2025 row")
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolveFormulaForDate_Order(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()

	fy2024, err := r.Create(ctx, bono(year(2024), nil, nil))
	require.NoError(t, err)
	h1, err := r.Create(ctx, bono(nil, date(2025, 1, 1), date(2025, 7, 1)))
	require.NoError(t, err)
	h2, err := r.Create(ctx, bono(nil, date(2025, 7, 1), date(2026, 1, 1)))
	require.NoError(t, err)

	tests := []struct {
		name   string
		at     *time.Time
		id     string
		reason rules.Reason
	}{
		{"fiscal year beats everything", date(2024, 3, 1), fy2024.ID, rules.ReasonFiscalYear},
		{"window start is inclusive", date(2025, 1, 1), h1.ID, rules.ReasonWindow},
		{"window end is exclusive", date(2025, 7, 1), h2.ID, rules.ReasonWindow},
		{"fallback to latest created", date(2027, 1, 1), h2.ID, rules.ReasonFallback},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, ok, err := r.ResolveFormulaForDate(ctx, "acme", "BONO", *tc.at)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.id, res.Formula.ID)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestResolveFormulaForDate_NoActiveVersion(t *testing.T) {
	r, _ := newResolver()
	_, ok, err := r.ResolveFormulaForDate(context.Background(), "acme", "NOPE", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveFormulaForDate_NilFromIsAlwaysValid(t *testing.T) {
	r, _ := newResolver()
	ctx := context.Background()
	open, err := r.Create(ctx, bono(nil, nil, date(2030, 1, 1)))
	require.NoError(t, err)

	res, ok, err := r.ResolveFormulaForDate(ctx, "acme", "BONO", *date(1990, 1, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, open.ID, res.Formula.ID)
	assert.Equal(t, rules.ReasonWindow, res.Reason)
}

func TestResolve_IsDeterministic(t *testing.T) {
	// GIVEN: two active rows with identical scope metadata, stored in either order
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := fiscal.CalculationFormula{ID: "a", IsActive: true, Version: 3, CreatedAt: created}
	b := fiscal.CalculationFormula{ID: "b", IsActive: true, Version: 3, CreatedAt: created}
	at := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)

	// WHEN: resolving repeatedly
	first, ok := rules.Resolve([]fiscal.CalculationFormula{a, b}, at)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := rules.Resolve([]fiscal.CalculationFormula{b, a}, at)
		// THEN: the same row, regardless of input order
		assert.Equal(t, first.Formula.ID, again.Formula.ID)
	}
	assert.Equal(t, "a", first.Formula.ID)
}
