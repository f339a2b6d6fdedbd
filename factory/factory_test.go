package factory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/fiscal/store"
	"github.com/warp/payroll-engine/formula"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefaults_LoadAndValidate(t *testing.T) {
	catalog, err := factory.Defaults()
	require.NoError(t, err)

	isr, ok := catalog.Table(fiscal.TableKey{Kind: fiscal.TableISR, Year: 2024, PeriodType: fiscal.PeriodMonthly})
	require.True(t, ok)
	assert.Len(t, isr.Rows, 11)
	assert.True(t, isr.Rows[3].RateOnExcess.Equal(d("0.16")), "percent is converted to a rate")
	assert.Nil(t, isr.Rows[10].UpperLimit)

	sub, ok := catalog.Table(fiscal.TableKey{Kind: fiscal.TableSubsidy, Year: 2024, PeriodType: fiscal.PeriodMonthly})
	require.True(t, ok)
	assert.True(t, sub.Rows[0].SubsidyAmount.Equal(d("390.12")))

	require.Len(t, catalog.IMSS, 1)
	assert.True(t, catalog.IMSS[0].RiskClassRates[fiscal.RiskClassI].Equal(d("0.0054355")))
	assert.NoError(t, bracket.ValidateRates(catalog.IMSS[0]))
}

func TestDefaults_ComputeExampleISR(t *testing.T) {
	// GIVEN: the embedded monthly table
	catalog, err := factory.Defaults()
	require.NoError(t, err)
	isr, _ := catalog.Table(fiscal.TableKey{Kind: fiscal.TableISR, Year: 2024, PeriodType: fiscal.PeriodMonthly})

	// WHEN: a 10,000 monthly base is taxed
	res, err := bracket.CalculateISR(d("10000"), isr)

	// THEN: third row, 371.83 + 3667.94 x 10.88%
	require.NoError(t, err)
	assert.Equal(t, 2, res.Row)
	assert.True(t, res.ISR.Equal(d("770.901872")), "got %s", res.ISR)
}

func TestDefaults_ValuesByDate(t *testing.T) {
	catalog, err := factory.Defaults()
	require.NoError(t, err)
	values := catalog.StaticValues()
	ctx := context.Background()

	tests := []struct {
		date string
		uma  string
		smg  string
	}{
		{"2024-01-15", "103.74", "248.93"}, // new SMG, UMA not yet updated
		{"2024-02-01", "108.57", "248.93"},
		{"2024-12-31", "108.57", "248.93"},
		{"2025-03-01", "113.14", "278.80"},
	}
	for _, tc := range tests {
		t.Run(tc.date, func(t *testing.T) {
			at, _ := time.Parse(time.DateOnly, tc.date)
			p, err := values.ValuesAt(ctx, at)
			require.NoError(t, err)
			assert.True(t, p.UMADaily.Equal(d(tc.uma)))
			assert.True(t, p.SMGDaily.Equal(d(tc.smg)))
		})
	}

	_, err = values.ValuesAt(ctx, time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, fiscal.ErrFiscalValuesNotFound)
}

func TestCatalog_Install(t *testing.T) {
	catalog, err := factory.Defaults()
	require.NoError(t, err)
	mem := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, catalog.Install(ctx, mem))

	tbl, err := mem.BracketTable(ctx, fiscal.TableKey{Kind: fiscal.TableISR, Year: 2024, PeriodType: fiscal.PeriodMonthly})
	require.NoError(t, err)
	assert.Equal(t, "ISR-2024-MONTHLY", tbl.ID)
	rates, err := mem.IMSSRates(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, "IMSS-2024", rates.ID)
}

// =============================================================================
// PARSING
// =============================================================================

func TestParseCatalog_Rejects(t *testing.T) {
	f := factory.NewTableFactory()

	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"bracket_tables": [`},
		{"unknown kind", `{"bracket_tables": [{"kind": "VAT", "year": 2024, "period_type": "MONTHLY", "rows": [{"lower": "0"}]}]}`},
		{"unknown period", `{"bracket_tables": [{"kind": "ISR", "year": 2024, "period_type": "DAILY", "rows": [{"lower": "0"}]}]}`},
		{"bad amount", `{"bracket_tables": [{"kind": "ISR", "year": 2024, "period_type": "MONTHLY", "rows": [{"lower": "zero"}]}]}`},
		{"gap between rows", `{"bracket_tables": [{"kind": "ISR", "year": 2024, "period_type": "MONTHLY", "rows": [
			{"lower": "0", "upper": "100", "fixed_fee": "0", "rate_percent": "1"},
			{"lower": "150", "fixed_fee": "1", "rate_percent": "2"}]}]}`},
		{"bad date", `{"values": [{"effective_from": "01/02/2024", "uma_daily": "1", "uma_monthly": "1", "smg_daily": "1"}]}`},
		{"non-positive UMA", `{"values": [{"effective_from": "2024-02-01", "uma_daily": "0", "uma_monthly": "1", "smg_daily": "1"}]}`},
		{"rate above 100%", `{"imss_rates": [{"year": 2024, "sbc_cap_uma": "25", "rates": [{"concept": "retiro", "base": "SBC", "employer_percent": "120", "employee_percent": "0"}]}]}`},
		{"unknown IMSS base", `{"imss_rates": [{"year": 2024, "sbc_cap_uma": "25", "rates": [{"concept": "retiro", "base": "NET", "employer_percent": "2", "employee_percent": "0"}]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ParseCatalog(tc.json)
			assert.Error(t, err)
		})
	}
}

func TestParseCatalog_GapIsTableError(t *testing.T) {
	_, err := factory.NewTableFactory().ParseCatalog(`{"bracket_tables": [{"kind": "ISR", "year": 2024, "period_type": "MONTHLY", "rows": [
		{"lower": "0", "upper": "100", "fixed_fee": "0", "rate_percent": "1"},
		{"lower": "150", "fixed_fee": "1", "rate_percent": "2"}]}]}`)

	var tableErr *fiscal.TableError
	require.ErrorAs(t, err, &tableErr)
	assert.Equal(t, 1, tableErr.Row)
	assert.ErrorIs(t, err, fiscal.ErrInvalidTable)
}

func TestToJSON_ReproducesTheCatalog(t *testing.T) {
	f := factory.NewTableFactory()
	catalog, err := factory.Defaults()
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(catalog))
	require.NoError(t, err)

	require.Len(t, again.Tables, len(catalog.Tables))
	for i := range catalog.Tables {
		for j, row := range catalog.Tables[i].Rows {
			assert.True(t, row.RateOnExcess.Equal(again.Tables[i].Rows[j].RateOnExcess))
			assert.True(t, row.FixedFee.Equal(again.Tables[i].Rows[j].FixedFee))
		}
	}
	assert.True(t, again.IMSS[0].RiskClassRates[fiscal.RiskClassV].Equal(d("0.0758875")))
}

func TestCatalog_MergeReplacesByKey(t *testing.T) {
	base, err := factory.Defaults()
	require.NoError(t, err)
	override, err := factory.NewTableFactory().ParseCatalog(`{"bracket_tables": [{"id": "SUB-CUSTOM", "kind": "SUBSIDY", "year": 2024, "period_type": "MONTHLY", "rows": [
		{"lower": "0", "upper": "10000", "subsidy": "400"},
		{"lower": "10000.01", "subsidy": "0"}]}]}`)
	require.NoError(t, err)

	base.Merge(override)

	assert.Len(t, base.Tables, 2)
	sub, ok := base.Table(fiscal.TableKey{Kind: fiscal.TableSubsidy, Year: 2024, PeriodType: fiscal.PeriodMonthly})
	require.True(t, ok)
	assert.Equal(t, "SUB-CUSTOM", sub.ID)
}

// =============================================================================
// FORMULAS
// =============================================================================

func TestParseFormula(t *testing.T) {
	f := factory.NewFormulaFactory()

	in, err := f.ParseFormula(`{
		"company_id": "acme",
		"concept_code": "prima_vac",
		"concept_type": "PERCEPTION",
		"expression": "dailySalary * vacationDays * 0.25",
		"is_taxable": true,
		"exempt_limit": "15",
		"exempt_limit_type": "UMA",
		"valid_from": "2024-01-01",
		"valid_to": "2025-01-01"
	}`)

	require.NoError(t, err)
	assert.Equal(t, fiscal.ConceptPerception, in.ConceptType)
	assert.True(t, in.ExemptLimit.Equal(d("15")))
	assert.Equal(t, fiscal.ExemptUMA, in.ExemptLimitType)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *in.ValidTo)
	assert.Nil(t, in.FiscalYear)
}

func TestParseFormula_BadDate(t *testing.T) {
	_, err := factory.NewFormulaFactory().ParseFormula(`{"concept_code": "X", "valid_from": "2024/01/01"}`)
	assert.Error(t, err)
}

func TestChangesFromJSON(t *testing.T) {
	f := factory.NewFormulaFactory()

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"expression": "baseSalary * 2",
		"fiscal_year": null,
		"valid_from": "2025-01-01",
		"valid_to": "",
		"exempt_limit": ""
	}`), &raw))

	c, err := f.ChangesFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "baseSalary * 2", *c.Expression)
	assert.True(t, c.ClearFiscalYear)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *c.ValidFrom)
	assert.True(t, c.ClearValidTo)
	assert.True(t, c.ClearExemptLimit)
	assert.Nil(t, c.IsTaxable, "absent fields are inherited")
	assert.Nil(t, c.Name)
}

func TestFormulaToJSON(t *testing.T) {
	year := 2024
	limit := d("30")
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	fj := factory.NewFormulaFactory().ToJSON(fiscal.CalculationFormula{
		ID:              "f-1",
		CompanyID:       "acme",
		ConceptCode:     "AGUINALDO",
		ConceptType:     fiscal.ConceptPerception,
		Expression:      "dailySalary * 15",
		ExemptLimit:     &limit,
		ExemptLimitType: fiscal.ExemptUMA,
		FiscalYear:      &year,
		Version:         3,
		IsActive:        false,
		CreatedAt:       created,
	})

	assert.Equal(t, "SUPERSEDED", fj.Status)
	assert.Equal(t, "30", fj.ExemptLimit)
	assert.Equal(t, "2024-01-02T03:04:05Z", fj.CreatedAt)
	assert.Equal(t, 3, fj.Version)
}

// =============================================================================
// TEMPLATES
// =============================================================================

func TestTemplates_AllConceptsAreValid(t *testing.T) {
	f := factory.NewFormulaFactory()

	for _, tmpl := range factory.Templates() {
		t.Run(tmpl.ID, func(t *testing.T) {
			require.NotEmpty(t, tmpl.Concepts)
			for _, fj := range tmpl.ForCompany("acme", nil) {
				in, err := f.FromJSON(fj)
				require.NoError(t, err, fj.ConceptCode)
				assert.Equal(t, "acme", in.CompanyID)
				assert.True(t, in.ConceptType.Valid(), fj.ConceptCode)
				assert.NoError(t, formula.Validate(in.Expression), fj.ConceptCode)
				assert.NoError(t, formula.ValidateExemption(in.ExemptLimit, in.ExemptLimitType), fj.ConceptCode)
			}
		})
	}
}

func TestTemplate_ForCompanyScopesYearWithoutSharing(t *testing.T) {
	tmpl, ok := factory.Template("mx-full")
	require.True(t, ok)
	year := 2025

	concepts := tmpl.ForCompany("acme", &year)
	year = 2030

	require.Len(t, concepts, 5)
	for _, c := range concepts {
		require.NotNil(t, c.FiscalYear)
		assert.Equal(t, 2025, *c.FiscalYear)
	}
	assert.Empty(t, tmpl.Concepts[0].CompanyID, "the template itself is untouched")

	_, ok = factory.Template("nope")
	assert.False(t, ok)
}
