/*
Package factory converts JSON definitions into fiscal tables and formulas.

PURPOSE:
  Tax tables, IMSS rates and UMA/SMG values are published once a year.
  Loading them from JSON lets an operator install a new year without a
  release, and lets the formula API speak a stable wire format.

JSON SCHEMA (catalog):
  {
    "values": [
      {"effective_from": "2024-02-01", "uma_daily": "108.57",
       "uma_monthly": "3300.53", "smg_daily": "248.93"}
    ],
    "bracket_tables": [
      {"id": "ISR-2024-MONTHLY", "kind": "ISR", "year": 2024,
       "period_type": "MONTHLY",
       "rows": [{"lower": "0.00", "upper": "746.04",
                 "fixed_fee": "0.00", "rate_percent": "1.92"}]}
    ],
    "imss_rates": [
      {"id": "IMSS-2024", "year": 2024, "sbc_cap_uma": "25",
       "rates": [{"concept": "retiro", "base": "SBC",
                  "employer_percent": "2.00", "employee_percent": "0"}],
       "risk_class_percent": {"I": "0.54355"}}
    ]
  }

  Amounts are decimal strings. Rates are written as published, in percent.
  A row without "upper" is the open-ended top row.

KEY FEATURES:
  - Every table and rate set is validated on load
  - Embedded 2024 defaults (Defaults)
  - ToJSON round-trips a catalog for export

USAGE:
  f := factory.NewTableFactory()
  catalog, err := f.ParseCatalog(jsonString)
  err = catalog.Install(ctx, store)
  values := catalog.StaticValues()

SEE ALSO:
  - fiscal/tables.go: table shapes
  - bracket/table.go: table validation
  - formula.go:       formula definitions
*/
package factory

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/fiscal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type CatalogJSON struct {
	Values        []ValuesJSON       `json:"values,omitempty"`
	BracketTables []BracketTableJSON `json:"bracket_tables,omitempty"`
	IMSSRates     []IMSSRateSetJSON  `json:"imss_rates,omitempty"`
}

type ValuesJSON struct {
	EffectiveFrom string `json:"effective_from"` // YYYY-MM-DD
	UMADaily      string `json:"uma_daily"`
	UMAMonthly    string `json:"uma_monthly"`
	SMGDaily      string `json:"smg_daily"`
}

type BracketTableJSON struct {
	ID         string           `json:"id,omitempty"`
	Kind       string           `json:"kind"`
	Year       int              `json:"year"`
	PeriodType string           `json:"period_type"`
	Rows       []BracketRowJSON `json:"rows"`
}

type BracketRowJSON struct {
	Lower       string `json:"lower"`
	Upper       string `json:"upper,omitempty"`
	FixedFee    string `json:"fixed_fee,omitempty"`
	RatePercent string `json:"rate_percent,omitempty"`
	Subsidy     string `json:"subsidy,omitempty"`
}

type IMSSRateSetJSON struct {
	ID               string            `json:"id,omitempty"`
	Year             int               `json:"year"`
	SBCCapUMA        string            `json:"sbc_cap_uma"`
	Rates            []IMSSRateJSON    `json:"rates"`
	RiskClassPercent map[string]string `json:"risk_class_percent"`
}

type IMSSRateJSON struct {
	Concept         string `json:"concept"`
	Base            string `json:"base"`
	EmployerPercent string `json:"employer_percent"`
	EmployeePercent string `json:"employee_percent"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a validated set of fiscal data.
type Catalog struct {
	Values []fiscal.FiscalParams
	Tables []fiscal.BracketTable
	IMSS   []fiscal.IMSSRateSet
}

// Install writes every table and rate set to w.
func (c *Catalog) Install(ctx context.Context, w fiscal.TableWriter) error {
	for _, t := range c.Tables {
		if err := w.SaveBracketTable(ctx, t); err != nil {
			return fmt.Errorf("install %s: %w", t.Identifier(), err)
		}
	}
	for _, r := range c.IMSS {
		if err := w.SaveIMSSRates(ctx, r); err != nil {
			return fmt.Errorf("install %s: %w", r.Identifier(), err)
		}
	}
	return nil
}

// StaticValues returns a values provider over the catalog's UMA/SMG entries.
func (c *Catalog) StaticValues() *fiscal.StaticValues {
	return fiscal.NewStaticValues(c.Values...)
}

// Table returns the catalog table with the given key.
func (c *Catalog) Table(key fiscal.TableKey) (fiscal.BracketTable, bool) {
	for _, t := range c.Tables {
		if t.Key() == key {
			return t, true
		}
	}
	return fiscal.BracketTable{}, false
}

// Merge adds the content of o. Entries of o replace entries with the same key.
func (c *Catalog) Merge(o *Catalog) {
	for _, t := range o.Tables {
		replaced := false
		for i := range c.Tables {
			if c.Tables[i].Key() == t.Key() {
				c.Tables[i], replaced = t, true
			}
		}
		if !replaced {
			c.Tables = append(c.Tables, t)
		}
	}
	for _, r := range o.IMSS {
		replaced := false
		for i := range c.IMSS {
			if c.IMSS[i].Year == r.Year {
				c.IMSS[i], replaced = r, true
			}
		}
		if !replaced {
			c.IMSS = append(c.IMSS, r)
		}
	}
	for _, v := range o.Values {
		replaced := false
		for i := range c.Values {
			if c.Values[i].EffectiveFrom.Equal(v.EffectiveFrom) {
				c.Values[i], replaced = v, true
			}
		}
		if !replaced {
			c.Values = append(c.Values, v)
		}
	}
}

//go:embed defaults/mx2024.json
var defaultsJSON []byte

// Defaults returns the embedded catalog: 2024 monthly ISR and subsidy
// tables, 2024 IMSS rates, and UMA/SMG values for 2023 through 2025.
func Defaults() (*Catalog, error) {
	return NewTableFactory().Parse(defaultsJSON)
}

// =============================================================================
// TABLE FACTORY
// =============================================================================

// TableFactory converts JSON catalogs to validated fiscal data.
type TableFactory struct{}

func NewTableFactory() *TableFactory {
	return &TableFactory{}
}

// ParseCatalog parses a JSON string into a Catalog.
func (f *TableFactory) ParseCatalog(jsonStr string) (*Catalog, error) {
	return f.Parse([]byte(jsonStr))
}

func (f *TableFactory) Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts and validates a catalog.
func (f *TableFactory) FromJSON(cj CatalogJSON) (*Catalog, error) {
	c := &Catalog{}

	for i, vj := range cj.Values {
		v, err := parseValues(vj)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		c.Values = append(c.Values, v)
	}

	seen := map[fiscal.TableKey]bool{}
	for i, tj := range cj.BracketTables {
		t, err := parseBracketTable(tj)
		if err != nil {
			return nil, fmt.Errorf("bracket_tables[%d]: %w", i, err)
		}
		if seen[t.Key()] {
			return nil, fmt.Errorf("bracket_tables[%d]: duplicate table %s", i, t.Key())
		}
		seen[t.Key()] = true
		if err := bracket.Validate(t); err != nil {
			return nil, err
		}
		c.Tables = append(c.Tables, t)
	}

	years := map[int]bool{}
	for i, rj := range cj.IMSSRates {
		r, err := parseIMSSRates(rj)
		if err != nil {
			return nil, fmt.Errorf("imss_rates[%d]: %w", i, err)
		}
		if years[r.Year] {
			return nil, fmt.Errorf("imss_rates[%d]: duplicate year %d", i, r.Year)
		}
		years[r.Year] = true
		if err := bracket.ValidateRates(r); err != nil {
			return nil, err
		}
		c.IMSS = append(c.IMSS, r)
	}
	return c, nil
}

// ToJSON converts a catalog back to its JSON form.
func (f *TableFactory) ToJSON(c *Catalog) CatalogJSON {
	var cj CatalogJSON
	for _, v := range c.Values {
		cj.Values = append(cj.Values, ValuesJSON{
			EffectiveFrom: v.EffectiveFrom.Format(time.DateOnly),
			UMADaily:      v.UMADaily.String(),
			UMAMonthly:    v.UMAMonthly.String(),
			SMGDaily:      v.SMGDaily.String(),
		})
	}
	for _, t := range c.Tables {
		tj := BracketTableJSON{
			ID:         t.ID,
			Kind:       string(t.Kind),
			Year:       t.Year,
			PeriodType: string(t.PeriodType),
		}
		for _, r := range t.Rows {
			rj := BracketRowJSON{Lower: r.LowerLimit.String()}
			if r.UpperLimit != nil {
				rj.Upper = r.UpperLimit.String()
			}
			if t.Kind == fiscal.TableSubsidy {
				rj.Subsidy = r.SubsidyAmount.String()
			} else {
				rj.FixedFee = r.FixedFee.String()
				rj.RatePercent = r.RateOnExcess.Mul(hundred).String()
			}
			tj.Rows = append(tj.Rows, rj)
		}
		cj.BracketTables = append(cj.BracketTables, tj)
	}
	for _, s := range c.IMSS {
		sj := IMSSRateSetJSON{
			ID:               s.ID,
			Year:             s.Year,
			SBCCapUMA:        s.SBCCapUMA.String(),
			RiskClassPercent: map[string]string{},
		}
		for _, r := range s.Rates {
			sj.Rates = append(sj.Rates, IMSSRateJSON{
				Concept:         string(r.Concept),
				Base:            string(r.Base),
				EmployerPercent: r.EmployerRate.Mul(hundred).String(),
				EmployeePercent: r.EmployeeRate.Mul(hundred).String(),
			})
		}
		for class, rate := range s.RiskClassRates {
			sj.RiskClassPercent[string(class)] = rate.Mul(hundred).String()
		}
		cj.IMSSRates = append(cj.IMSSRates, sj)
	}
	return cj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// parseAmount parses a decimal string. An empty string is zero.
func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}

func parsePercent(field, s string) (decimal.Decimal, error) {
	v, err := parseAmount(field, s)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Div(hundred), nil
}

func parseValues(vj ValuesJSON) (fiscal.FiscalParams, error) {
	from, err := time.Parse(time.DateOnly, vj.EffectiveFrom)
	if err != nil {
		return fiscal.FiscalParams{}, fmt.Errorf("invalid effective_from format: %w", err)
	}
	p := fiscal.FiscalParams{EffectiveFrom: from}
	if p.UMADaily, err = parseAmount("uma_daily", vj.UMADaily); err != nil {
		return p, err
	}
	if p.UMAMonthly, err = parseAmount("uma_monthly", vj.UMAMonthly); err != nil {
		return p, err
	}
	if p.SMGDaily, err = parseAmount("smg_daily", vj.SMGDaily); err != nil {
		return p, err
	}
	if !p.UMADaily.IsPositive() || !p.UMAMonthly.IsPositive() || !p.SMGDaily.IsPositive() {
		return p, fmt.Errorf("UMA and SMG values must be positive")
	}
	return p, nil
}

func parseBracketTable(tj BracketTableJSON) (fiscal.BracketTable, error) {
	kind := fiscal.TableKind(tj.Kind)
	if kind != fiscal.TableISR && kind != fiscal.TableSubsidy {
		return fiscal.BracketTable{}, fmt.Errorf("unknown table kind: %s", tj.Kind)
	}
	period, err := fiscal.ParsePeriodType(tj.PeriodType)
	if err != nil {
		return fiscal.BracketTable{}, err
	}
	t := fiscal.BracketTable{ID: tj.ID, Kind: kind, Year: tj.Year, PeriodType: period}

	for i, rj := range tj.Rows {
		var row fiscal.BracketRow
		field := func(name string) string { return fmt.Sprintf("rows[%d].%s", i, name) }
		if rj.Lower == "" {
			return t, fmt.Errorf("%s is required", field("lower"))
		}
		if row.LowerLimit, err = parseAmount(field("lower"), rj.Lower); err != nil {
			return t, err
		}
		if rj.Upper != "" {
			upper, err := parseAmount(field("upper"), rj.Upper)
			if err != nil {
				return t, err
			}
			row.UpperLimit = &upper
		}
		if row.FixedFee, err = parseAmount(field("fixed_fee"), rj.FixedFee); err != nil {
			return t, err
		}
		if row.RateOnExcess, err = parsePercent(field("rate_percent"), rj.RatePercent); err != nil {
			return t, err
		}
		if row.SubsidyAmount, err = parseAmount(field("subsidy"), rj.Subsidy); err != nil {
			return t, err
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseIMSSRates(sj IMSSRateSetJSON) (fiscal.IMSSRateSet, error) {
	s := fiscal.IMSSRateSet{
		ID:             sj.ID,
		Year:           sj.Year,
		RiskClassRates: map[fiscal.RiskClass]decimal.Decimal{},
	}
	var err error
	if s.SBCCapUMA, err = parseAmount("sbc_cap_uma", sj.SBCCapUMA); err != nil {
		return s, err
	}
	for i, rj := range sj.Rates {
		r := fiscal.IMSSConceptRate{
			Concept: fiscal.IMSSConcept(rj.Concept),
			Base:    fiscal.IMSSBase(rj.Base),
		}
		if r.EmployerRate, err = parsePercent(fmt.Sprintf("rates[%d].employer_percent", i), rj.EmployerPercent); err != nil {
			return s, err
		}
		if r.EmployeeRate, err = parsePercent(fmt.Sprintf("rates[%d].employee_percent", i), rj.EmployeePercent); err != nil {
			return s, err
		}
		s.Rates = append(s.Rates, r)
	}
	for class, pct := range sj.RiskClassPercent {
		rate, err := parsePercent("risk_class_percent."+class, pct)
		if err != nil {
			return s, err
		}
		s.RiskClassRates[fiscal.RiskClass(class)] = rate
	}
	return s, nil
}
