package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rules"
)

// =============================================================================
// FORMULA JSON
// =============================================================================

// FormulaJSON is the wire form of a calculation formula.
//
//	{
//	  "company_id": "acme",
//	  "concept_code": "PRIMA_VAC",
//	  "concept_type": "PERCEPTION",
//	  "expression": "dailySalary * vacationDays * 0.25",
//	  "is_taxable": true,
//	  "exempt_limit": "15",
//	  "exempt_limit_type": "UMA",
//	  "fiscal_year": 2024
//	}
type FormulaJSON struct {
	ID              string `json:"id,omitempty"`
	CompanyID       string `json:"company_id"`
	ConceptCode     string `json:"concept_code"`
	ConceptType     string `json:"concept_type"`
	Name            string `json:"name,omitempty"`
	Expression      string `json:"expression"`
	IsTaxable       bool   `json:"is_taxable"`
	IsExempt        bool   `json:"is_exempt,omitempty"`
	ExemptLimit     string `json:"exempt_limit,omitempty"`
	ExemptLimitType string `json:"exempt_limit_type,omitempty"`
	FiscalYear      *int   `json:"fiscal_year,omitempty"`
	ValidFrom       string `json:"valid_from,omitempty"` // YYYY-MM-DD
	ValidTo         string `json:"valid_to,omitempty"`   // YYYY-MM-DD, exclusive
	CreatedBy       string `json:"created_by,omitempty"`

	Version      int    `json:"version,omitempty"`
	Status       string `json:"status,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	SupersededAt string `json:"superseded_at,omitempty"`
	PreviousID   string `json:"previous_id,omitempty"`
}

// FormulaFactory converts formula JSON to resolver inputs.
type FormulaFactory struct{}

func NewFormulaFactory() *FormulaFactory {
	return &FormulaFactory{}
}

// ParseFormula parses a JSON string into a NewFormula.
func (f *FormulaFactory) ParseFormula(jsonStr string) (rules.NewFormula, error) {
	var fj FormulaJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return rules.NewFormula{}, fmt.Errorf("failed to parse formula JSON: %w", err)
	}
	return f.FromJSON(fj)
}

// FromJSON converts the wire form. Expression and overlap validation are
// left to the resolver.
func (f *FormulaFactory) FromJSON(fj FormulaJSON) (rules.NewFormula, error) {
	in := rules.NewFormula{
		CompanyID:       fj.CompanyID,
		ConceptCode:     fj.ConceptCode,
		ConceptType:     fiscal.ConceptType(fj.ConceptType),
		Name:            fj.Name,
		Expression:      fj.Expression,
		IsTaxable:       fj.IsTaxable,
		IsExempt:        fj.IsExempt,
		ExemptLimitType: fiscal.ExemptLimitType(fj.ExemptLimitType),
		FiscalYear:      fj.FiscalYear,
		CreatedBy:       fj.CreatedBy,
	}
	var err error
	if in.ExemptLimit, err = optionalAmount("exempt_limit", fj.ExemptLimit); err != nil {
		return in, err
	}
	if in.ValidFrom, err = optionalDate("valid_from", fj.ValidFrom); err != nil {
		return in, err
	}
	if in.ValidTo, err = optionalDate("valid_to", fj.ValidTo); err != nil {
		return in, err
	}
	return in, nil
}

// ChangesFromJSON builds the changes for a new version. Fields absent from
// the JSON are inherited; a present empty string clears an optional.
func (f *FormulaFactory) ChangesFromJSON(raw map[string]json.RawMessage) (rules.FormulaChanges, error) {
	var c rules.FormulaChanges
	str := func(key string) (*string, error) {
		msg, ok := raw[key]
		if !ok {
			return nil, nil
		}
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &s, nil
	}
	boolean := func(key string) (*bool, error) {
		msg, ok := raw[key]
		if !ok {
			return nil, nil
		}
		var b bool
		if err := json.Unmarshal(msg, &b); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &b, nil
	}

	var err error
	if c.Name, err = str("name"); err != nil {
		return c, err
	}
	if c.Expression, err = str("expression"); err != nil {
		return c, err
	}
	if c.IsTaxable, err = boolean("is_taxable"); err != nil {
		return c, err
	}
	if c.IsExempt, err = boolean("is_exempt"); err != nil {
		return c, err
	}
	if by, err := str("created_by"); err != nil {
		return c, err
	} else if by != nil {
		c.CreatedBy = *by
	}

	if s, err := str("exempt_limit_type"); err != nil {
		return c, err
	} else if s != nil {
		t := fiscal.ExemptLimitType(*s)
		c.ExemptLimitType = &t
	}
	if s, err := str("exempt_limit"); err != nil {
		return c, err
	} else if s != nil {
		if *s == "" {
			c.ClearExemptLimit = true
		} else if c.ExemptLimit, err = optionalAmount("exempt_limit", *s); err != nil {
			return c, err
		}
	}

	if msg, ok := raw["fiscal_year"]; ok {
		if string(msg) == "null" {
			c.ClearFiscalYear = true
		} else {
			var y int
			if err := json.Unmarshal(msg, &y); err != nil {
				return c, fmt.Errorf("fiscal_year: %w", err)
			}
			c.FiscalYear = &y
		}
	}

	dates := []struct {
		key   string
		value **time.Time
		clear *bool
	}{
		{"valid_from", &c.ValidFrom, &c.ClearValidFrom},
		{"valid_to", &c.ValidTo, &c.ClearValidTo},
	}
	for _, d := range dates {
		s, err := str(d.key)
		if err != nil {
			return c, err
		}
		if s == nil {
			continue
		}
		if *s == "" {
			*d.clear = true
			continue
		}
		if *d.value, err = optionalDate(d.key, *s); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ToJSON converts a stored formula to its wire form.
func (f *FormulaFactory) ToJSON(cf fiscal.CalculationFormula) FormulaJSON {
	fj := FormulaJSON{
		ID:              cf.ID,
		CompanyID:       cf.CompanyID,
		ConceptCode:     cf.ConceptCode,
		ConceptType:     string(cf.ConceptType),
		Name:            cf.Name,
		Expression:      cf.Expression,
		IsTaxable:       cf.IsTaxable,
		IsExempt:        cf.IsExempt,
		ExemptLimitType: string(cf.ExemptLimitType),
		FiscalYear:      cf.FiscalYear,
		CreatedBy:       cf.CreatedBy,
		Version:         cf.Version,
		Status:          string(cf.Status()),
		CreatedAt:       cf.CreatedAt.Format(time.RFC3339),
		PreviousID:      cf.PreviousID,
	}
	if cf.ExemptLimit != nil {
		fj.ExemptLimit = cf.ExemptLimit.String()
	}
	if cf.ValidFrom != nil {
		fj.ValidFrom = cf.ValidFrom.Format(time.DateOnly)
	}
	if cf.ValidTo != nil {
		fj.ValidTo = cf.ValidTo.Format(time.DateOnly)
	}
	if cf.SupersededAt != nil {
		fj.SupersededAt = cf.SupersededAt.Format(time.RFC3339)
	}
	return fj
}

func optionalAmount(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return &v, nil
}

func optionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", field, err)
	}
	return &t, nil
}
