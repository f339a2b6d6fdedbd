package factory

// =============================================================================
// CONCEPT TEMPLATES
// =============================================================================

// ConceptTemplate is a named set of ready-made concept formulas a company can
// install instead of writing each expression by hand.
type ConceptTemplate struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	Concepts    []FormulaJSON `json:"concepts"`
}

// ForCompany returns the template concepts bound to companyID. A non-nil
// fiscalYear scopes every concept to that year.
func (t ConceptTemplate) ForCompany(companyID string, fiscalYear *int) []FormulaJSON {
	out := make([]FormulaJSON, len(t.Concepts))
	for i, c := range t.Concepts {
		c.CompanyID = companyID
		if fiscalYear != nil {
			year := *fiscalYear
			c.FiscalYear = &year
		}
		out[i] = c
	}
	return out
}

var templates = []ConceptTemplate{
	{
		ID:          "mx-basic",
		Name:        "Basic Salary",
		Description: "Ordinary salary for the days worked in the period",
		Category:    "perceptions",
		Concepts: []FormulaJSON{
			SalaryJSON(),
		},
	},
	{
		ID:          "mx-overtime",
		Name:        "Double Overtime",
		Description: "Overtime paid at twice the hourly rate, exempt up to 5 UMA",
		Category:    "perceptions",
		Concepts: []FormulaJSON{
			OvertimeJSON(),
		},
	},
	{
		ID:          "mx-incentives",
		Name:        "Punctuality and Attendance",
		Description: "Punctuality and attendance bonuses of 10% of the base salary each",
		Category:    "perceptions",
		Concepts: []FormulaJSON{
			IncentiveJSON("PREMIO_PUNTUALIDAD", "Premio de puntualidad"),
			IncentiveJSON("PREMIO_ASISTENCIA", "Premio de asistencia"),
		},
	},
	{
		ID:          "mx-loans",
		Name:        "Company Loan",
		Description: "Loan installment deducted from custom1",
		Category:    "deductions",
		Concepts: []FormulaJSON{
			LoanJSON(),
		},
	},
	{
		ID:          "mx-full",
		Name:        "Full Payroll",
		Description: "Salary, overtime, incentives and loan deduction",
		Category:    "bundles",
		Concepts: []FormulaJSON{
			SalaryJSON(),
			OvertimeJSON(),
			IncentiveJSON("PREMIO_PUNTUALIDAD", "Premio de puntualidad"),
			IncentiveJSON("PREMIO_ASISTENCIA", "Premio de asistencia"),
			LoanJSON(),
		},
	},
}

// Templates returns the built-in templates.
func Templates() []ConceptTemplate {
	out := make([]ConceptTemplate, len(templates))
	copy(out, templates)
	return out
}

// Template returns the template with the given id.
func Template(id string) (ConceptTemplate, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return ConceptTemplate{}, false
}

// SalaryJSON is the ordinary salary concept.
func SalaryJSON() FormulaJSON {
	return FormulaJSON{
		ConceptCode: "SUELDO",
		ConceptType: "PERCEPTION",
		Name:        "Sueldo",
		Expression:  "dailySalary * workedDays",
		IsTaxable:   true,
	}
}

// OvertimeJSON pays overtime hours double, over an eight hour day.
func OvertimeJSON() FormulaJSON {
	return FormulaJSON{
		ConceptCode:     "HORAS_EXTRA",
		ConceptType:     "PERCEPTION",
		Name:            "Horas extra dobles",
		Expression:      "dailySalary / 8 * 2 * overtimeHours",
		IsTaxable:       true,
		ExemptLimit:     "5",
		ExemptLimitType: "UMA",
	}
}

// IncentiveJSON is a fully taxable bonus of 10% of the base salary.
func IncentiveJSON(code, name string) FormulaJSON {
	return FormulaJSON{
		ConceptCode: code,
		ConceptType: "PERCEPTION",
		Name:        name,
		Expression:  "baseSalary * 0.10",
		IsTaxable:   true,
	}
}

// LoanJSON deducts the installment carried in custom1.
func LoanJSON() FormulaJSON {
	return FormulaJSON{
		ConceptCode: "DESC_PRESTAMO",
		ConceptType: "DEDUCTION",
		Name:        "Descuento préstamo",
		Expression:  "custom1",
	}
}
