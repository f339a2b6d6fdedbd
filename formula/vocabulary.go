package formula

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
)

// =============================================================================
// VARIABLES - Closed vocabulary
// =============================================================================

// Variable is a name an expression may reference. Anything outside this set
// is rejected at parse time.
type Variable string

const (
	VarBaseSalary    Variable = "baseSalary"
	VarDailySalary   Variable = "dailySalary"
	VarWorkedDays    Variable = "workedDays"
	VarOvertimeHours Variable = "overtimeHours"
	VarAbsenceDays   Variable = "absenceDays"
	VarSeniority     Variable = "seniority"
	VarUMADaily      Variable = "umaDaily"
	VarUMAMonthly    Variable = "umaMonthly"
	VarSMGDaily      Variable = "smgDaily"
)

// CustomSlots is the number of generic customN variables.
const CustomSlots = 5

// Custom returns the variable for slot n (1-based).
func Custom(n int) Variable {
	return Variable("custom" + strconv.Itoa(n))
}

var variables = func() map[Variable]bool {
	m := map[Variable]bool{
		VarBaseSalary: true, VarDailySalary: true, VarWorkedDays: true,
		VarOvertimeHours: true, VarAbsenceDays: true, VarSeniority: true,
		VarUMADaily: true, VarUMAMonthly: true, VarSMGDaily: true,
	}
	for i := 1; i <= CustomSlots; i++ {
		m[Custom(i)] = true
	}
	return m
}()

// Variables lists the vocabulary in alphabetical order.
func Variables() []Variable {
	out := make([]Variable, 0, len(variables))
	for v := range variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseVariable(name string) (Variable, bool) {
	v := Variable(name)
	return v, variables[v]
}

// =============================================================================
// FUNCTIONS - Closed set
// =============================================================================

type Function string

const (
	FnMin          Function = "min"
	FnMax          Function = "max"
	FnRound        Function = "round"
	FnProportional Function = "proportional"
)

// arity bounds; max < 0 means variadic.
var functions = map[Function]struct{ min, max int }{
	FnMin:          {2, -1},
	FnMax:          {2, -1},
	FnRound:        {2, 2},
	FnProportional: {3, 3},
}

// =============================================================================
// CONTEXT - Values available to an expression
// =============================================================================

// Context maps vocabulary variables to values. A variable absent from the
// map is an evaluation error if referenced, never an implicit zero.
type Context map[Variable]decimal.Decimal

// ContextFromSample converts caller-supplied names, as received from a
// preview request, into a Context.
func ContextFromSample(sample map[string]decimal.Decimal) (Context, error) {
	ctx := make(Context, len(sample))
	for name, value := range sample {
		v, ok := ParseVariable(name)
		if !ok {
			return nil, newError(CodeUnknownIdentifier, -1, "sample variable %q", name)
		}
		ctx[v] = value
	}
	return ctx, nil
}

// BuildContext derives the runtime context of one employee in one period.
func BuildContext(emp fiscal.EmployeeSnapshot, period fiscal.PeriodSnapshot, params fiscal.FiscalParams) Context {
	at := period.PaymentDate
	if at.IsZero() {
		at = period.EndDate
	}

	worked := period.Days().Sub(emp.AbsenceDays)
	if emp.WorkedDays != nil {
		worked = *emp.WorkedDays
	}
	if worked.IsNegative() {
		worked = decimal.Zero
	}

	ctx := Context{
		VarBaseSalary:    emp.BaseSalary,
		VarDailySalary:   emp.DailySalary,
		VarWorkedDays:    worked,
		VarOvertimeHours: emp.OvertimeHours,
		VarAbsenceDays:   emp.AbsenceDays,
		VarSeniority:     emp.SeniorityYears(at),
		VarUMADaily:      params.UMADaily,
		VarUMAMonthly:    params.UMAMonthly,
		VarSMGDaily:      params.SMGDaily,
	}
	for slot, value := range emp.Custom {
		if slot >= 1 && slot <= CustomSlots {
			ctx[Custom(slot)] = value
		}
	}
	return ctx
}

// Named returns the context keyed by variable name, for audit snapshots.
func (c Context) Named() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c))
	for k, v := range c {
		out[string(k)] = v
	}
	return out
}

func (c Context) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, c[Variable(k)]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
