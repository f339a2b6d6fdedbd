package formula

import (
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
)

// =============================================================================
// EXEMPTION - Taxable / exempt split of an evaluated amount
// =============================================================================

// ExemptionResult splits Value into the part subject to ISR and the part
// exempt up to the statutory limit.
type ExemptionResult struct {
	Value         decimal.Decimal `json:"value"`
	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	ExemptAmount  decimal.Decimal `json:"exempt_amount"`

	// ResolvedLimit is the limit in currency; zero when no exemption applies.
	ResolvedLimit decimal.Decimal `json:"resolved_limit"`
}

// ValidateExemption checks a formula's exemption settings: a known unit, a
// non-negative limit, and neither half set without the other.
func ValidateExemption(limit *decimal.Decimal, limitType fiscal.ExemptLimitType) error {
	if !limitType.Valid() {
		return newError(CodeInvalidExemption, -1, "unknown limit type %q", limitType)
	}
	if limit == nil {
		if limitType != fiscal.ExemptNone {
			return newError(CodeInvalidExemption, -1, "limit type %s without a limit", limitType)
		}
		return nil
	}
	if limit.IsNegative() {
		return newError(CodeInvalidExemption, -1, "negative limit %s", limit)
	}
	if limitType == fiscal.ExemptNone && !limit.IsZero() {
		return newError(CodeInvalidExemption, -1, "limit %s without a limit type", limit)
	}
	return nil
}

// ResolveExemptLimit converts a limit expressed in reference units into
// currency using the values in ctx. A nil or zero limit, or no limit type,
// resolves to zero.
func ResolveExemptLimit(ctx Context, limit *decimal.Decimal, limitType fiscal.ExemptLimitType) (decimal.Decimal, error) {
	if limit == nil || limit.IsZero() || limitType == fiscal.ExemptNone {
		return zero, nil
	}

	var unit Variable
	switch limitType {
	case fiscal.ExemptFixed:
		return *limit, nil
	case fiscal.ExemptUMA:
		unit = VarUMADaily
	case fiscal.ExemptUMAMonthly:
		unit = VarUMAMonthly
	case fiscal.ExemptSMG:
		unit = VarSMGDaily
	default:
		return zero, newError(CodeInvalidExemption, -1, "unknown limit type %q", limitType)
	}

	value, ok := ctx[unit]
	if !ok {
		return zero, newError(CodeMissingVariable, -1, "%s is required to resolve a %s limit", unit, limitType)
	}
	return limit.Mul(value), nil
}

// SplitExemption applies the exemption rules to an already computed value:
//
//	exempt  = max(0, min(value, limit))
//	taxable = max(0, value - exempt)  if taxable, else 0
func SplitExemption(value decimal.Decimal, ctx Context, isTaxable bool, limit *decimal.Decimal, limitType fiscal.ExemptLimitType) (ExemptionResult, error) {
	resolved, err := ResolveExemptLimit(ctx, limit, limitType)
	if err != nil {
		return ExemptionResult{}, err
	}

	exempt := decimal.Max(zero, decimal.Min(value, resolved))
	taxable := zero
	if isTaxable {
		taxable = decimal.Max(zero, value.Sub(exempt))
	}
	return ExemptionResult{
		Value:         value,
		TaxableAmount: taxable,
		ExemptAmount:  exempt,
		ResolvedLimit: resolved,
	}, nil
}

// EvaluateWithExemption evaluates expr and splits the result.
func (e *Evaluator) EvaluateWithExemption(expr string, ctx Context, isTaxable bool, limit *decimal.Decimal, limitType fiscal.ExemptLimitType) (ExemptionResult, error) {
	value, err := e.Evaluate(expr, ctx)
	if err != nil {
		return ExemptionResult{}, err
	}
	return SplitExemption(value, ctx, isTaxable, limit, limitType)
}

func EvaluateWithExemption(expr string, ctx Context, isTaxable bool, limit *decimal.Decimal, limitType fiscal.ExemptLimitType) (ExemptionResult, error) {
	return defaultEvaluator.EvaluateWithExemption(expr, ctx, isTaxable, limit, limitType)
}
