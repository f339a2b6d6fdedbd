/*
Package rounding provides the deterministic rounding primitives used by every
fiscal computation in the engine.

PURPOSE:
  Payroll amounts are legal documents. Two runs over the same inputs must
  produce the same cents, so rounding lives in exactly one place and every
  other package (formula, bracket, payroll, audit) calls into it.

KEY CONCEPTS:
  - Method:     how a remainder is resolved (ROUND, FLOOR, CEIL, HALF_UP, HALF_EVEN)
  - Precision:  decimal places kept (0..10)
  - Policy:     Method + Precision, configured per company
  - Distribute: split a total into N pieces that sum back exactly

PRECISION:
  Everything is decimal.Decimal. There is no float epsilon anywhere: a value
  is either exactly on a .5 boundary or it is not.

METHODS:
  ROUND      .5 goes toward +infinity   ( 2.5 ->  3, -2.5 -> -2)
  HALF_UP    .5 goes away from zero     ( 2.5 ->  3, -2.5 -> -3)
  HALF_EVEN  .5 goes to the even digit  ( 2.5 ->  2,  3.5 ->  4)
  FLOOR      toward -infinity
  CEIL       toward +infinity

SEE ALSO:
  - cache.go:   per-company policy cache (explicit invalidation, no TTL)
  - service.go: company-aware policy resolution
*/
package rounding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METHOD
// =============================================================================

type Method string

const (
	MethodRound    Method = "ROUND"
	MethodFloor    Method = "FLOOR"
	MethodCeil     Method = "CEIL"
	MethodHalfUp   Method = "HALF_UP"
	MethodHalfEven Method = "HALF_EVEN"
)

// MaxPrecision bounds the decimal places a policy may request.
const MaxPrecision = 10

var (
	ErrUnknownMethod    = errors.New("unknown rounding method")
	ErrInvalidPrecision = errors.New("invalid rounding precision")
	ErrInvalidParts     = errors.New("parts must be greater than zero")
)

// Methods lists every supported method in a stable order.
func Methods() []Method {
	return []Method{MethodRound, MethodFloor, MethodCeil, MethodHalfUp, MethodHalfEven}
}

// ParseMethod accepts the method name case-insensitively.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
	return m, nil
}

func (m Method) Valid() bool {
	switch m {
	case MethodRound, MethodFloor, MethodCeil, MethodHalfUp, MethodHalfEven:
		return true
	}
	return false
}

// =============================================================================
// POLICY
// =============================================================================

// Policy is the rounding configuration of one company.
type Policy struct {
	Method    Method `json:"method"`
	Precision int32  `json:"precision"`
}

// DefaultPolicy applies when a company has no explicit configuration.
var DefaultPolicy = Policy{Method: MethodHalfUp, Precision: 2}

func (p Policy) Validate() error {
	if !p.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, p.Method)
	}
	if p.Precision < 0 || p.Precision > MaxPrecision {
		return fmt.Errorf("%w: %d (allowed 0..%d)", ErrInvalidPrecision, p.Precision, MaxPrecision)
	}
	return nil
}

func (p Policy) Round(value decimal.Decimal) decimal.Decimal {
	return Round(value, p.Precision, p.Method)
}

func (p Policy) SumAndRound(values []decimal.Decimal) decimal.Decimal {
	return SumAndRound(values, p.Precision, p.Method)
}

func (p Policy) Distribute(total decimal.Decimal, parts int) ([]decimal.Decimal, error) {
	return Distribute(total, parts, p.Precision, p.Method)
}

// =============================================================================
// PRIMITIVES
// =============================================================================

// Round applies method at the given precision. Unknown methods fall back to
// HALF_UP so a corrupted configuration never produces unrounded amounts.
func Round(value decimal.Decimal, precision int32, method Method) decimal.Decimal {
	switch method {
	case MethodFloor:
		return value.RoundFloor(precision)
	case MethodCeil:
		return value.RoundCeil(precision)
	case MethodHalfEven:
		return value.RoundBank(precision)
	case MethodRound:
		// floor(x + 0.5 unit)
		half := decimal.New(5, -(precision + 1))
		return value.Add(half).RoundFloor(precision)
	default:
		return value.Round(precision)
	}
}

// SumAndRound adds values at full precision and rounds once.
func SumAndRound(values []decimal.Decimal, precision int32, method Method) decimal.Decimal {
	return Round(decimal.Sum(decimal.Zero, values...), precision, method)
}

// Distribute splits total into parts equal pieces. Every piece is rounded on
// its own; the last piece absorbs the difference so that the pieces add up
// to Round(total) exactly.
func Distribute(total decimal.Decimal, parts int, precision int32, method Method) ([]decimal.Decimal, error) {
	if parts <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidParts, parts)
	}

	target := Round(total, precision, method)
	piece := Round(total.Div(decimal.NewFromInt(int64(parts))), precision, method)

	out := make([]decimal.Decimal, parts)
	allocated := decimal.Zero
	for i := 0; i < parts-1; i++ {
		out[i] = piece
		allocated = allocated.Add(piece)
	}
	out[parts-1] = target.Sub(allocated)
	return out, nil
}
