package formula

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrSyntax             = errors.New("syntax error")
	ErrUnknownIdentifier  = errors.New("unknown identifier")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrArity              = errors.New("wrong number of arguments")
	ErrTooLong            = errors.New("expression too long")
	ErrTooManyTokens      = errors.New("expression has too many tokens")
	ErrTooDeep            = errors.New("expression nested too deeply")
	ErrMissingVariable    = errors.New("variable missing from context")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrNonFinite          = errors.New("result out of range")
	ErrInvalidPrecision   = errors.New("invalid rounding precision")
	ErrInvalidExemptLimit = errors.New("invalid exemption limit")
)

// Code is a stable, machine-readable name for an evaluation failure.
type Code string

const (
	CodeSyntax            Code = "SYNTAX"
	CodeUnknownIdentifier Code = "UNKNOWN_IDENTIFIER"
	CodeUnknownFunction   Code = "UNKNOWN_FUNCTION"
	CodeArity             Code = "ARITY"
	CodeTooLong           Code = "TOO_LONG"
	CodeTooManyTokens     Code = "TOO_MANY_TOKENS"
	CodeTooDeep           Code = "TOO_DEEP"
	CodeMissingVariable   Code = "MISSING_VARIABLE"
	CodeDivisionByZero    Code = "DIVISION_BY_ZERO"
	CodeNonFinite         Code = "NON_FINITE"
	CodeInvalidPrecision  Code = "INVALID_PRECISION"
	CodeInvalidExemption  Code = "INVALID_EXEMPTION"
)

var codeSentinels = map[Code]error{
	CodeSyntax:            ErrSyntax,
	CodeUnknownIdentifier: ErrUnknownIdentifier,
	CodeUnknownFunction:   ErrUnknownFunction,
	CodeArity:             ErrArity,
	CodeTooLong:           ErrTooLong,
	CodeTooManyTokens:     ErrTooManyTokens,
	CodeTooDeep:           ErrTooDeep,
	CodeMissingVariable:   ErrMissingVariable,
	CodeDivisionByZero:    ErrDivisionByZero,
	CodeNonFinite:         ErrNonFinite,
	CodeInvalidPrecision:  ErrInvalidPrecision,
	CodeInvalidExemption:  ErrInvalidExemptLimit,
}

// EvalError is returned by every operation of this package.
// Pos is a byte offset into the expression, or -1 when not applicable.
type EvalError struct {
	Code    Code
	Pos     int
	Message string
}

func (e *EvalError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%s at position %d: %s", codeSentinels[e.Code], e.Pos, e.Message)
	}
	return fmt.Sprintf("%s: %s", codeSentinels[e.Code], e.Message)
}

func (e *EvalError) Unwrap() error {
	return codeSentinels[e.Code]
}

func newError(code Code, pos int, format string, args ...any) *EvalError {
	return &EvalError{Code: code, Pos: pos, Message: fmt.Sprintf(format, args...)}
}
