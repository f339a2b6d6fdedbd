/*
Package formula evaluates the payroll concept expressions companies configure.

PURPOSE:
  A company describes a perception or deduction as a small arithmetic
  expression ("dailySalary * 15", "min(overtimeHours, 9) * dailySalary / 4").
  This package parses that text into a tree and walks it against a fixed
  context. Nothing is ever executed: the grammar has no loops, assignments or
  calls outside a closed function table.

PIPELINE:
  tokenize (lexer.go) -> parse (parser.go) -> walk (this file)

BOUNDS:
  MaxExpressionLength bytes, MaxTokens tokens, MaxDepth tree levels. Together
  they make every evaluation O(expression size).

FAILURES:
  Every failure is an *EvalError carrying a Code and byte position and
  wrapping one of the sentinels in errors.go. Division by zero and results
  beyond MaxMagnitude are errors, never zero.

SEE ALSO:
  - vocabulary.go: variables, functions, Context
  - exemption.go:  taxable/exempt split of a result
*/
package formula

import (
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/rounding"
)

const (
	MaxExpressionLength = 2048
	MaxTokens           = 256
	MaxDepth            = 32

	// divisionScale is the number of decimal places kept by "/".
	divisionScale = 16
)

// MaxMagnitude bounds every intermediate and final value. Anything larger is
// treated as non-finite.
var MaxMagnitude = decimal.New(1, 15)

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator holds the rounding method used by round(). It carries no other
// state and is safe for concurrent use.
type Evaluator struct {
	method rounding.Method
}

func NewEvaluator(method rounding.Method) *Evaluator {
	return &Evaluator{method: method}
}

func (e *Evaluator) roundingMethod() rounding.Method {
	if e == nil || !e.method.Valid() {
		return rounding.DefaultPolicy.Method
	}
	return e.method
}

// Program is a parsed expression, reusable across contexts.
type Program struct {
	expr   string
	root   node
	method rounding.Method
}

// Compile parses and validates expr.
func (e *Evaluator) Compile(expr string) (*Program, error) {
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return &Program{expr: expr, root: root, method: e.roundingMethod()}, nil
}

// Validate parses expr and checks every identifier without evaluating it.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.Compile(expr)
	return err
}

// Test validates expr and evaluates it once against sample values.
func (e *Evaluator) Test(expr string, sample map[string]decimal.Decimal) (decimal.Decimal, error) {
	ctx, err := ContextFromSample(sample)
	if err != nil {
		return zero, err
	}
	return e.Evaluate(expr, ctx)
}

// Evaluate compiles and runs expr against ctx.
func (e *Evaluator) Evaluate(expr string, ctx Context) (decimal.Decimal, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return zero, err
	}
	return prog.Eval(ctx)
}

func (p *Program) String() string { return p.expr }

// Variables returns the distinct variables the program references, in order
// of first appearance.
func (p *Program) Variables() []Variable {
	seen := map[Variable]bool{}
	var out []Variable
	walkVariables(p.root, func(n *varNode) {
		if !seen[n.v] {
			seen[n.v] = true
			out = append(out, n.v)
		}
	})
	return out
}

// Eval runs the program against ctx.
func (p *Program) Eval(ctx Context) (decimal.Decimal, error) {
	return p.eval(p.root, ctx)
}

func (p *Program) eval(n node, ctx Context) (decimal.Decimal, error) {
	switch n := n.(type) {
	case *numberNode:
		return checked(n.value, n.pos)

	case *varNode:
		v, ok := ctx[n.v]
		if !ok {
			return zero, newError(CodeMissingVariable, n.pos, "%s", n.v)
		}
		return checked(v, n.pos)

	case *unaryNode:
		v, err := p.eval(n.operand, ctx)
		if err != nil {
			return zero, err
		}
		return v.Neg(), nil

	case *binaryNode:
		return p.evalBinary(n, ctx)

	case *ternaryNode:
		cond, err := p.eval(n.cond, ctx)
		if err != nil {
			return zero, err
		}
		// Only the chosen branch is evaluated.
		if !cond.IsZero() {
			return p.eval(n.then, ctx)
		}
		return p.eval(n.orElse, ctx)

	case *callNode:
		return p.evalCall(n, ctx)
	}
	return zero, newError(CodeSyntax, n.position(), "unsupported node")
}

func (p *Program) evalBinary(n *binaryNode, ctx Context) (decimal.Decimal, error) {
	l, err := p.eval(n.left, ctx)
	if err != nil {
		return zero, err
	}
	r, err := p.eval(n.right, ctx)
	if err != nil {
		return zero, err
	}

	switch n.op {
	case tokPlus:
		return checked(l.Add(r), n.pos)
	case tokMinus:
		return checked(l.Sub(r), n.pos)
	case tokStar:
		return checked(l.Mul(r), n.pos)
	case tokSlash:
		if r.IsZero() {
			return zero, newError(CodeDivisionByZero, n.pos, "divisor evaluated to zero")
		}
		return checked(l.DivRound(r, divisionScale), n.pos)
	case tokEq:
		return truth(l.Equal(r)), nil
	case tokNe:
		return truth(!l.Equal(r)), nil
	case tokLt:
		return truth(l.LessThan(r)), nil
	case tokLe:
		return truth(l.LessThanOrEqual(r)), nil
	case tokGt:
		return truth(l.GreaterThan(r)), nil
	case tokGe:
		return truth(l.GreaterThanOrEqual(r)), nil
	}
	return zero, newError(CodeSyntax, n.pos, "unsupported operator %s", n.op)
}

func (p *Program) evalCall(n *callNode, ctx Context) (decimal.Decimal, error) {
	args := make([]decimal.Decimal, len(n.args))
	for i, a := range n.args {
		v, err := p.eval(a, ctx)
		if err != nil {
			return zero, err
		}
		args[i] = v
	}

	switch n.fn {
	case FnMin:
		return decimal.Min(args[0], args[1:]...), nil

	case FnMax:
		return decimal.Max(args[0], args[1:]...), nil

	case FnRound:
		places := args[1]
		if !places.IsInteger() || places.IsNegative() || places.GreaterThan(decimal.NewFromInt(rounding.MaxPrecision)) {
			return zero, newError(CodeInvalidPrecision, n.args[1].position(),
				"precision must be an integer in [0, %d], got %s", rounding.MaxPrecision, places)
		}
		return rounding.Round(args[0], int32(places.IntPart()), p.method), nil

	case FnProportional:
		amount, numerator, denominator := args[0], args[1], args[2]
		if denominator.IsZero() {
			return zero, newError(CodeDivisionByZero, n.args[2].position(), "proportional denominator is zero")
		}
		return checked(amount.Mul(numerator).DivRound(denominator, divisionScale), n.pos)
	}
	return zero, newError(CodeUnknownFunction, n.pos, "%q", n.fn)
}

func checked(v decimal.Decimal, pos int) (decimal.Decimal, error) {
	if v.Abs().GreaterThan(MaxMagnitude) {
		return zero, newError(CodeNonFinite, pos, "|%s| exceeds %s", v.String(), MaxMagnitude.String())
	}
	return v, nil
}

func truth(b bool) decimal.Decimal {
	if b {
		return one
	}
	return zero
}

// =============================================================================
// PACKAGE-LEVEL HELPERS - Default rounding method
// =============================================================================

var defaultEvaluator = &Evaluator{}

func Validate(expr string) error {
	return defaultEvaluator.Validate(expr)
}

func Test(expr string, sample map[string]decimal.Decimal) (decimal.Decimal, error) {
	return defaultEvaluator.Test(expr, sample)
}

func Evaluate(expr string, ctx Context) (decimal.Decimal, error) {
	return defaultEvaluator.Evaluate(expr, ctx)
}
