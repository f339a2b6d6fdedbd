package formula

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// AST
// =============================================================================

// node is an expression tree node. The set of node types is closed: the
// evaluator switches on them exhaustively.
type node interface {
	position() int
}

type numberNode struct {
	pos   int
	value decimal.Decimal
}

type varNode struct {
	pos int
	v   Variable
}

type unaryNode struct {
	pos     int
	operand node
}

type binaryNode struct {
	pos   int
	op    tokenKind
	left  node
	right node
}

type ternaryNode struct {
	pos    int
	cond   node
	then   node
	orElse node
}

type callNode struct {
	pos  int
	fn   Function
	args []node
}

func (n *numberNode) position() int  { return n.pos }
func (n *varNode) position() int     { return n.pos }
func (n *unaryNode) position() int   { return n.pos }
func (n *binaryNode) position() int  { return n.pos }
func (n *ternaryNode) position() int { return n.pos }
func (n *callNode) position() int    { return n.pos }

// walkVariables calls fn for every variable reference, left to right.
func walkVariables(n node, fn func(*varNode)) {
	switch n := n.(type) {
	case *varNode:
		fn(n)
	case *unaryNode:
		walkVariables(n.operand, fn)
	case *binaryNode:
		walkVariables(n.left, fn)
		walkVariables(n.right, fn)
	case *ternaryNode:
		walkVariables(n.cond, fn)
		walkVariables(n.then, fn)
		walkVariables(n.orElse, fn)
	case *callNode:
		for _, a := range n.args {
			walkVariables(a, fn)
		}
	}
}
