package formula

import "strconv"

// =============================================================================
// PARSER - Recursive descent, one function per precedence level
// =============================================================================
//
//   expr       := ternary
//   ternary    := comparison [ "?" ternary ":" ternary ]
//   comparison := additive { ("==" | "!=" | "<" | "<=" | ">" | ">=") additive }
//   additive   := term { ("+" | "-") term }
//   term       := unary { ("*" | "/") unary }
//   unary      := "-" unary | primary
//   primary    := number | variable | function "(" expr { "," expr } ")" | "(" expr ")"

type parser struct {
	tokens []token
	pos    int
}

// parse turns expr into a validated tree. Identifiers are checked against the
// closed vocabulary, calls against the function table, and the finished tree
// against MaxDepth.
func parse(expr string) (node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, newError(CodeSyntax, 0, "empty expression")
	}

	p := &parser{tokens: tokens}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, newError(CodeSyntax, tok.pos, "unexpected %q", tok.text)
	}
	if err := checkDepth(root, 1); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, newError(CodeSyntax, tok.pos, "expected %s, found %s", kind, describe(tok))
	}
	return tok, nil
}

func describe(tok token) string {
	if tok.kind == tokEOF {
		return tok.kind.String()
	}
	return "\"" + tok.text + "\""
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokQuestion {
		return cond, nil
	}
	q := p.next()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon); err != nil {
		return nil, err
	}
	orElse, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{pos: q.pos, cond: cond, then: then, orElse: orElse}, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		switch op.kind {
		case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: op.pos, op: op.kind, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op.kind != tokPlus && op.kind != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: op.pos, op: op.kind, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op.kind != tokStar && op.kind != tokSlash {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: op.pos, op: op.kind, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokMinus {
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{pos: op.pos, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &numberNode{pos: tok.pos, value: tok.value}, nil

	case tokLParen:
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		v, ok := ParseVariable(tok.text)
		if !ok {
			return nil, newError(CodeUnknownIdentifier, tok.pos, "%q is not an allowed variable", tok.text)
		}
		return &varNode{pos: tok.pos, v: v}, nil
	}
	return nil, newError(CodeSyntax, tok.pos, "unexpected %s", describe(tok))
}

func (p *parser) parseCall(name token) (node, error) {
	fn := Function(name.text)
	arity, ok := functions[fn]
	if !ok {
		return nil, newError(CodeUnknownFunction, name.pos, "%q", name.text)
	}
	p.next() // (

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	if len(args) < arity.min || (arity.max >= 0 && len(args) > arity.max) {
		want := "at least 2"
		if arity.max >= 0 {
			want = "exactly " + strconv.Itoa(arity.max)
		}
		return nil, newError(CodeArity, name.pos, "%s takes %s arguments, got %d", fn, want, len(args))
	}
	return &callNode{pos: name.pos, fn: fn, args: args}, nil
}

// checkDepth rejects trees deeper than MaxDepth.
func checkDepth(n node, depth int) error {
	if depth > MaxDepth {
		return newError(CodeTooDeep, n.position(), "limit is %d", MaxDepth)
	}
	switch n := n.(type) {
	case *unaryNode:
		return checkDepth(n.operand, depth+1)
	case *binaryNode:
		if err := checkDepth(n.left, depth+1); err != nil {
			return err
		}
		return checkDepth(n.right, depth+1)
	case *ternaryNode:
		for _, child := range []node{n.cond, n.then, n.orElse} {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case *callNode:
		for _, child := range n.args {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
