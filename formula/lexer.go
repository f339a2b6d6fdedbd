package formula

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEXER
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
	tokQuestion
	tokColon
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
)

var tokenText = map[tokenKind]string{
	tokEOF: "end of expression", tokNumber: "number", tokIdent: "identifier",
	tokPlus: "+", tokMinus: "-", tokStar: "*", tokSlash: "/",
	tokLParen: "(", tokRParen: ")", tokComma: ",", tokQuestion: "?", tokColon: ":",
	tokEq: "==", tokNe: "!=", tokLt: "<", tokLe: "<=", tokGt: ">", tokGe: ">=",
}

func (k tokenKind) String() string { return tokenText[k] }

type token struct {
	kind  tokenKind
	pos   int
	text  string
	value decimal.Decimal // tokNumber only
}

// tokenize splits expr into tokens, enforcing the length and token limits.
// The returned slice always ends with a tokEOF.
func tokenize(expr string) ([]token, error) {
	if len(expr) > MaxExpressionLength {
		return nil, newError(CodeTooLong, -1, "%d bytes, limit is %d", len(expr), MaxExpressionLength)
	}

	var tokens []token
	emit := func(t token) error {
		if len(tokens) >= MaxTokens {
			return newError(CodeTooManyTokens, t.pos, "limit is %d", MaxTokens)
		}
		tokens = append(tokens, t)
		return nil
	}

	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue

		case isDigit(c) || (c == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			start := i
			for i < len(expr) && isDigit(expr[i]) {
				i++
			}
			if i < len(expr) && expr[i] == '.' {
				i++
				if i >= len(expr) || !isDigit(expr[i]) {
					return nil, newError(CodeSyntax, i, "malformed number %q", expr[start:i])
				}
				for i < len(expr) && isDigit(expr[i]) {
					i++
				}
			}
			if i < len(expr) && (isLetter(expr[i]) || expr[i] == '.') {
				return nil, newError(CodeSyntax, i, "malformed number %q", expr[start:i+1])
			}
			v, err := decimal.NewFromString(expr[start:i])
			if err != nil {
				return nil, newError(CodeSyntax, start, "malformed number %q", expr[start:i])
			}
			if err := emit(token{kind: tokNumber, pos: start, text: expr[start:i], value: v}); err != nil {
				return nil, err
			}
			continue

		case isLetter(c):
			start := i
			for i < len(expr) && (isLetter(expr[i]) || isDigit(expr[i])) {
				i++
			}
			if err := emit(token{kind: tokIdent, pos: start, text: expr[start:i]}); err != nil {
				return nil, err
			}
			continue
		}

		kind, width := operator(expr, i)
		if width == 0 {
			return nil, newError(CodeSyntax, i, "unexpected character %q", c)
		}
		if err := emit(token{kind: kind, pos: i, text: expr[i : i+width]}); err != nil {
			return nil, err
		}
		i += width
	}

	// EOF does not count against the token limit.
	tokens = append(tokens, token{kind: tokEOF, pos: len(expr)})
	return tokens, nil
}

func operator(expr string, i int) (tokenKind, int) {
	next := byte(0)
	if i+1 < len(expr) {
		next = expr[i+1]
	}
	switch expr[i] {
	case '+':
		return tokPlus, 1
	case '-':
		return tokMinus, 1
	case '*':
		return tokStar, 1
	case '/':
		return tokSlash, 1
	case '(':
		return tokLParen, 1
	case ')':
		return tokRParen, 1
	case ',':
		return tokComma, 1
	case '?':
		return tokQuestion, 1
	case ':':
		return tokColon, 1
	case '=':
		if next == '=' {
			return tokEq, 2
		}
	case '!':
		if next == '=' {
			return tokNe, 2
		}
	case '<':
		if next == '=' {
			return tokLe, 2
		}
		return tokLt, 1
	case '>':
		if next == '=' {
			return tokGe, 2
		}
		return tokGt, 1
	}
	return tokEOF, 0
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' }
