// Package core provides the custom rule expression language.
package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Custom expressions are parsed once at load time and evaluated per event.
// Grammar:
//
//	expr     := and { "or" and }
//	and      := unary { "and" unary }
//	unary    := "not" unary | primary
//	primary  := "(" expr ")" | predicate
//	predicate := field cmpop literal
//	           | field "in" "[" literal { "," literal } "]"
//	           | field "contains" string
//
// String fields support ==, !=, in, and contains; numeric fields support
// ==, !=, >, >=, <, <=, and in. Literals are single- or double-quoted
// strings or non-negative integers.
var errFieldAbsent = errors.New("field not present on event")

type fieldKind int

const (
	fieldString fieldKind = iota
	fieldNumber
)

type fieldFold int

const (
	foldNone fieldFold = iota
	foldUpper
	foldLower
)

type exprField struct {
	name string
	kind fieldKind
	fold fieldFold
}

// Exposed event fields. Ports and ASN read as absent when zero; country and
// protocol comparisons are case-insensitive via folding.
var exprFields = map[string]exprField{
	"source_ip":   {name: "source_ip", kind: fieldString},
	"dest_ip":     {name: "dest_ip", kind: fieldString},
	"source_port": {name: "source_port", kind: fieldNumber},
	"dest_port":   {name: "dest_port", kind: fieldNumber},
	"protocol":    {name: "protocol", kind: fieldString, fold: foldLower},
	"country":     {name: "country", kind: fieldString, fold: foldUpper},
	"asn":         {name: "asn", kind: fieldNumber},
	"backend_id":  {name: "backend_id", kind: fieldString},
	"path":        {name: "path", kind: fieldString},
	"query":       {name: "query", kind: fieldString},
	"byte_count":  {name: "byte_count", kind: fieldNumber},
}

func (f exprField) value(ev *TrafficEvent) (string, int64, error) {
	if ev == nil {
		return "", 0, errFieldAbsent
	}
	switch f.name {
	case "source_ip":
		if !ev.SourceIP.IsValid() {
			return "", 0, errFieldAbsent
		}
		return ev.SourceIP.Unmap().String(), 0, nil
	case "dest_ip":
		if !ev.DestIP.IsValid() {
			return "", 0, errFieldAbsent
		}
		return ev.DestIP.Unmap().String(), 0, nil
	case "source_port":
		if ev.SourcePort == 0 {
			return "", 0, errFieldAbsent
		}
		return "", int64(ev.SourcePort), nil
	case "dest_port":
		if ev.DestPort == 0 {
			return "", 0, errFieldAbsent
		}
		return "", int64(ev.DestPort), nil
	case "protocol":
		if ev.Protocol == "" {
			return "", 0, errFieldAbsent
		}
		return strings.ToLower(ev.Protocol), 0, nil
	case "country":
		if ev.Country == "" {
			return "", 0, errFieldAbsent
		}
		return strings.ToUpper(ev.Country), 0, nil
	case "asn":
		if ev.ASN == 0 {
			return "", 0, errFieldAbsent
		}
		return "", int64(ev.ASN), nil
	case "backend_id":
		if ev.BackendID == "" {
			return "", 0, errFieldAbsent
		}
		return ev.BackendID, 0, nil
	case "path":
		if ev.Path == "" {
			return "", 0, errFieldAbsent
		}
		return ev.Path, 0, nil
	case "query":
		if ev.Query == "" {
			return "", 0, errFieldAbsent
		}
		return ev.Query, 0, nil
	case "byte_count":
		return "", ev.Bytes, nil
	}
	return "", 0, errFieldAbsent
}

func (f exprField) foldLiteral(s string) string {
	switch f.fold {
	case foldUpper:
		return strings.ToUpper(s)
	case foldLower:
		return strings.ToLower(s)
	}
	return s
}

// exprNode is one node of a parsed custom expression.
type exprNode interface {
	isExprNode()
	eval(ev *TrafficEvent) (bool, error)
}

type binaryOp int

const (
	opAnd binaryOp = iota
	opOr
)

// binaryExpr joins two subexpressions with and/or.
type binaryExpr struct {
	op    binaryOp
	left  exprNode
	right exprNode
}

func (binaryExpr) isExprNode() {}

func (n binaryExpr) eval(ev *TrafficEvent) (bool, error) {
	left, err := n.left.eval(ev)
	if err != nil {
		return false, err
	}
	if n.op == opAnd && !left {
		return false, nil
	}
	if n.op == opOr && left {
		return true, nil
	}
	return n.right.eval(ev)
}

// unaryExpr negates a subexpression.
type unaryExpr struct {
	expr exprNode
}

func (unaryExpr) isExprNode() {}

func (n unaryExpr) eval(ev *TrafficEvent) (bool, error) {
	inner, err := n.expr.eval(ev)
	if err != nil {
		return false, err
	}
	return !inner, nil
}

type cmpOp int

const (
	cmpEq cmpOp = iota
	cmpNe
	cmpGt
	cmpGe
	cmpLt
	cmpLe
)

// cmpExpr compares an event field with a literal.
type cmpExpr struct {
	field exprField
	op    cmpOp
	str   string
	num   int64
}

func (cmpExpr) isExprNode() {}

func (n cmpExpr) eval(ev *TrafficEvent) (bool, error) {
	str, num, err := n.field.value(ev)
	if err != nil {
		return false, err
	}
	if n.field.kind == fieldString {
		switch n.op {
		case cmpEq:
			return str == n.str, nil
		case cmpNe:
			return str != n.str, nil
		}
		return false, nil
	}
	switch n.op {
	case cmpEq:
		return num == n.num, nil
	case cmpNe:
		return num != n.num, nil
	case cmpGt:
		return num > n.num, nil
	case cmpGe:
		return num >= n.num, nil
	case cmpLt:
		return num < n.num, nil
	case cmpLe:
		return num <= n.num, nil
	}
	return false, nil
}

// inExpr tests membership of a field in a literal set.
type inExpr struct {
	field exprField
	strs  map[string]struct{}
	nums  map[int64]struct{}
}

func (inExpr) isExprNode() {}

func (n inExpr) eval(ev *TrafficEvent) (bool, error) {
	str, num, err := n.field.value(ev)
	if err != nil {
		return false, err
	}
	if n.field.kind == fieldString {
		_, ok := n.strs[str]
		return ok, nil
	}
	_, ok := n.nums[num]
	return ok, nil
}

// containsExpr tests substring containment on a string field.
type containsExpr struct {
	field  exprField
	substr string
}

func (containsExpr) isExprNode() {}

func (n containsExpr) eval(ev *TrafficEvent) (bool, error) {
	str, _, err := n.field.value(ev)
	if err != nil {
		return false, err
	}
	return strings.Contains(str, n.substr), nil
}

// parseExpression parses a custom expression into its evaluable form.
func parseExpression(input string) (exprNode, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("empty expression")
	}
	tokens, err := lexExpression(input)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return node, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokCmp
)

type exprToken struct {
	kind tokenKind
	text string
	num  int64
	cmp  cmpOp
	pos  int
}

func lexExpression(input string) ([]exprToken, error) {
	tokens := make([]exprToken, 0, 16)
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, exprToken{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, exprToken{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			tokens = append(tokens, exprToken{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			tokens = append(tokens, exprToken{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, exprToken{kind: tokComma, text: ",", pos: i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			op, width, err := lexCmp(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, exprToken{kind: tokCmp, text: input[i : i+width], cmp: op, pos: i})
			i += width
		case c == '\'' || c == '"':
			end := i + 1
			for end < len(input) && input[end] != c {
				end++
			}
			if end >= len(input) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, exprToken{kind: tokString, text: input[i+1 : end], pos: i})
			i = end + 1
		case c >= '0' && c <= '9':
			end := i
			for end < len(input) && input[end] >= '0' && input[end] <= '9' {
				end++
			}
			num, err := strconv.ParseInt(input[i:end], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number at offset %d", i)
			}
			tokens = append(tokens, exprToken{kind: tokNumber, text: input[i:end], num: num, pos: i})
			i = end
		case isIdentByte(c):
			end := i
			for end < len(input) && isIdentByte(input[end]) {
				end++
			}
			tokens = append(tokens, exprToken{kind: tokIdent, text: input[i:end], pos: i})
			i = end
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), i)
		}
	}
	tokens = append(tokens, exprToken{kind: tokEOF, pos: len(input)})
	return tokens, nil
}

func lexCmp(input string, i int) (cmpOp, int, error) {
	rest := input[i:]
	switch {
	case strings.HasPrefix(rest, "=="):
		return cmpEq, 2, nil
	case strings.HasPrefix(rest, "!="):
		return cmpNe, 2, nil
	case strings.HasPrefix(rest, ">="):
		return cmpGe, 2, nil
	case strings.HasPrefix(rest, "<="):
		return cmpLe, 2, nil
	case strings.HasPrefix(rest, ">"):
		return cmpGt, 1, nil
	case strings.HasPrefix(rest, "<"):
		return cmpLt, 1, nil
	}
	return 0, 0, fmt.Errorf("invalid operator at offset %d", i)
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type exprParser struct {
	tokens []exprToken
	idx    int
}

func (p *exprParser) peek() exprToken {
	if p.idx >= len(p.tokens) {
		return exprToken{kind: tokEOF}
	}
	return p.tokens[p.idx]
}

func (p *exprParser) next() exprToken {
	tok := p.peek()
	p.idx++
	return tok
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: opOr, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: opAnd, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.peekKeyword("not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	tok := p.peek()
	if tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at offset %d", closing.pos)
		}
		return inner, nil
	}
	if tok.kind != tokIdent {
		return nil, fmt.Errorf("expected field name at offset %d", tok.pos)
	}
	field, ok := exprFields[strings.ToLower(tok.text)]
	if !ok {
		return nil, fmt.Errorf("unknown field %q at offset %d", tok.text, tok.pos)
	}
	p.next()
	return p.parsePredicate(field)
}

func (p *exprParser) parsePredicate(field exprField) (exprNode, error) {
	tok := p.next()
	switch {
	case tok.kind == tokCmp:
		return p.parseCmp(field, tok)
	case tok.kind == tokIdent && strings.EqualFold(tok.text, "in"):
		return p.parseIn(field, tok)
	case tok.kind == tokIdent && strings.EqualFold(tok.text, "contains"):
		if field.kind != fieldString {
			return nil, fmt.Errorf("contains requires a string field, got %s", field.name)
		}
		lit := p.next()
		if lit.kind != tokString {
			return nil, fmt.Errorf("contains requires a string literal at offset %d", lit.pos)
		}
		return containsExpr{field: field, substr: field.foldLiteral(lit.text)}, nil
	}
	return nil, fmt.Errorf("expected operator after %s at offset %d", field.name, tok.pos)
}

func (p *exprParser) parseCmp(field exprField, op exprToken) (exprNode, error) {
	if field.kind == fieldString && op.cmp != cmpEq && op.cmp != cmpNe {
		return nil, fmt.Errorf("operator %s not supported on string field %s", op.text, field.name)
	}
	lit := p.next()
	switch {
	case field.kind == fieldString && lit.kind == tokString:
		return cmpExpr{field: field, op: op.cmp, str: field.foldLiteral(lit.text)}, nil
	case field.kind == fieldNumber && lit.kind == tokNumber:
		return cmpExpr{field: field, op: op.cmp, num: lit.num}, nil
	}
	return nil, fmt.Errorf("literal type mismatch for field %s at offset %d", field.name, lit.pos)
}

func (p *exprParser) parseIn(field exprField, kw exprToken) (exprNode, error) {
	if open := p.next(); open.kind != tokLBracket {
		return nil, fmt.Errorf("expected [ after in at offset %d", kw.pos)
	}
	node := inExpr{field: field}
	if field.kind == fieldString {
		node.strs = make(map[string]struct{})
	} else {
		node.nums = make(map[int64]struct{})
	}
	for {
		lit := p.next()
		switch {
		case field.kind == fieldString && lit.kind == tokString:
			node.strs[field.foldLiteral(lit.text)] = struct{}{}
		case field.kind == fieldNumber && lit.kind == tokNumber:
			node.nums[lit.num] = struct{}{}
		default:
			return nil, fmt.Errorf("literal type mismatch in list for field %s at offset %d", field.name, lit.pos)
		}
		sep := p.next()
		if sep.kind == tokRBracket {
			return node, nil
		}
		if sep.kind != tokComma {
			return nil, fmt.Errorf("expected , or ] at offset %d", sep.pos)
		}
	}
}

func (p *exprParser) peekKeyword(kw string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && strings.EqualFold(tok.text, kw)
}
