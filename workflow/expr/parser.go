package expr

import (
	"fmt"
	"strings"
)

// grammar, lowest precedence first:
//
//	or      = and { "||" and }
//	and     = eq { "&&" eq }
//	eq      = cmp { ("==" | "!=") cmp }
//	cmp     = unary { ("<" | "<=" | ">" | ">=") unary }
//	unary   = "!" unary | postfix
//	postfix = primary { "." ident | "." "*" | "[" or "]" }
//	primary = literal | ident | call | "(" or ")"

type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse parses a bare expression, as found in an if: key. A surrounding
// ${{ }} is tolerated.
func Parse(src string) (Node, error) {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "${{") && strings.HasSuffix(src, "}}") {
		src = strings.TrimSpace(src[3 : len(src)-2])
	}
	if src == "" {
		return nil, &SyntaxError{Source: src, Msg: "empty expression"}
	}

	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s", p.peek().kind)
	}
	return n, nil
}

// MustParse is Parse for expressions known to be valid.
func MustParse(src string) Node {
	n, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return n
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.peek().kind != kind {
		return token{}, p.errorf("expected %s, found %s", kind, p.peek().kind)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseEq()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseEq()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseEq() (Node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch p.peek().kind {
		case tokEq:
			op = OpEq
		case tokNe:
			op = OpNe
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseCmp() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op Op
		switch p.peek().kind {
		case tokLt:
			op = OpLt
		case tokLe:
			op = OpLe
		case tokGt:
			op = OpGt
		case tokGe:
			op = OpGe
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			switch t.kind {
			case tokIdent, tokTrue, tokFalse, tokNull:
				n = &Property{Receiver: n, Name: t.text}
			case tokStar:
				n = &Property{Receiver: n, Name: "*"}
			default:
				p.pos--
				return nil, p.errorf("expected property name, found %s", t.kind)
			}
		case tokLBracket:
			p.next()
			var key Node
			if p.peek().kind == tokStar {
				p.next()
				key = &Literal{Value: "*"}
			} else {
				key, err = p.parseOr()
				if err != nil {
					return nil, err
				}
			}
			if _, err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
			n = &Index{Receiver: n, Key: key}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tokNull:
		p.next()
		return &Literal{Value: nil}, nil
	case tokTrue:
		p.next()
		return &Literal{Value: true}, nil
	case tokFalse:
		p.next()
		return &Literal{Value: false}, nil
	case tokNumber:
		p.next()
		return &Literal{Value: t.num}, nil
	case tokString:
		p.next()
		return &Literal{Value: t.text}, nil
	case tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		p.next()
		if p.peek().kind != tokLParen {
			return &Ident{Name: t.text}, nil
		}
		return p.parseCall(t)
	}
	return nil, p.errorf("unexpected %s", t.kind)
}

func (p *parser) parseCall(name token) (Node, error) {
	p.next() // (
	call := &Call{Name: strings.ToLower(name.text)}

	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	fn, ok := functions[call.Name]
	if !ok {
		return nil, &SyntaxError{Source: p.src, Pos: name.pos, Msg: fmt.Sprintf("unknown function %s", name.text)}
	}
	if len(call.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(call.Args) > fn.maxArgs) {
		return nil, &SyntaxError{Source: p.src, Pos: name.pos, Msg: fmt.Sprintf("wrong number of arguments to %s", call.Name)}
	}

	return call, nil
}
