package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
	tokNot
	tokAnd
	tokOr
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokStar
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokIdent:
		return "identifier"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokTrue, tokFalse:
		return "boolean"
	case tokNull:
		return "null"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokDot:
		return "'.'"
	case tokComma:
		return "','"
	case tokNot:
		return "'!'"
	case tokAnd:
		return "'&&'"
	case tokOr:
		return "'||'"
	case tokEq:
		return "'=='"
	case tokNe:
		return "'!='"
	case tokLt:
		return "'<'"
	case tokLe:
		return "'<='"
	case tokGt:
		return "'>'"
	case tokGe:
		return "'>='"
	case tokStar:
		return "'*'"
	}
	return "unknown"
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// SyntaxError points at the offending column of an expression.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q at column %d: %s", e.Source, e.Pos+1, e.Msg)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0

	errAt := func(pos int, format string, args ...any) error {
		return &SyntaxError{Source: src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	}

	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			kind := tokIdent
			switch word {
			case "true":
				kind = tokTrue
			case "false":
				kind = tokFalse
			case "null":
				kind = tokNull
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})

		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'x' ||
				(src[i] >= 'a' && src[i] <= 'f') || (src[i] >= 'A' && src[i] <= 'F') ||
				src[i] == 'e' || src[i] == 'E') {
				i++
			}
			text := src[start:i]
			n, err := parseNumber(text)
			if err != nil {
				return nil, errAt(start, "bad number %q", text)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n, pos: start})

		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					// '' is an escaped quote
					if i+1 < len(src) && src[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, errAt(start, "unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})

		default:
			start := i
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "&&":
				toks = append(toks, token{kind: tokAnd, pos: start})
				i += 2
				continue
			case "||":
				toks = append(toks, token{kind: tokOr, pos: start})
				i += 2
				continue
			case "==":
				toks = append(toks, token{kind: tokEq, pos: start})
				i += 2
				continue
			case "!=":
				toks = append(toks, token{kind: tokNe, pos: start})
				i += 2
				continue
			case "<=":
				toks = append(toks, token{kind: tokLe, pos: start})
				i += 2
				continue
			case ">=":
				toks = append(toks, token{kind: tokGe, pos: start})
				i += 2
				continue
			}

			var kind tokenKind
			switch c {
			case '(':
				kind = tokLParen
			case ')':
				kind = tokRParen
			case '[':
				kind = tokLBracket
			case ']':
				kind = tokRBracket
			case '.':
				kind = tokDot
			case ',':
				kind = tokComma
			case '!':
				kind = tokNot
			case '<':
				kind = tokLt
			case '>':
				kind = tokGt
			case '*':
				kind = tokStar
			default:
				return nil, errAt(start, "unexpected character %q", c)
			}
			toks = append(toks, token{kind: kind, pos: start})
			i++
		}
	}

	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func parseNumber(text string) (float64, error) {
	neg := strings.HasPrefix(text, "-")
	body := strings.TrimPrefix(text, "-")
	if strings.HasPrefix(body, "0x") {
		n, err := strconv.ParseInt(body[2:], 16, 64)
		if err != nil {
			return 0, err
		}
		if neg {
			n = -n
		}
		return float64(n), nil
	}
	return strconv.ParseFloat(text, 64)
}
