package expr

import (
	"strings"
)

// Template is a string with embedded ${{ }} expressions.
type Template struct {
	parts []part
}

type part struct {
	text string
	expr Node
}

// HasExpr reports whether s contains an embedded expression.
func HasExpr(s string) bool {
	return strings.Contains(s, "${{")
}

// ParseTemplate splits s into literal text and expressions.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{}
	rest := s
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			if rest != "" {
				t.parts = append(t.parts, part{text: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.parts = append(t.parts, part{text: rest[:start]})
		}

		body := rest[start+3:]
		end := closingBraces(body)
		if end < 0 {
			return nil, &SyntaxError{Source: s, Pos: len(s) - len(rest) + start, Msg: "unterminated ${{"}
		}

		n, err := Parse(body[:end])
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, part{expr: n})
		rest = body[end+2:]
	}
}

// closingBraces finds the }} ending an expression, ignoring any inside
// string literals.
func closingBraces(s string) int {
	inString := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			inString = !inString
		case !inString && s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// Exprs returns the embedded expressions in order.
func (t *Template) Exprs() []Node {
	var out []Node
	for _, p := range t.parts {
		if p.expr != nil {
			out = append(out, p.expr)
		}
	}
	return out
}

func (t *Template) Render(env *Env) (string, error) {
	var sb strings.Builder
	for _, p := range t.parts {
		if p.expr == nil {
			sb.WriteString(p.text)
			continue
		}
		v, err := Eval(p.expr, env)
		if err != nil {
			return "", err
		}
		sb.WriteString(Stringify(v))
	}
	return sb.String(), nil
}

// Interpolate parses and renders s in one go.
func Interpolate(s string, env *Env) (string, error) {
	if !HasExpr(s) {
		return s, nil
	}
	t, err := ParseTemplate(s)
	if err != nil {
		return "", err
	}
	return t.Render(env)
}
