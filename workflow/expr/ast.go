package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one element of a parsed expression tree. Trees are immutable
// and can be evaluated any number of times against different contexts.
type Node interface {
	String() string
	node()
}

type (
	// Literal is a null, boolean, number or string constant.
	Literal struct {
		Value any
	}

	// Ident names a top level context such as github or matrix.
	Ident struct {
		Name string
	}

	// Property is a dereference with dot syntax, a.b; Name is "*" for
	// a filter.
	Property struct {
		Receiver Node
		Name     string
	}

	// Index is a dereference with bracket syntax, a['b'] or a[0].
	Index struct {
		Receiver Node
		Key      Node
	}

	Call struct {
		Name string
		Args []Node
	}

	Not struct {
		X Node
	}

	Binary struct {
		Op    Op
		Left  Node
		Right Node
	}
)

type Op int

const (
	OpAnd Op = iota
	OpOr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o Op) String() string {
	switch o {
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	}
	return "?"
}

func (*Literal) node()  {}
func (*Ident) node()    {}
func (*Property) node() {}
func (*Index) node()    {}
func (*Call) node()     {}
func (*Not) node()      {}
func (*Binary) node()   {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (i *Ident) String() string    { return i.Name }
func (p *Property) String() string { return p.Receiver.String() + "." + p.Name }
func (i *Index) String() string    { return i.Receiver.String() + "[" + i.Key.String() + "]" }
func (n *Not) String() string      { return "!" + n.X.String() }

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Name + "(" + strings.Join(args, ", ") + ")"
}

func (b *Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}

// Walk calls fn for n and every node below it, depth first. Returning
// false from fn prunes the subtree.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch n := n.(type) {
	case *Property:
		Walk(n.Receiver, fn)
	case *Index:
		Walk(n.Receiver, fn)
		Walk(n.Key, fn)
	case *Call:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	case *Not:
		Walk(n.X, fn)
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	}
}

// Path flattens a chain of property and constant index dereferences,
// e.g. needs.build.outputs['dir'] becomes [needs build outputs dir].
// ok is false for anything that is not such a chain.
func Path(n Node) (path []string, ok bool) {
	switch n := n.(type) {
	case *Ident:
		return []string{n.Name}, true
	case *Property:
		p, ok := Path(n.Receiver)
		if !ok {
			return nil, false
		}
		return append(p, n.Name), true
	case *Index:
		lit, isLit := n.Key.(*Literal)
		if !isLit {
			return nil, false
		}
		p, ok := Path(n.Receiver)
		if !ok {
			return nil, false
		}
		return append(p, Stringify(lit.Value)), true
	}
	return nil, false
}

// References returns every maximal dereference chain rooted at the named
// context, e.g. References(n, "matrix") yields [[matrix os]].
func References(n Node, context string) [][]string {
	var refs [][]string
	Walk(n, func(n Node) bool {
		switch n.(type) {
		case *Property, *Index, *Ident:
			if p, ok := Path(n); ok {
				if p[0] == context {
					refs = append(refs, p)
				}
				return false
			}
		}
		return true
	})
	return refs
}

// UsesStatusFunc reports whether the expression calls one of the job
// status functions. Guards that do not are implicitly combined with
// success().
func UsesStatusFunc(n Node) bool {
	found := false
	Walk(n, func(n Node) bool {
		if c, ok := n.(*Call); ok {
			switch c.Name {
			case "success", "failure", "always", "cancelled":
				found = true
			}
		}
		return !found
	})
	return found
}
