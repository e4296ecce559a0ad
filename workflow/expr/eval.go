package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Status answers the job status functions success(), failure() and
// cancelled() for the scope an expression is evaluated in.
type Status interface {
	Success() bool
	Failure() bool
	Cancelled() bool
}

// Env is everything an expression can observe. Contexts maps top level
// names (github, matrix, needs, steps, env, ...) to plain values: maps,
// slices, strings, numbers, booleans and nil.
type Env struct {
	Contexts map[string]any
	Status   Status
}

var ErrUnknownContext = errors.New("unknown context")

// filtered is the result of a * dereference. Dereferencing it again
// applies the dereference to every element.
type filtered []any

// Eval evaluates n and returns a normalized value.
func Eval(n Node, env *Env) (any, error) {
	if env == nil {
		env = &Env{}
	}

	switch n := n.(type) {
	case *Literal:
		return n.Value, nil

	case *Ident:
		v, ok := env.Contexts[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownContext, n.Name)
		}
		return normalize(v), nil

	case *Property:
		recv, err := Eval(n.Receiver, env)
		if err != nil {
			return nil, err
		}
		return deref(recv, n.Name), nil

	case *Index:
		recv, err := Eval(n.Receiver, env)
		if err != nil {
			return nil, err
		}
		key, err := Eval(n.Key, env)
		if err != nil {
			return nil, err
		}
		if arr, ok := recv.([]any); ok {
			if f, isNum := key.(float64); isNum {
				i := int(f)
				if f != math.Trunc(f) || i < 0 || i >= len(arr) {
					return nil, nil
				}
				return normalize(arr[i]), nil
			}
		}
		return deref(recv, Stringify(key)), nil

	case *Not:
		x, err := Eval(n.X, env)
		if err != nil {
			return nil, err
		}
		return !Truthy(x), nil

	case *Binary:
		return evalBinary(n, env)

	case *Call:
		fn, ok := functions[n.Name]
		if !ok {
			return nil, fmt.Errorf("unknown function %s", n.Name)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := Eval(a, env)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn.call(env, args)
	}

	return nil, fmt.Errorf("unsupported expression node %T", n)
}

// EvalBool evaluates n and coerces the result to a boolean.
func EvalBool(n Node, env *Env) (bool, error) {
	v, err := Eval(n, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func evalBinary(b *Binary, env *Env) (any, error) {
	left, err := Eval(b.Left, env)
	if err != nil {
		return nil, err
	}

	// short circuit, and yield the deciding operand like the reference
	// runner does
	switch b.Op {
	case OpAnd:
		if !Truthy(left) {
			return left, nil
		}
		return Eval(b.Right, env)
	case OpOr:
		if Truthy(left) {
			return left, nil
		}
		return Eval(b.Right, env)
	}

	right, err := Eval(b.Right, env)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case OpEq:
		return looseEqual(left, right), nil
	case OpNe:
		return !looseEqual(left, right), nil
	}

	c, ok := compare(left, right)
	if !ok {
		return false, nil
	}
	switch b.Op {
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGe:
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unsupported operator %s", b.Op)
}

func deref(v any, name string) any {
	switch v := v.(type) {
	case map[string]any:
		if name == "*" {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := make(filtered, 0, len(keys))
			for _, k := range keys {
				out = append(out, normalize(v[k]))
			}
			return out
		}
		if x, ok := v[name]; ok {
			return normalize(x)
		}
		// context keys are case insensitive
		for k, x := range v {
			if strings.EqualFold(k, name) {
				return normalize(x)
			}
		}
		return nil
	case []any:
		if name == "*" {
			return filtered(v)
		}
		return nil
	case filtered:
		var out filtered
		for _, el := range v {
			if x := deref(el, name); x != nil {
				if inner, ok := x.(filtered); ok {
					out = append(out, inner...)
				} else {
					out = append(out, x)
				}
			}
		}
		return out
	}
	return nil
}

// normalize converts the Go values callers commonly put into contexts
// into the expression value domain.
func normalize(v any) any {
	switch v := v.(type) {
	case nil, bool, float64, string, map[string]any, []any, filtered:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = x
		}
		return m
	case []string:
		a := make([]any, len(v))
		for i, x := range v {
			a[i] = x
		}
		return a
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// Truthy treats null, false, 0, NaN and the empty string as false.
func Truthy(v any) bool {
	switch v := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	}
	return true
}

func isObject(v any) bool {
	switch v.(type) {
	case map[string]any, []any, filtered:
		return true
	}
	return false
}

func toNumber(v any) float64 {
	switch v := normalize(v).(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 1
		}
		return 0
	case float64:
		return v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		f, err := parseNumber(s)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)

	switch x := a.(type) {
	case nil:
		if b == nil {
			return true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.EqualFold(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return x == y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x == y
		}
	}

	if isObject(a) || isObject(b) {
		return false
	}
	return toNumber(a) == toNumber(b)
}

// compare orders two values; ok is false when they are not comparable.
func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)

	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(strings.ToLower(x), strings.ToLower(y)), true
		}
	}
	if isObject(a) || isObject(b) {
		return 0, false
	}

	x, y := toNumber(a), toNumber(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

// Stringify renders a value the way it is spliced into a string by
// ${{ }} interpolation.
func Stringify(v any) string {
	switch v := normalize(v).(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if math.IsNaN(v) {
			return "NaN"
		}
		if math.IsInf(v, 0) {
			if v > 0 {
				return "Infinity"
			}
			return "-Infinity"
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
