package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matrix is a job's fan-out definition: named axes in declaration order,
// plus include and exclude adjustments.
type Matrix struct {
	Axes    []Axis
	Include []map[string]any
	Exclude []map[string]any
}

type Axis struct {
	Name   string
	Values []any
}

// Combination is one point of an expanded matrix.
type Combination struct {
	Keys   []string // axis names first, then keys added by include
	Values map[string]any
}

func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "include":
			if err := value.Decode(&m.Include); err != nil {
				return fmt.Errorf("matrix.include: %w", err)
			}
		case "exclude":
			if err := value.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
		default:
			if value.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: matrix axis %q must be a list", value.Line, key.Value)
			}
			var values []any
			if err := value.Decode(&values); err != nil {
				return fmt.Errorf("matrix.%s: %w", key.Value, err)
			}
			m.Axes = append(m.Axes, Axis{Name: key.Value, Values: values})
		}
	}

	return nil
}

// Keys lists every key a combination of this matrix may carry.
func (m *Matrix) Keys() []string {
	var keys []string
	seen := make(map[string]bool)
	for _, a := range m.Axes {
		keys = append(keys, a.Name)
		seen[a.Name] = true
	}

	var extra []string
	for _, inc := range m.Include {
		for k := range inc {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)

	return append(keys, extra...)
}

// Expand materializes the matrix: the cartesian product of the axes with
// the first axis outermost, minus excluded combinations, then adjusted by
// include entries. An include entry extends every combination whose axis
// values it agrees with, or becomes a combination of its own when it
// agrees with none.
func (m *Matrix) Expand() []Combination {
	var axisNames []string
	isAxis := make(map[string]bool)
	for _, a := range m.Axes {
		axisNames = append(axisNames, a.Name)
		isAxis[a.Name] = true
	}

	var combos []map[string]any
	if len(m.Axes) > 0 {
		combos = []map[string]any{{}}
		for _, axis := range m.Axes {
			var next []map[string]any
			for _, c := range combos {
				for _, v := range axis.Values {
					nc := make(map[string]any, len(c)+1)
					for k, x := range c {
						nc[k] = x
					}
					nc[axis.Name] = v
					next = append(next, nc)
				}
			}
			combos = next
		}
	}

	if len(m.Exclude) > 0 {
		kept := combos[:0]
		for _, c := range combos {
			excluded := false
			for _, ex := range m.Exclude {
				if subsetOf(ex, c) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, c)
			}
		}
		combos = kept
	}

	base := len(combos)
	for _, inc := range m.Include {
		matched := false
		for _, c := range combos[:base] {
			if !agrees(inc, c, isAxis) {
				continue
			}
			matched = true
			for k, v := range inc {
				if !isAxis[k] {
					c[k] = v
				}
			}
		}
		if !matched {
			nc := make(map[string]any, len(inc))
			for k, v := range inc {
				nc[k] = v
			}
			combos = append(combos, nc)
		}
	}

	out := make([]Combination, 0, len(combos))
	for _, c := range combos {
		keys := make([]string, 0, len(c))
		for _, name := range axisNames {
			if _, ok := c[name]; ok {
				keys = append(keys, name)
			}
		}
		var extra []string
		for k := range c {
			if !isAxis[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		out = append(out, Combination{Keys: append(keys, extra...), Values: c})
	}
	return out
}

// agrees reports whether inc's values for original axes all match c.
func agrees(inc, c map[string]any, isAxis map[string]bool) bool {
	for k, v := range inc {
		if !isAxis[k] {
			continue
		}
		if !sameValue(c[k], v) {
			return false
		}
	}
	return true
}

func subsetOf(sub, c map[string]any) bool {
	for k, v := range sub {
		cv, ok := c[k]
		if !ok || !sameValue(cv, v) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Suffix renders the combination as it appears in instance ids,
// e.g. (os=linux,node=18).
func (c Combination) Suffix() string {
	if len(c.Keys) == 0 {
		return ""
	}
	parts := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		parts[i] = fmt.Sprintf("%s=%v", k, c.Values[k])
	}
	return "(" + strings.Join(parts, ",") + ")"
}
