package expr

import "strings"

// ParseGuard parses an `if` condition. An empty condition means
// success(); a condition that calls no status function is implicitly
// success() && (condition).
func ParseGuard(src string) (Node, error) {
	success := &Call{Name: "success"}
	if strings.TrimSpace(src) == "" {
		return success, nil
	}

	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if UsesStatusFunc(n) {
		return n, nil
	}
	return &Binary{Op: OpAnd, Left: success, Right: n}, nil
}
