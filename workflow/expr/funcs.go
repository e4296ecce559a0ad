package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	call    func(env *Env, args []any) (any, error)
}

var functions map[string]function

func init() {
	functions = map[string]function{
		"success":    {0, 0, fnSuccess},
		"failure":    {0, 0, fnFailure},
		"always":     {0, 0, func(*Env, []any) (any, error) { return true, nil }},
		"cancelled":  {0, 0, fnCancelled},
		"contains":   {2, 2, fnContains},
		"startswith": {2, 2, fnStartsWith},
		"endswith":   {2, 2, fnEndsWith},
		"format":     {1, -1, fnFormat},
		"join":       {1, 2, fnJoin},
		"tojson":     {1, 1, fnToJSON},
		"fromjson":   {1, 1, fnFromJSON},
	}
}

// IsFunction reports whether name is a known function.
func IsFunction(name string) bool {
	_, ok := functions[strings.ToLower(name)]
	return ok
}

func fnSuccess(env *Env, _ []any) (any, error) {
	if env.Status == nil {
		return true, nil
	}
	return env.Status.Success(), nil
}

func fnFailure(env *Env, _ []any) (any, error) {
	if env.Status == nil {
		return false, nil
	}
	return env.Status.Failure(), nil
}

func fnCancelled(env *Env, _ []any) (any, error) {
	if env.Status == nil {
		return false, nil
	}
	return env.Status.Cancelled(), nil
}

func fnContains(_ *Env, args []any) (any, error) {
	switch haystack := args[0].(type) {
	case []any:
		for _, el := range haystack {
			if looseEqual(el, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case filtered:
		for _, el := range haystack {
			if looseEqual(el, args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
}

func fnStartsWith(_ *Env, args []any) (any, error) {
	return strings.HasPrefix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
}

func fnEndsWith(_ *Env, args []any) (any, error) {
	return strings.HasSuffix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
}

// fnFormat replaces {N} with the Nth argument; {{ and }} are literal braces.
func fnFormat(_ *Env, args []any) (any, error) {
	tmpl := Stringify(args[0])
	rest := args[1:]

	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				sb.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("format: unclosed placeholder in %q", tmpl)
			}
			idx, err := strconv.Atoi(tmpl[i+1 : i+end])
			if err != nil || idx < 0 || idx >= len(rest) {
				return nil, fmt.Errorf("format: bad placeholder %q", tmpl[i:i+end+1])
			}
			sb.WriteString(Stringify(rest[idx]))
			i += end
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				i++
			}
			sb.WriteByte('}')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func fnJoin(_ *Env, args []any) (any, error) {
	sep := ","
	if len(args) == 2 {
		sep = Stringify(args[1])
	}

	var items []any
	switch v := args[0].(type) {
	case []any:
		items = v
	case filtered:
		items = v
	default:
		return Stringify(v), nil
	}

	parts := make([]string, len(items))
	for i, el := range items {
		parts[i] = Stringify(el)
	}
	return strings.Join(parts, sep), nil
}

func fnToJSON(_ *Env, args []any) (any, error) {
	v := args[0]
	if f, ok := v.(filtered); ok {
		v = []any(f)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("toJSON: %w", err)
	}
	return string(b), nil
}

func fnFromJSON(_ *Env, args []any) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(Stringify(args[0])), &v); err != nil {
		return nil, fmt.Errorf("fromJSON: %w", err)
	}
	return v, nil
}
