package runtime

import (
	"fmt"
	"regexp"
)

// varTokenRe matches substitution tokens of the exact shape ${identifier}.
var varTokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute resolves ${name} tokens against the variable bindings.
// Unresolved tokens are left literally in place (later actions may
// bind the variable) and reported back so the caller can warn.
func Substitute(s string, vars map[string]any) (string, []string) {
	if s == "" || vars == nil {
		return s, nil
	}

	var unresolved []string
	out := varTokenRe.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-1]
		if v, ok := vars[name]; ok {
			return toString(v)
		}
		unresolved = append(unresolved, name)
		return token
	})
	return out, unresolved
}

// toString renders a variable binding the way it appears in selectors
// and URLs. Integral floats print without a fraction since JSON decodes
// all numbers as float64.
func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
