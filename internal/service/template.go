package service

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var placeholderRx = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve substitutes {name} placeholders in args. A placeholder with no
// value or with an empty value makes the command unresolved.
func Resolve(args []string, vars map[string]string) ([]string, error) {
	var missing []string
	ret := make([]string, len(args))
	for i, arg := range args {
		ret[i] = placeholderRx.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			v := vars[name]
			if v == "" {
				if !slices.Contains(missing, name) {
					missing = append(missing, name)
				}
				return m
			}
			return v
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrUnresolvedCommand, strings.Join(missing, ", "))
	}
	return ret, nil
}
