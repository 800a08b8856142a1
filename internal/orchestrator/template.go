package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// UnresolvedPlaceholderError is returned when a command template references
// values the finding does not carry
type UnresolvedPlaceholderError struct {
	Template string
	Missing  []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholders %s in template %q", strings.Join(e.Missing, ", "), e.Template)
}

// Resolve substitutes every {name} in tmpl from vars. A missing or empty
// value is an error; nothing is silently dropped.
func Resolve(tmpl string, vars map[string]string) (string, error) {
	missing := make(map[string]struct{})
	out := placeholderRegex.ReplaceAllStringFunc(tmpl, func(ph string) string {
		name := ph[1 : len(ph)-1]
		v, ok := vars[name]
		if !ok || v == "" {
			missing[name] = struct{}{}
			return ph
		}
		return v
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &UnresolvedPlaceholderError{Template: tmpl, Missing: names}
	}
	return out, nil
}
