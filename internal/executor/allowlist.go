// Package executor validates ActionCommands against an allowlist and runs them
// on devices over SSH.
package executor

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sgerhart/netsentry/internal/model"
)

// CommandRejectedError is returned when a command matches no allowlist entry
type CommandRejectedError struct {
	Command string
	Reason  string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command rejected: %s: %q", e.Reason, e.Command)
}

// AllowlistConfigError describes an allowlist entry that cannot be compiled
type AllowlistConfigError struct {
	Index   int
	Pattern string
	Message string
}

func (e *AllowlistConfigError) Error() string {
	return fmt.Sprintf("allowlist entry %d (%q): %s", e.Index, e.Pattern, e.Message)
}

// Validator checks a single placeholder argument
type Validator func(string) bool

var (
	macRegex       = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:-][0-9A-Fa-f]{2}){5}$`)
	interfaceRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:@/-]{0,47}$`)
	hostnameRegex  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
	intRegex       = regexp.MustCompile(`^-?[0-9]{1,18}$`)
	tokenRegex     = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	// characters no allowed command may contain regardless of pattern
	shellMeta = ";&|$`<>\\\n\r\"'*?(){}[]!#~"
)

var namedValidators = map[string]Validator{
	"ipv4": func(s string) bool {
		a, err := netip.ParseAddr(s)
		return err == nil && a.Is4()
	},
	"ipv6": func(s string) bool {
		a, err := netip.ParseAddr(s)
		return err == nil && a.Is6() && !a.Is4In6()
	},
	"ip": func(s string) bool {
		_, err := netip.ParseAddr(s)
		return err == nil
	},
	"mac":       macRegex.MatchString,
	"interface": interfaceRegex.MatchString,
	"hostname": func(s string) bool {
		return len(s) <= 253 && hostnameRegex.MatchString(s)
	},
	"int": intRegex.MatchString,
	"port": func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && n >= 1 && n <= 65535 && strconv.Itoa(n) == s
	},
}

// lookupValidator resolves a validator reference: a named validator or
// "regex:<expr>", which must match the whole argument
func lookupValidator(ref string) (Validator, error) {
	if expr, ok := strings.CutPrefix(ref, "regex:"); ok {
		re, err := regexp.Compile(`^(?:` + expr + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid regex validator: %w", err)
		}
		return re.MatchString, nil
	}
	if v, ok := namedValidators[ref]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown validator %q", ref)
}

type allowEntry struct {
	pattern    string
	re         *regexp.Regexp
	names      []string
	validators []Validator
}

// Allowlist is an ordered set of permitted command patterns
type Allowlist struct {
	entries []allowEntry
}

// NewAllowlist compiles entries. Any placeholder without a validator, or an
// unknown validator, fails the whole allowlist.
func NewAllowlist(entries []model.AllowlistEntry) (*Allowlist, error) {
	var errs []error
	al := &Allowlist{}
	for i, e := range entries {
		compiled, err := compileEntry(e)
		if err != nil {
			errs = append(errs, &AllowlistConfigError{Index: i, Pattern: e.Pattern, Message: err.Error()})
			continue
		}
		al.entries = append(al.entries, compiled)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return al, nil
}

func compileEntry(e model.AllowlistEntry) (allowEntry, error) {
	pattern := strings.Join(strings.Fields(e.Pattern), " ")
	if pattern == "" {
		return allowEntry{}, errors.New("empty pattern")
	}

	var (
		b     strings.Builder
		names []string
		vals  []Validator
		last  int
	)
	b.WriteString("^")
	for _, loc := range tokenRegex.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		name := pattern[loc[2]:loc[3]]
		ref, ok := e.Validators[name]
		if !ok || ref == "" {
			return allowEntry{}, fmt.Errorf("placeholder {%s} has no validator", name)
		}
		v, err := lookupValidator(ref)
		if err != nil {
			return allowEntry{}, fmt.Errorf("placeholder {%s}: %w", name, err)
		}
		b.WriteString(`(\S+)`)
		names = append(names, name)
		vals = append(vals, v)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return allowEntry{}, fmt.Errorf("failed to compile pattern: %w", err)
	}
	return allowEntry{pattern: pattern, re: re, names: names, validators: vals}, nil
}

// Len returns the number of entries
func (a *Allowlist) Len() int { return len(a.entries) }

// Match returns nil if cmd is permitted by some entry, else a
// *CommandRejectedError
func (a *Allowlist) Match(cmd string) error {
	if i := strings.IndexAny(cmd, shellMeta); i >= 0 {
		return &CommandRejectedError{Command: cmd, Reason: fmt.Sprintf("forbidden character %q", cmd[i])}
	}
	// the device shell splits on space and tab only, so any other whitespace
	// or control character would make the matched form differ from what runs
	if i := strings.IndexFunc(cmd, func(r rune) bool {
		return r != ' ' && r != '\t' && (unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar)
	}); i >= 0 {
		return &CommandRejectedError{Command: cmd, Reason: fmt.Sprintf("forbidden character %q", []rune(cmd[i:])[0])}
	}
	normalized := strings.Join(strings.Fields(cmd), " ")
	if normalized == "" {
		return &CommandRejectedError{Command: cmd, Reason: "empty command"}
	}

	reason := "no allowlist pattern matches"
	for _, e := range a.entries {
		m := e.re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		failed := ""
		for i, v := range e.validators {
			if !v(m[i+1]) {
				failed = e.names[i]
				break
			}
		}
		if failed == "" {
			return nil
		}
		reason = fmt.Sprintf("argument {%s} of %q failed validation", failed, e.pattern)
	}
	return &CommandRejectedError{Command: cmd, Reason: reason}
}

// IsAllowed reports whether cmd is permitted
func (a *Allowlist) IsAllowed(cmd string) bool {
	return a.Match(cmd) == nil
}
