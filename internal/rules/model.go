package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sgerhart/netsentry/internal/model"
)

// Kind is the evaluation strategy of a rule
type Kind string

const (
	KindThreshold Kind = "threshold-count"
	KindPattern   Kind = "pattern-match"
	KindFlap      Kind = "flap-detect"
)

// DefaultStateField is read by flap-detect rules when no state_field is set
const DefaultStateField = "state"

var upDownRegex = regexp.MustCompile(`(?i)\b(up|down)\b`)

// RuleConfigError represents an invalid rule definition. An agent whose rule
// set contains one must not start.
type RuleConfigError struct {
	Agent   string
	RuleID  string
	Field   string
	Message string
}

func (e *RuleConfigError) Error() string {
	return fmt.Sprintf("agent %s rule %q: %s: %s", e.Agent, e.RuleID, e.Field, e.Message)
}

// Rule is a compiled, immutable rule
type Rule struct {
	def     model.RuleDefinition
	kind    Kind
	window  time.Duration
	match   func(string) bool
	devices []glob.Glob
}

// ID returns the rule id
func (r *Rule) ID() string { return r.def.ID }

// Kind returns the rule kind
func (r *Rule) Kind() Kind { return r.kind }

// Definition returns the source definition
func (r *Rule) Definition() model.RuleDefinition { return r.def }

// AppliesToDevice checks the device selector; no globs selects every device
func (r *Rule) AppliesToDevice(device string) bool {
	if len(r.devices) == 0 {
		return true
	}
	for _, g := range r.devices {
		if g.Match(device) {
			return true
		}
	}
	return false
}

// Matches reports whether the rule pattern matches the event. The message is
// used unless the rule names a structured field, and a missing field never
// matches.
func (r *Rule) Matches(ev *model.ParsedLogEvent) bool {
	subject := ev.Message
	if r.def.Field != "" {
		v, ok := ev.StructuredFields[r.def.Field]
		if !ok {
			return false
		}
		subject = v
	}
	return r.match(subject)
}

// subKey returns the window split value for ev
func (r *Rule) subKey(ev *model.ParsedLogEvent) string {
	if r.def.SubKey == "" {
		return ""
	}
	return ev.StructuredFields[r.def.SubKey]
}

// state returns the up/down state of ev for flap-detect rules, "" if unknown
func (r *Rule) state(ev *model.ParsedLogEvent) string {
	field := r.def.StateField
	if field == "" {
		field = DefaultStateField
	}
	if v := ev.StructuredFields[field]; v != "" {
		return strings.ToLower(v)
	}
	if r.def.StateField != "" {
		return ""
	}
	if m := upDownRegex.FindStringSubmatch(ev.Message); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// RuleSet is an immutable compiled rule collection for one agent
type RuleSet struct {
	agent string
	rules []*Rule
	byID  map[string]*Rule
}

// Agent returns the owning agent name
func (s *RuleSet) Agent() string { return s.agent }

// Rules returns the compiled rules in definition order
func (s *RuleSet) Rules() []*Rule { return s.rules }

// Len returns the number of rules
func (s *RuleSet) Len() int { return len(s.rules) }

// Get looks up a rule by id
func (s *RuleSet) Get(id string) (*Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Compile validates every definition and builds a RuleSet. All invalid rules
// are reported together; a partial set is never returned.
func Compile(agent string, defs []model.RuleDefinition) (*RuleSet, error) {
	set := &RuleSet{agent: agent, byID: make(map[string]*Rule, len(defs))}

	var errs []error
	for i, def := range defs {
		r, err := compileRule(agent, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := set.byID[def.ID]; dup {
			errs = append(errs, &RuleConfigError{Agent: agent, RuleID: def.ID, Field: fmt.Sprintf("rules[%d].id", i), Message: "duplicate rule id"})
			continue
		}
		set.rules = append(set.rules, r)
		set.byID[def.ID] = r
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

func compileRule(agent string, def model.RuleDefinition) (*Rule, error) {
	fail := func(field, msg string) error {
		return &RuleConfigError{Agent: agent, RuleID: def.ID, Field: field, Message: msg}
	}

	if def.ID == "" {
		return nil, fail("id", "rule ID is required")
	}
	if def.FindingType == "" {
		return nil, fail("finding_type", "finding type is required")
	}
	if !def.Severity.Valid() {
		return nil, fail("severity", "invalid severity, must be info/warning/error/critical")
	}

	r := &Rule{def: def, kind: Kind(def.Kind)}
	switch r.kind {
	case KindThreshold, KindFlap:
		if def.Threshold <= 0 {
			return nil, fail("threshold", "threshold must be positive")
		}
		if def.WindowSeconds <= 0 {
			return nil, fail("window_seconds", "window must be positive")
		}
		r.window = time.Duration(def.WindowSeconds) * time.Second
	case KindPattern:
	default:
		return nil, fail("kind", fmt.Sprintf("unknown kind %q", def.Kind))
	}

	if def.Pattern == "" && r.kind != KindFlap {
		return nil, fail("pattern", "pattern is required")
	}

	switch {
	case def.Pattern == "":
		r.match = func(string) bool { return true }
	case def.Regex:
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fail("pattern", fmt.Sprintf("invalid regex: %v", err))
		}
		r.match = re.MatchString
	default:
		needle := strings.ToLower(def.Pattern)
		r.match = func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
	}

	for _, pattern := range def.DeviceGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fail("device_globs", fmt.Sprintf("invalid glob %q: %v", pattern, err))
		}
		r.devices = append(r.devices, g)
	}
	return r, nil
}
