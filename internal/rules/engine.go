package rules

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/model"
)

const (
	// DefaultDedupeSize bounds the remembered event ids
	DefaultDedupeSize = 100_000
	// DefaultDedupeTTL is the event id retention horizon
	DefaultDedupeTTL = 10 * time.Minute
)

// EngineConfig tunes an Engine
type EngineConfig struct {
	DedupeSize int
	DedupeTTL  time.Duration
}

// Engine evaluates a RuleSet against events. It keeps per-key window state and
// is not safe for concurrent use; one consumer goroutine owns it.
type Engine struct {
	set     *RuleSet
	windows *WindowBuffer
	seen    *expirable.LRU[string, struct{}]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an engine for set
func NewEngine(set *RuleSet, cfg EngineConfig, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultDedupeSize
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &Engine{
		set:     set,
		windows: NewWindowBuffer(),
		seen:    expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// RuleSet returns the active rule set
func (e *Engine) RuleSet() *RuleSet { return e.set }

// ProcessEvent evaluates every applicable rule against ev. Windows are driven
// by the event arrival time. A redelivered event id is ignored.
func (e *Engine) ProcessEvent(ev *model.ParsedLogEvent) []model.AgentFinding {
	if ev == nil {
		return nil
	}
	if ev.EventID != "" {
		if e.seen.Contains(ev.EventID) {
			e.metrics.DuplicatesDropped.WithLabelValues("agent").Inc()
			e.logger.Debug("Duplicate event ignored", "event_id", ev.EventID)
			return nil
		}
		e.seen.Add(ev.EventID, struct{}{})
	}
	e.metrics.EventsProcessed.WithLabelValues(e.set.Agent()).Inc()

	device := ev.Device()
	var findings []model.AgentFinding
	for _, rule := range e.set.rules {
		if !rule.AppliesToDevice(device) {
			continue
		}
		f, err := e.evaluate(rule, ev, device)
		if err != nil {
			e.metrics.RuleErrors.WithLabelValues(e.set.Agent(), rule.ID()).Inc()
			e.logger.Error("Rule evaluation failed", "rule_id", rule.ID(), "event_id", ev.EventID, "error", err)
			continue
		}
		if f == nil {
			continue
		}
		findings = append(findings, *f)
		e.metrics.FindingsEmitted.WithLabelValues(e.set.Agent(), f.FindingType).Inc()
		e.logger.Info("New finding generated",
			"finding_id", f.FindingID,
			"rule_id", rule.ID(),
			"finding_type", f.FindingType,
			"severity", f.Severity,
			"device", f.DeviceHostname)
	}
	return findings
}

// evaluate runs one rule, turning a panic into an error so other rules still run
func (e *Engine) evaluate(rule *Rule, ev *model.ParsedLogEvent, device string) (f *model.AgentFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("rule %s panicked: %v", rule.ID(), r)
		}
	}()

	if !rule.Matches(ev) {
		return nil, nil
	}

	at := ev.ArrivalTS
	switch rule.kind {
	case KindPattern:
		return e.newFinding(rule, ev, device, []string{ev.EventID}, 1), nil

	case KindThreshold:
		w := e.windows.Get(WindowKey{Device: device, RuleID: rule.ID(), SubKey: rule.subKey(ev)}, rule.window)
		w.Add(ev.EventID, at)
		w.Evict(at)
		if w.Count() < rule.def.Threshold {
			return nil, nil
		}
		f := e.newFinding(rule, ev, device, w.EventIDs(), w.Count())
		w.Reset()
		return f, nil

	case KindFlap:
		state := rule.state(ev)
		if state == "" {
			return nil, nil
		}
		w := e.windows.Get(WindowKey{Device: device, RuleID: rule.ID(), SubKey: rule.subKey(ev)}, rule.window)
		prev := w.lastState
		w.lastState = state
		w.touch(at)
		w.Evict(at)
		if prev == "" || prev == state {
			return nil, nil
		}
		w.Add(ev.EventID, at)
		if w.Count() <= rule.def.Threshold {
			return nil, nil
		}
		f := e.newFinding(rule, ev, device, w.EventIDs(), w.Count())
		w.Reset()
		return f, nil
	}
	return nil, fmt.Errorf("unsupported rule kind %q", rule.kind)
}

func (e *Engine) newFinding(rule *Rule, ev *model.ParsedLogEvent, device string, evidence []string, count int) *model.AgentFinding {
	details := make(map[string]string, len(ev.StructuredFields)+6)
	for k, v := range ev.StructuredFields {
		details[k] = v
	}
	details["rule_id"] = rule.ID()
	details["rule_name"] = rule.def.Name
	details["count"] = strconv.Itoa(count)
	details["last_message"] = ev.Message
	if rule.window > 0 {
		details["window_seconds"] = strconv.Itoa(rule.def.WindowSeconds)
	}
	if rule.def.SubKey != "" {
		details["sub_key"] = rule.def.SubKey
		details["sub_key_value"] = rule.subKey(ev)
	}

	return &model.AgentFinding{
		FindingID:        uuid.New().String(),
		AgentName:        e.set.Agent(),
		FindingTS:        e.now().UTC(),
		DeviceHostname:   device,
		DeviceIP:         ev.SourceIP,
		Severity:         rule.def.Severity,
		FindingType:      rule.def.FindingType,
		Description:      describe(rule, device, details),
		Details:          details,
		EvidenceEventIDs: evidence,
	}
}

// describe renders the rule description, substituting {device} and detail keys
func describe(rule *Rule, device string, details map[string]string) string {
	tmpl := rule.def.Description
	if tmpl == "" {
		if rule.window > 0 {
			return fmt.Sprintf("%s: %s events on %s within %ds", rule.def.Name, details["count"], device, rule.def.WindowSeconds)
		}
		return fmt.Sprintf("%s on %s", rule.def.Name, device)
	}
	pairs := []string{"{device}", device}
	for k, v := range details {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Swap installs a new rule set and resets every in-flight window. Flap
// baselines go with them.
func (e *Engine) Swap(next *RuleSet) {
	dropped := e.windows.Len()
	e.windows.Clear()
	e.set = next
	e.metrics.ActiveWindows.WithLabelValues(next.Agent()).Set(0)
	e.logger.Info("Rule set swapped", "rules", next.Len(), "windows_dropped", dropped)
}

// GC evicts idle windows
func (e *Engine) GC(now time.Time) {
	removed := e.windows.GC(now)
	e.metrics.ActiveWindows.WithLabelValues(e.set.Agent()).Set(float64(e.windows.Len()))
	if removed > 0 {
		e.logger.Debug("Window GC", "removed", removed, "remaining", e.windows.Len())
	}
}

// GetStats returns engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	stats := e.windows.GetStats()
	stats["rules"] = e.set.Len()
	stats["seen_events"] = e.seen.Len()
	return stats
}
