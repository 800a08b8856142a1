// Package agent runs one domain agent: it consumes logs.<domain>, evaluates the
// agent's rule set and publishes findings.<domain>.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/model"
	"github.com/sgerhart/netsentry/internal/rules"
	"github.com/sgerhart/netsentry/internal/schema"
)

const (
	DefaultQueueSize      = 4096
	DefaultGCInterval     = 30 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// Config holds agent runtime parameters
type Config struct {
	QueueSize      int
	GCInterval     time.Duration
	PublishTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Engine         rules.EngineConfig
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Agent represents one running domain agent
type Agent struct {
	name      string
	domain    model.LogSourceType
	cfg       Config
	bus       bus.Bus
	validator *schema.Validator
	engine    *rules.Engine
	logger    *slog.Logger
	metrics   *metrics.Metrics

	pending  atomic.Pointer[rules.RuleSet]
	reloadCh chan struct{}

	mu    sync.RWMutex
	state State
}

// New compiles the definition's rules and creates a stopped agent. A
// RuleConfigError means the agent must not run.
func New(def model.AgentDefinition, cfg Config, b bus.Bus, v *schema.Validator, logger *slog.Logger, m *metrics.Metrics) (*Agent, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if !def.Type.Valid() {
		return nil, fmt.Errorf("agent %s: unknown domain %q", def.Name, def.Type)
	}
	set, err := rules.Compile(def.Name, def.Rules)
	if err != nil {
		return nil, fmt.Errorf("agent %s has invalid rules: %w", def.Name, err)
	}

	cfg.setDefaults()
	logger = logger.With("component", "agent", "agent", def.Name, "domain", string(def.Type))
	a := &Agent{
		name:      def.Name,
		domain:    def.Type,
		cfg:       cfg,
		bus:       b,
		validator: v,
		engine:    rules.NewEngine(set, cfg.Engine, logger, m),
		logger:    logger,
		metrics:   m,
		reloadCh:  make(chan struct{}, 1),
		state:     StateStopped,
	}
	a.publishState(StateStopped)
	return a, nil
}

// Name returns the agent name
func (a *Agent) Name() string { return a.name }

// Domain returns the consumed domain
func (a *Agent) Domain() model.LogSourceType { return a.domain }

// State returns the current lifecycle state
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(to State) {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		a.mu.Unlock()
		a.logger.Error("Invalid state transition", "from", from.String(), "to", to.String())
		return
	}
	a.state = to
	a.mu.Unlock()

	a.publishState(to)
	a.logger.Info("Agent state changed", "from", from.String(), "to", to.String())
}

func (a *Agent) publishState(current State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		a.metrics.AgentState.WithLabelValues(a.name, s.String()).Set(v)
	}
}

// Reload compiles def and schedules the new rule set. The running rule set
// is kept if def is invalid.
func (a *Agent) Reload(def model.AgentDefinition) error {
	set, err := rules.Compile(a.name, def.Rules)
	if err != nil {
		return fmt.Errorf("agent %s reload rejected: %w", a.name, err)
	}
	a.pending.Store(set)
	select {
	case a.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the agent until ctx is cancelled. A lost bus moves the agent to
// Failed and it restarts after an exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.BackoffInitial
	for {
		a.setState(StateStarting)
		started, err := a.runOnce(ctx)

		if ctx.Err() != nil {
			a.setState(StateStopping)
			a.setState(StateStopped)
			return nil
		}

		a.setState(StateFailed)
		if started {
			backoff = a.cfg.BackoffInitial
		}
		a.logger.Warn("Agent failed, restarting after backoff", "error", err, "backoff", backoff.String())

		select {
		case <-ctx.Done():
			a.setState(StateStopping)
			a.setState(StateStopped)
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.BackoffMax {
			backoff = a.cfg.BackoffMax
		}
	}
}

// runOnce subscribes and consumes until ctx is done or the bus is lost. It
// reports whether the agent reached Running.
func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	q := bus.NewQueue(a.cfg.QueueSize, bus.DropOldest)
	defer q.Close()

	topic := bus.LogsTopic(a.domain)
	sub, err := a.bus.Subscribe(topic, func(m *bus.Message) {
		before := q.Dropped()
		if err := q.Push(ctx, m); err != nil {
			return
		}
		if d := q.Dropped() - before; d > 0 {
			a.metrics.QueueDropped.WithLabelValues("agent").Add(float64(d))
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Debug("Unsubscribe failed", "subject", topic, "error", err)
		}
	}()

	closed := a.bus.Closed()
	ticker := time.NewTicker(a.cfg.GCInterval)
	defer ticker.Stop()

	a.setState(StateRunning)
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-closed:
			return true, bus.ErrBusDisconnected
		case <-a.reloadCh:
			a.applyPending()
		case now := <-ticker.C:
			a.engine.GC(now)
		case <-q.Ready():
			a.applyPending()
			for {
				m, ok := q.TryPop()
				if !ok {
					break
				}
				a.handle(ctx, m)
			}
		}
	}
}

func (a *Agent) applyPending() {
	if next := a.pending.Swap(nil); next != nil {
		a.engine.Swap(next)
	}
}

// handle validates, evaluates and publishes findings for one message
func (a *Agent) handle(ctx context.Context, m *bus.Message) {
	var ev model.ParsedLogEvent
	if err := a.validator.Decode(schema.KindLogEvent, m.Data, &ev); err != nil {
		a.metrics.InvalidEnvelopes.WithLabelValues("agent").Inc()
		a.logger.Warn("Dropping invalid log event", "subject", m.Topic, "error", err)
		return
	}

	for _, f := range a.engine.ProcessEvent(&ev) {
		if err := a.publish(ctx, f); err != nil {
			a.metrics.BusPublishErrors.WithLabelValues("agent").Inc()
			a.logger.Error("Failed to publish finding", "finding_id", f.FindingID, "error", err)
		}
	}
}

func (a *Agent) publish(ctx context.Context, f model.AgentFinding) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal finding: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, a.cfg.PublishTimeout)
	defer cancel()
	return a.bus.Publish(pubCtx, bus.FindingsTopic(a.domain), data, map[string]string{"x-finding-id": f.FindingID})
}
