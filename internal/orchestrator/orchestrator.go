// Package orchestrator turns findings into playbook-driven IntendedActions,
// dispatches them one step at a time and tracks their results.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/model"
	"github.com/sgerhart/netsentry/internal/schema"
)

// PlaybookSource looks up the playbook triggered by a finding type
type PlaybookSource interface {
	GetPlaybook(findingType string) (*model.Playbook, bool)
}

// Store is where findings and intended actions are persisted
type Store interface {
	SaveFinding(ctx context.Context, f model.AgentFinding) error
	SaveIntendedAction(ctx context.Context, a model.IntendedAction) error
	UpdateIntendedAction(ctx context.Context, actionID string, status model.ActionStatus, result string) error
}

// Outcome is what HandleFinding did with a finding
type Outcome string

const (
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomePersistFailed   Outcome = "persist_failed"
	OutcomeSuppressed      Outcome = "suppressed"
	OutcomeNoPlaybook      Outcome = "no_playbook"
	OutcomeInvalidTemplate Outcome = "invalid_template"
	OutcomeDispatchFailed  Outcome = "dispatch_failed"
	OutcomeDispatched      Outcome = "dispatched"
)

// Config holds orchestrator parameters
type Config struct {
	DefaultCooldown    time.Duration
	DefaultStepTimeout time.Duration
	RetryDelay         time.Duration // passed to the executor between SSH attempts
	Grace              time.Duration
	PersistRetries     int
	PersistBackoff     time.Duration
	PersistTimeout     time.Duration
	PublishTimeout     time.Duration
	DedupeSize         int
	DedupeTTL          time.Duration
	DeadlineInterval   time.Duration
	SweepInterval      time.Duration
	QueueSize          int
	MaxPending         int
}

func (c *Config) setDefaults() {
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = 5 * time.Minute
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	} else if c.PersistRetries == 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 200 * time.Millisecond
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 100_000
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = time.Hour
	}
	if c.DeadlineInterval <= 0 {
		c.DeadlineInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 4096
	}
}

// flight is a dispatched action awaiting its result
type flight struct {
	action   model.IntendedAction
	finding  model.AgentFinding
	playbook *model.Playbook
	deadline time.Time

	// guards the timeout record against a result racing the expiry
	mu      sync.Mutex
	expired bool
	late    string
}

// Orchestrator correlates findings with playbooks and sequences their steps
type Orchestrator struct {
	cfg       Config
	bus       bus.Bus
	playbooks PlaybookSource
	store     Store
	validator *schema.Validator
	cooldowns *CooldownTracker
	serial    *Serializer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	seenFindings *expirable.LRU[string, struct{}]
	seenResults  *expirable.LRU[string, struct{}]
	timedOut     *expirable.LRU[string, *flight]

	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates an orchestrator
func New(cfg Config, b bus.Bus, playbooks PlaybookSource, store Store, v *schema.Validator, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:          cfg,
		bus:          b,
		playbooks:    playbooks,
		store:        store,
		validator:    v,
		cooldowns:    NewCooldownTracker(),
		serial:       NewSerializer(cfg.MaxPending),
		logger:       logger.With("component", "orchestrator"),
		metrics:      m,
		now:          time.Now,
		seenFindings: expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		seenResults:  expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		timedOut:     expirable.NewLRU[string, *flight](cfg.DedupeSize, nil, cfg.DedupeTTL),
		inflight:     make(map[string]*flight),
	}
}

// Cooldowns exposes the cooldown tracker
func (o *Orchestrator) Cooldowns() *CooldownTracker { return o.cooldowns }

// InFlight returns the number of dispatched actions awaiting a result
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// HandleFinding persists a finding and, unless suppressed or unmatched,
// dispatches the first step of its playbook. Callers serialize per device.
func (o *Orchestrator) HandleFinding(ctx context.Context, f model.AgentFinding) Outcome {
	log := o.logger.With("finding_id", f.FindingID, "device", f.DeviceHostname, "finding_type", f.FindingType)

	if o.seenFindings.Contains(f.FindingID) {
		o.metrics.DuplicatesDropped.WithLabelValues("orchestrator").Inc()
		log.Debug("Duplicate finding ignored")
		return OutcomeDuplicate
	}
	o.seenFindings.Add(f.FindingID, struct{}{})
	o.metrics.FindingsReceived.Inc()

	if err := o.persist(ctx, "save_finding", func(ctx context.Context) error { return o.store.SaveFinding(ctx, f) }); err != nil {
		return OutcomePersistFailed
	}

	now := o.now()
	if o.cooldowns.Active(f.DeviceHostname, f.FindingType, now) {
		o.metrics.FindingsSuppressed.Inc()
		log.Info("Finding suppressed by cooldown")
		return OutcomeSuppressed
	}

	pb, ok := o.playbooks.GetPlaybook(f.FindingType)
	if !ok || pb == nil || len(pb.Steps) == 0 {
		o.metrics.PlaybookMisses.Inc()
		log.Info("No playbook for finding, logged only")
		return OutcomeNoPlaybook
	}

	outcome := o.dispatchStep(ctx, f, pb, 0)
	if outcome == OutcomeDispatched {
		cooldown := o.cfg.DefaultCooldown
		if pb.CooldownSeconds > 0 {
			cooldown = time.Duration(pb.CooldownSeconds) * time.Second
		}
		o.cooldowns.Set(f.DeviceHostname, f.FindingType, cooldown, now)
		o.metrics.CooldownEntriesActive.Set(float64(o.cooldowns.Len()))
	}
	return outcome
}

// templateVars are the values a command template may reference
func templateVars(f model.AgentFinding) map[string]string {
	vars := make(map[string]string, len(f.Details)+6)
	for k, v := range f.Details {
		vars[k] = v
	}
	vars["device_hostname"] = f.DeviceHostname
	vars["device_ip"] = f.DeviceIP
	vars["finding_type"] = f.FindingType
	vars["finding_id"] = f.FindingID
	vars["agent_name"] = f.AgentName
	vars["severity"] = string(f.Severity)
	return vars
}

// dispatchStep creates, persists and publishes the IntendedAction for step idx
func (o *Orchestrator) dispatchStep(ctx context.Context, f model.AgentFinding, pb *model.Playbook, idx int) Outcome {
	step := pb.Steps[idx]
	now := o.now()
	action := model.IntendedAction{
		ActionID:       uuid.New().String(),
		FindingID:      f.FindingID,
		PlaybookID:     playbookID(pb),
		StepIndex:      idx,
		Status:         model.ActionPending,
		ActionType:     step.ActionType,
		DeviceHostname: f.DeviceHostname,
		DeviceIP:       f.DeviceIP,
		ScheduledAt:    now.UTC(),
	}
	log := o.logger.With("finding_id", f.FindingID, "action_id", action.ActionID, "device", f.DeviceHostname, "step", idx)

	cmd, err := Resolve(step.CommandTemplate, templateVars(f))
	if err != nil {
		o.metrics.TemplateErrors.Inc()
		log.Warn("Command template could not be resolved", "error", err)
		action.Status = model.ActionFailed
		action.ResolvedCommand = step.CommandTemplate
		action.Result = err.Error()
		executed := now.UTC()
		action.ExecutedAt = &executed
		_ = o.persist(ctx, "save_action", func(ctx context.Context) error { return o.store.SaveIntendedAction(ctx, action) })
		o.metrics.ActionsCompleted.WithLabelValues(string(model.ActionFailed)).Inc()
		o.skipRemaining(ctx, f, pb, idx+1)
		return OutcomeInvalidTemplate
	}
	action.ResolvedCommand = cmd

	if err := o.persist(ctx, "save_action", func(ctx context.Context) error { return o.store.SaveIntendedAction(ctx, action) }); err != nil {
		return OutcomePersistFailed
	}

	timeoutSeconds := wholeSeconds(o.cfg.DefaultStepTimeout)
	if step.TimeoutSeconds > 0 {
		timeoutSeconds = step.TimeoutSeconds
	}
	delaySeconds := wholeSeconds(o.cfg.RetryDelay)
	retries := step.RetryCount
	if retries < 0 {
		retries = 0
	}
	command := model.ActionCommand{
		ActionID:          action.ActionID,
		FindingID:         f.FindingID,
		DeviceHostname:    f.DeviceHostname,
		DeviceIP:          f.DeviceIP,
		ActionType:        step.ActionType,
		Command:           cmd,
		TimeoutSeconds:    timeoutSeconds,
		RetryCount:        retries,
		RetryDelaySeconds: delaySeconds,
		IssuedAt:          now.UTC(),
	}

	// register before publishing so a fast result finds the flight
	fl := &flight{
		action:   action,
		finding:  f,
		playbook: pb,
		deadline: now.Add(o.deadline(timeoutSeconds, delaySeconds, retries)),
	}
	fl.action.Status = model.ActionDispatched
	o.mu.Lock()
	o.inflight[action.ActionID] = fl
	o.metrics.InFlightActions.Set(float64(len(o.inflight)))
	o.mu.Unlock()

	if err := o.publish(ctx, command); err != nil {
		o.mu.Lock()
		delete(o.inflight, action.ActionID)
		o.metrics.InFlightActions.Set(float64(len(o.inflight)))
		o.mu.Unlock()

		o.metrics.BusPublishErrors.WithLabelValues("orchestrator").Inc()
		log.Error("Failed to dispatch action", "error", err)
		o.finish(ctx, action.ActionID, model.ActionFailed, "dispatch failed: "+err.Error())
		o.skipRemaining(ctx, f, pb, idx+1)
		return OutcomeDispatchFailed
	}

	_ = o.persist(ctx, "update_action", func(ctx context.Context) error {
		return o.store.UpdateIntendedAction(ctx, action.ActionID, model.ActionDispatched, "")
	})
	o.metrics.ActionsDispatched.Inc()
	log.Info("Action dispatched", "action_type", step.ActionType, "command", cmd, "deadline", fl.deadline.UTC().Format(time.RFC3339))
	return OutcomeDispatched
}

// deadline is the wall-clock budget for one dispatched command including the
// executor's own retries. Attempt n waits (n-1) retry delays first.
func (o *Orchestrator) deadline(timeoutSeconds, delaySeconds, retries int) time.Duration {
	timeout := time.Duration(timeoutSeconds) * time.Second
	delay := time.Duration(delaySeconds) * time.Second
	backoff := delay * time.Duration(retries*(retries+1)/2)
	return timeout*time.Duration(retries+1) + backoff + o.cfg.Grace
}

// wholeSeconds rounds d up to the whole seconds an ActionCommand carries
func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func playbookID(pb *model.Playbook) string {
	if pb.ID != "" {
		return pb.ID
	}
	return pb.Trigger
}

func (o *Orchestrator) publish(ctx context.Context, cmd model.ActionCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal action command: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	return o.bus.Publish(pubCtx, bus.TopicActionsExecute, data, map[string]string{"x-action-id": cmd.ActionID})
}

// HandleResult applies an ActionResult to its IntendedAction and advances the
// playbook on success. Callers serialize per device.
func (o *Orchestrator) HandleResult(ctx context.Context, r model.ActionResult) {
	log := o.logger.With("action_id", r.ActionID, "status", string(r.Status))

	if o.seenResults.Contains(r.ActionID) {
		o.metrics.DuplicatesDropped.WithLabelValues("orchestrator").Inc()
		log.Debug("Duplicate result ignored")
		return
	}
	o.seenResults.Add(r.ActionID, struct{}{})

	o.mu.Lock()
	fl, ok := o.inflight[r.ActionID]
	if ok {
		delete(o.inflight, r.ActionID)
		o.metrics.InFlightActions.Set(float64(len(o.inflight)))
	}
	o.mu.Unlock()

	if !ok {
		if late, wasTimedOut := o.timedOut.Get(r.ActionID); wasTimedOut {
			late.mu.Lock()
			defer late.mu.Unlock()
			if !late.expired {
				// expiry in progress records it with the timeout
				late.late = summarize(r)
				return
			}
			log.Warn("Late result for timed out action recorded", "device", late.action.DeviceHostname)
			o.finish(ctx, r.ActionID, model.ActionFailed, lateResult(summarize(r)))
			return
		}
		log.Debug("Result for unknown action ignored")
		return
	}

	status := model.ActionFailed
	if r.Status == model.ResultSuccess {
		status = model.ActionSucceeded
	}
	o.finish(ctx, r.ActionID, status, summarize(r))
	log.Info("Action completed", "device", fl.action.DeviceHostname, "step", fl.action.StepIndex, "exit_code", r.ExitCode)

	next := fl.action.StepIndex + 1
	if status != model.ActionSucceeded {
		o.skipRemaining(ctx, fl.finding, fl.playbook, next)
		return
	}
	if next < len(fl.playbook.Steps) {
		o.dispatchStep(ctx, fl.finding, fl.playbook, next)
	}
}

// DeviceForResult returns the serialization key of an action, if known
func (o *Orchestrator) DeviceForResult(actionID string) (string, bool) {
	o.mu.Lock()
	fl, ok := o.inflight[actionID]
	o.mu.Unlock()
	if ok {
		return fl.action.DeviceHostname, true
	}
	if fl, ok := o.timedOut.Peek(actionID); ok {
		return fl.action.DeviceHostname, true
	}
	return "", false
}

func summarize(r model.ActionResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("status=%s exit_code=%d", r.Status, r.ExitCode)
	}
	return string(data)
}

// finish persists a terminal status
func (o *Orchestrator) finish(ctx context.Context, actionID string, status model.ActionStatus, result string) {
	o.metrics.ActionsCompleted.WithLabelValues(string(status)).Inc()
	_ = o.persist(ctx, "update_action", func(ctx context.Context) error {
		return o.store.UpdateIntendedAction(ctx, actionID, status, result)
	})
}

// skipRemaining records steps from idx onward as skipped
func (o *Orchestrator) skipRemaining(ctx context.Context, f model.AgentFinding, pb *model.Playbook, from int) {
	vars := templateVars(f)
	now := o.now().UTC()
	for i := from; i < len(pb.Steps); i++ {
		step := pb.Steps[i]
		cmd, err := Resolve(step.CommandTemplate, vars)
		if err != nil {
			cmd = step.CommandTemplate
		}
		action := model.IntendedAction{
			ActionID:        uuid.New().String(),
			FindingID:       f.FindingID,
			PlaybookID:      playbookID(pb),
			StepIndex:       i,
			Status:          model.ActionSkipped,
			ActionType:      step.ActionType,
			ResolvedCommand: cmd,
			DeviceHostname:  f.DeviceHostname,
			DeviceIP:        f.DeviceIP,
			ScheduledAt:     now,
			Result:          fmt.Sprintf("skipped: step %d did not succeed", from-1),
		}
		o.metrics.ActionsCompleted.WithLabelValues(string(model.ActionSkipped)).Inc()
		_ = o.persist(ctx, "save_action", func(ctx context.Context) error { return o.store.SaveIntendedAction(ctx, action) })
	}
}

// overdue removes and returns flights whose deadline has passed
func (o *Orchestrator) overdue(now time.Time) []*flight {
	o.mu.Lock()
	defer o.mu.Unlock()
	var expired []*flight
	for id, fl := range o.inflight {
		if now.After(fl.deadline) {
			delete(o.inflight, id)
			o.timedOut.Add(id, fl)
			expired = append(expired, fl)
		}
	}
	o.metrics.InFlightActions.Set(float64(len(o.inflight)))
	return expired
}

// expire fails a flight by deadline and halts its playbook
func (o *Orchestrator) expire(ctx context.Context, fl *flight) {
	o.metrics.ActionTimeouts.Inc()
	o.logger.Warn("Action timed out without result",
		"action_id", fl.action.ActionID,
		"finding_id", fl.finding.FindingID,
		"device", fl.action.DeviceHostname,
		"step", fl.action.StepIndex)

	fl.mu.Lock()
	result := "timeout"
	if fl.late != "" {
		result = lateResult(fl.late)
	}
	o.finish(ctx, fl.action.ActionID, model.ActionFailed, result)
	fl.expired = true
	fl.mu.Unlock()

	o.skipRemaining(ctx, fl.finding, fl.playbook, fl.action.StepIndex+1)
}

func lateResult(summary string) string {
	return "timeout; late result: " + summary
}

// ExpireOverdue fails every action past its deadline at now, inline
func (o *Orchestrator) ExpireOverdue(ctx context.Context, now time.Time) int {
	expired := o.overdue(now)
	for _, fl := range expired {
		o.expire(ctx, fl)
	}
	return len(expired)
}

// persist runs fn with bounded retry and backoff. Exhaustion is logged as an
// unrecoverable persistence alert and counted as data loss.
func (o *Orchestrator) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := o.cfg.PersistBackoff
	var err error
attempts:
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				break attempts
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		opCtx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		o.metrics.PersistenceFailures.WithLabelValues(op).Inc()
		o.logger.Warn("Persistence attempt failed", "op", op, "attempt", attempt+1, "error", err)
	}

	o.metrics.PersistenceDataLoss.Inc()
	o.logger.Error("ALERT: unrecoverable persistence failure, record dropped", "op", op, "alert", "persistence_data_loss", "error", err)
	return fmt.Errorf("%s failed after %d attempts: %w", op, o.cfg.PersistRetries+1, err)
}

// Run consumes findings.* and actions.results until ctx is cancelled or the
// bus is lost. Both consumer queues block the publisher when full.
func (o *Orchestrator) Run(ctx context.Context) error {
	findingsQ := bus.NewQueue(o.cfg.QueueSize, bus.Block)
	resultsQ := bus.NewQueue(o.cfg.QueueSize, bus.Block)
	defer findingsQ.Close()
	defer resultsQ.Close()

	fsub, err := o.bus.Subscribe(bus.TopicAllFindings, func(m *bus.Message) { _ = findingsQ.Push(ctx, m) })
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.TopicAllFindings, err)
	}
	defer fsub.Unsubscribe()
	rsub, err := o.bus.Subscribe(bus.TopicActionsResults, func(m *bus.Message) { _ = resultsQ.Push(ctx, m) })
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.TopicActionsResults, err)
	}
	defer rsub.Unsubscribe()

	deadlines := time.NewTicker(o.cfg.DeadlineInterval)
	defer deadlines.Stop()
	sweeps := time.NewTicker(o.cfg.SweepInterval)
	defer sweeps.Stop()

	o.logger.Info("Orchestrator started")
	defer func() {
		o.serial.Wait()
		o.logger.Info("Orchestrator stopped")
	}()

	closed := o.bus.Closed()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return bus.ErrBusDisconnected
		case now := <-deadlines.C:
			for _, fl := range o.overdue(now) {
				fl := fl
				if err := o.serial.Submit(ctx, fl.action.DeviceHostname, func() { o.expire(ctx, fl) }); err != nil {
					return nil
				}
			}
		case now := <-sweeps.C:
			o.cooldowns.Sweep(now)
			o.metrics.CooldownEntriesActive.Set(float64(o.cooldowns.Len()))
		case <-findingsQ.Ready():
			for m, ok := findingsQ.TryPop(); ok; m, ok = findingsQ.TryPop() {
				if err := o.submitFinding(ctx, m); err != nil {
					return nil
				}
			}
		case <-resultsQ.Ready():
			for m, ok := resultsQ.TryPop(); ok; m, ok = resultsQ.TryPop() {
				if err := o.submitResult(ctx, m); err != nil {
					return nil
				}
			}
		}
	}
}

func (o *Orchestrator) submitFinding(ctx context.Context, m *bus.Message) error {
	var f model.AgentFinding
	if err := o.validator.Decode(schema.KindFinding, m.Data, &f); err != nil {
		o.metrics.InvalidEnvelopes.WithLabelValues("orchestrator").Inc()
		o.logger.Warn("Dropping invalid finding", "subject", m.Topic, "error", err)
		return nil
	}
	return o.serial.Submit(ctx, f.DeviceHostname, func() { o.HandleFinding(ctx, f) })
}

func (o *Orchestrator) submitResult(ctx context.Context, m *bus.Message) error {
	var r model.ActionResult
	if err := o.validator.Decode(schema.KindActionResult, m.Data, &r); err != nil {
		o.metrics.InvalidEnvelopes.WithLabelValues("orchestrator").Inc()
		o.logger.Warn("Dropping invalid action result", "subject", m.Topic, "error", err)
		return nil
	}
	device, ok := o.DeviceForResult(r.ActionID)
	if !ok {
		device = r.ActionID
	}
	return o.serial.Submit(ctx, device, func() { o.HandleResult(ctx, r) })
}
