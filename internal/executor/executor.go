package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/model"
	"github.com/sgerhart/netsentry/internal/schema"
	"golang.org/x/sync/semaphore"
)

// CredentialSource resolves SSH credentials for a device
type CredentialSource interface {
	GetDeviceCredentials(ctx context.Context, deviceID string) (*model.SSHCredential, error)
}

// Config holds executor parameters
type Config struct {
	MaxConcurrent     int64
	PerDeviceLimit    int64
	DefaultTimeout    time.Duration
	CredentialTimeout time.Duration
	PublishTimeout    time.Duration
	DedupeSize        int
	DedupeTTL         time.Duration
	QueueSize         int
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.PerDeviceLimit <= 0 {
		c.PerDeviceLimit = 1
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = 5 * time.Second
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
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// Executor runs allowlisted commands and reports exactly one result per command
type Executor struct {
	cfg       Config
	bus       bus.Bus
	allowlist atomic.Pointer[Allowlist]
	creds     CredentialSource
	runner    Runner
	validator *schema.Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error

	global *semaphore.Weighted
	seen   *expirable.LRU[string, struct{}]

	mu      sync.Mutex
	devices map[string]*semaphore.Weighted
}

// New creates an executor
func New(cfg Config, b bus.Bus, allowlist *Allowlist, creds CredentialSource, runner Runner, v *schema.Validator, logger *slog.Logger, m *metrics.Metrics) *Executor {
	cfg.setDefaults()
	e := &Executor{
		cfg:       cfg,
		bus:       b,
		creds:     creds,
		runner:    runner,
		validator: v,
		logger:    logger.With("component", "executor"),
		metrics:   m,
		sleep:     sleepContext,
		global:    semaphore.NewWeighted(cfg.MaxConcurrent),
		seen:      expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL),
		devices:   make(map[string]*semaphore.Weighted),
	}
	e.allowlist.Store(allowlist)
	return e
}

// SetAllowlist replaces the allowlist used for subsequent commands
func (e *Executor) SetAllowlist(a *Allowlist) {
	e.allowlist.Store(a)
	e.logger.Info("Allowlist updated", "entries", a.Len())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) deviceSem(device string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.devices[device]
	if !ok {
		s = semaphore.NewWeighted(e.cfg.PerDeviceLimit)
		e.devices[device] = s
	}
	return s
}

// Execute validates and runs one command, returning its result. A rejected
// command never reaches credential lookup or SSH.
func (e *Executor) Execute(ctx context.Context, cmd model.ActionCommand) model.ActionResult {
	start := time.Now()
	log := e.logger.With("action_id", cmd.ActionID, "device", cmd.DeviceHostname)
	result := model.ActionResult{ActionID: cmd.ActionID}
	finish := func(status model.ResultStatus) model.ActionResult {
		result.Status = status
		result.CompletedAt = time.Now().UTC()
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
		e.metrics.CommandResults.WithLabelValues(string(status)).Inc()
		e.metrics.CommandDuration.Observe(time.Since(start).Seconds())
		return result
	}

	if err := e.allowlist.Load().Match(cmd.Command); err != nil {
		e.metrics.CommandsRejected.Inc()
		log.Warn("Command rejected by allowlist", "command", cmd.Command, "error", err)
		result.Error = err.Error()
		result.ExitCode = -1
		return finish(model.ResultRejected)
	}

	cred, err := e.credentials(ctx, cmd)
	if err != nil {
		log.Error("Failed to resolve device credentials", "error", err)
		result.Error = err.Error()
		result.ExitCode = -1
		return finish(model.ResultFailure)
	}

	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	delay := time.Duration(cmd.RetryDelaySeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= cmd.RetryCount+1; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, delay*time.Duration(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		result.Attempts = attempt

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.runner.Run(runCtx, cred, cmd.Command)
		cancel()

		result.ExitCode = out.ExitCode
		result.Stdout = out.Stdout
		result.Stderr = out.Stderr
		result.Truncated = out.Truncated

		switch {
		case err == nil:
			e.metrics.SSHAttempts.WithLabelValues("ok").Inc()
			if out.ExitCode == 0 {
				log.Info("Command succeeded", "attempts", attempt)
				return finish(model.ResultSuccess)
			}
			log.Info("Command exited non-zero", "exit_code", out.ExitCode, "attempts", attempt)
			result.Error = fmt.Sprintf("exit code %d", out.ExitCode)
			return finish(model.ResultFailure)
		case errors.Is(err, ErrCommandTimeout) || errors.Is(err, context.DeadlineExceeded):
			e.metrics.SSHAttempts.WithLabelValues("timeout").Inc()
			log.Warn("Command timed out", "timeout", timeout, "attempts", attempt)
			result.Error = ErrCommandTimeout.Error()
			result.ExitCode = -1
			return finish(model.ResultTimeout)
		}

		var connErr *SSHConnectionError
		if !errors.As(err, &connErr) {
			e.metrics.SSHAttempts.WithLabelValues("error").Inc()
			log.Error("Command failed", "error", err)
			result.Error = err.Error()
			result.ExitCode = -1
			return finish(model.ResultFailure)
		}
		e.metrics.SSHAttempts.WithLabelValues("connection_error").Inc()
		log.Warn("SSH connection failed", "attempt", attempt, "error", err)
		lastErr = err
	}

	result.Error = fmt.Sprintf("failed after %d attempts: %v", result.Attempts, lastErr)
	result.ExitCode = -1
	return finish(model.ResultFailure)
}

func (e *Executor) credentials(ctx context.Context, cmd model.ActionCommand) (*model.SSHCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CredentialTimeout)
	defer cancel()
	cred, err := e.creds.GetDeviceCredentials(ctx, cmd.DeviceHostname)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for %s: %w", cmd.DeviceHostname, err)
	}
	c := *cred
	if c.Address == "" {
		host := cmd.DeviceIP
		if host == "" {
			host = cmd.DeviceHostname
		}
		c.Address = net.JoinHostPort(host, "22")
	}
	return &c, nil
}

func (e *Executor) seenBefore(actionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen.Contains(actionID) {
		return true
	}
	e.seen.Add(actionID, struct{}{})
	return false
}

// Handle runs cmd under the global and per-device limits and publishes its
// result. Duplicate action ids are dropped.
func (e *Executor) Handle(ctx context.Context, cmd model.ActionCommand) {
	if e.seenBefore(cmd.ActionID) {
		e.metrics.DuplicatesDropped.WithLabelValues("executor").Inc()
		e.logger.Debug("Duplicate command ignored", "action_id", cmd.ActionID)
		return
	}

	dev := e.deviceSem(cmd.DeviceHostname)
	var result model.ActionResult
	if err := dev.Acquire(ctx, 1); err != nil {
		result = e.abandoned(cmd, err)
	} else if err := e.global.Acquire(ctx, 1); err != nil {
		dev.Release(1)
		result = e.abandoned(cmd, err)
	} else {
		result = e.Execute(ctx, cmd)
		e.global.Release(1)
		dev.Release(1)
	}
	e.publish(ctx, result)
}

// abandoned is the result of a command that never got a slot
func (e *Executor) abandoned(cmd model.ActionCommand, err error) model.ActionResult {
	e.metrics.CommandResults.WithLabelValues(string(model.ResultFailure)).Inc()
	return model.ActionResult{
		ActionID:    cmd.ActionID,
		Status:      model.ResultFailure,
		ExitCode:    -1,
		Error:       "executor shutting down: " + err.Error(),
		CompletedAt: time.Now().UTC(),
	}
}

// abandonQueued reports cmds and every command still queued as failed, so
// none is left without a result at shutdown
func (e *Executor) abandonQueued(ctx context.Context, q *bus.Queue, cmds ...model.ActionCommand) {
	for m, ok := q.TryPop(); ok; m, ok = q.TryPop() {
		var cmd model.ActionCommand
		if err := e.validator.Decode(schema.KindActionCommand, m.Data, &cmd); err != nil {
			e.metrics.InvalidEnvelopes.WithLabelValues("executor").Inc()
			continue
		}
		cmds = append(cmds, cmd)
	}

	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	reported := 0
	for _, cmd := range cmds {
		if e.seenBefore(cmd.ActionID) {
			continue
		}
		e.publish(ctx, e.abandoned(cmd, cause))
		reported++
	}
	if reported > 0 {
		e.logger.Warn("Abandoned queued commands at shutdown", "count", reported)
	}
}

func (e *Executor) publish(ctx context.Context, r model.ActionResult) {
	data, err := json.Marshal(r)
	if err != nil {
		e.logger.Error("Failed to marshal action result", "action_id", r.ActionID, "error", err)
		return
	}
	// results are still reported while shutting down
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.bus.Publish(pubCtx, bus.TopicActionsResults, data, map[string]string{"x-action-id": r.ActionID}); err != nil {
		e.metrics.BusPublishErrors.WithLabelValues("executor").Inc()
		e.logger.Error("Failed to publish action result", "action_id", r.ActionID, "error", err)
	}
}

// Run consumes actions.execute until ctx is cancelled or the bus is lost,
// then waits for running commands to report
func (e *Executor) Run(ctx context.Context) error {
	q := bus.NewQueue(e.cfg.QueueSize, bus.Block)
	defer q.Close()

	sub, err := e.bus.Subscribe(bus.TopicActionsExecute, func(m *bus.Message) { _ = q.Push(ctx, m) })
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.TopicActionsExecute, err)
	}
	defer sub.Unsubscribe()

	e.logger.Info("Executor started", "max_concurrent", e.cfg.MaxConcurrent, "per_device", e.cfg.PerDeviceLimit, "allowlist_entries", e.allowlist.Load().Len())

	// bounds goroutines waiting for a slot
	pending := semaphore.NewWeighted(e.cfg.MaxConcurrent * 4)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		e.logger.Info("Executor stopped")
	}()

	closed := e.bus.Closed()
	for {
		select {
		case <-ctx.Done():
			_ = sub.Unsubscribe()
			e.abandonQueued(ctx, q)
			return nil
		case <-closed:
			return bus.ErrBusDisconnected
		case <-q.Ready():
			for m, ok := q.TryPop(); ok; m, ok = q.TryPop() {
				var cmd model.ActionCommand
				if err := e.validator.Decode(schema.KindActionCommand, m.Data, &cmd); err != nil {
					e.metrics.InvalidEnvelopes.WithLabelValues("executor").Inc()
					e.logger.Warn("Dropping invalid action command", "error", err)
					continue
				}
				if err := pending.Acquire(ctx, 1); err != nil {
					_ = sub.Unsubscribe()
					e.abandonQueued(ctx, q, cmd)
					return nil
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer pending.Release(1)
					e.Handle(ctx, cmd)
				}()
			}
		}
	}
}
