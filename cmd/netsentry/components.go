package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sgerhart/netsentry/internal/agent"
	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/classifier"
	"github.com/sgerhart/netsentry/internal/executor"
	"github.com/sgerhart/netsentry/internal/model"
	"github.com/sgerhart/netsentry/internal/orchestrator"
	"github.com/sgerhart/netsentry/internal/rules"
	"github.com/sgerhart/netsentry/internal/store"
	"golang.org/x/sync/errgroup"
)

const publishTimeout = 5 * time.Second

func runClassifier(ctx context.Context, rt *runtime) error {
	return rt.run(ctx, startClassifier)
}

func runAgents(ctx context.Context, rt *runtime) error {
	return rt.run(ctx, startAgents)
}

func runOrchestrator(ctx context.Context, rt *runtime) error {
	return rt.run(ctx, startOrchestrator)
}

func runExecutor(ctx context.Context, rt *runtime) error {
	return rt.run(ctx, startExecutor)
}

// runAll starts consumers before the classifier so no early syslog line is
// published to an empty bus
func runAll(ctx context.Context, rt *runtime) error {
	return rt.run(ctx, startExecutor, startOrchestrator, startAgents, startClassifier)
}

func startClassifier(ctx context.Context, rt *runtime, g *errgroup.Group) error {
	b, err := rt.bus("classifier")
	if err != nil {
		return err
	}

	l := classifier.NewListener(classifier.ListenerConfig{
		UDPAddr:         rt.cfg.SyslogUDPAddr,
		TCPAddr:         rt.cfg.SyslogTCPAddr,
		LineChannelSize: rt.cfg.SyslogLineBuffer,
		MaxLineSize:     rt.cfg.SyslogMaxLine,
	}, rt.logger, rt.metrics)
	if err := l.Start(); err != nil {
		return fmt.Errorf("failed to start syslog listener: %w", err)
	}

	svc := classifier.NewService(b, rt.logger, rt.metrics)
	g.Go(func() error { return svc.Run(ctx, l.Lines()) })
	g.Go(func() error {
		<-ctx.Done()
		return l.Stop()
	})
	return nil
}

func agentConfig(rt *runtime) agent.Config {
	return agent.Config{
		QueueSize:      rt.cfg.AgentQueueSize,
		GCInterval:     rt.cfg.AgentGCInterval,
		PublishTimeout: publishTimeout,
		BackoffInitial: restartBackoffInitial,
		BackoffMax:     restartBackoffMax,
		Engine: rules.EngineConfig{
			DedupeSize: rt.cfg.DedupeSize,
			DedupeTTL:  rt.cfg.DedupeTTL,
		},
	}
}

// agentSet tracks the running agents so definition reloads can start, stop
// or reconfigure them by name
type agentSet struct {
	rt  *runtime
	bus bus.Bus
	g   *errgroup.Group
	ctx context.Context

	mu      sync.Mutex
	running map[string]*runningAgent
}

type runningAgent struct {
	agent  *agent.Agent
	cancel context.CancelFunc
}

func (s *agentSet) start(def model.AgentDefinition) error {
	a, err := agent.New(def, agentConfig(s.rt), s.bus, s.rt.validator, s.rt.logger, s.rt.metrics)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.running[def.Name] = &runningAgent{agent: a, cancel: cancel}
	s.g.Go(func() error { return a.Run(ctx) })
	return nil
}

// apply reconciles the running agents with defs
func (s *agentSet) apply(defs []model.AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Name] = true
		ra, ok := s.running[def.Name]
		switch {
		case !ok:
			if err := s.start(def); err != nil {
				s.rt.logger.Error("Failed to start agent", "agent", def.Name, "error", err)
				continue
			}
			s.rt.logger.Info("Agent added", "agent", def.Name, "domain", string(def.Type))
		case ra.agent.Domain() != def.Type:
			ra.cancel()
			delete(s.running, def.Name)
			if err := s.start(def); err != nil {
				s.rt.logger.Error("Failed to restart agent", "agent", def.Name, "error", err)
			}
		default:
			if err := ra.agent.Reload(def); err != nil {
				s.rt.logger.Error("Agent reload rejected, keeping current rules", "agent", def.Name, "error", err)
			}
		}
	}
	for name, ra := range s.running {
		if !seen[name] {
			ra.cancel()
			delete(s.running, name)
			s.rt.logger.Info("Agent removed", "agent", name)
		}
	}
}

func startAgents(ctx context.Context, rt *runtime, g *errgroup.Group) error {
	b, err := rt.bus("agent")
	if err != nil {
		return err
	}
	defs, err := rt.loader.GetAgentDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get agent definitions: %w", err)
	}

	set := &agentSet{rt: rt, bus: b, g: g, ctx: ctx, running: make(map[string]*runningAgent)}
	set.mu.Lock()
	for _, def := range defs {
		if err := set.start(def); err != nil {
			set.mu.Unlock()
			return fmt.Errorf("failed to start agent: %w", err)
		}
	}
	set.mu.Unlock()
	if len(defs) == 0 {
		rt.logger.Warn("No agent definitions loaded")
	}

	changes := rt.loader.Subscribe()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				defs, err := rt.loader.GetAgentDefinitions(ctx)
				if err != nil {
					rt.logger.Error("Failed to get agent definitions", "error", err)
					continue
				}
				set.apply(defs)
			}
		}
	})
	return nil
}

// openStore opens the records backend named by store-driver
func openStore(ctx context.Context, rt *runtime) (store.Records, error) {
	switch rt.cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(rt.cfg.StoreMaxFindings, rt.cfg.StoreMaxActions)
	case store.DriverSQLite, store.DriverPostgres:
		return store.NewSQLStore(ctx, rt.cfg.StoreDriver, rt.cfg.StoreDSN, rt.logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", rt.cfg.StoreDriver)
	}
}

func startOrchestrator(ctx context.Context, rt *runtime, g *errgroup.Group) error {
	b, err := rt.bus("orchestrator")
	if err != nil {
		return err
	}
	records, err := openStore(ctx, rt)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	rt.addCloser(records)
	if p, ok := records.(interface{ Ping(context.Context) error }); ok {
		rt.ops.AddCheck("store", p.Ping)
	}
	persistence := store.Combine(records, rt.loader)

	o := orchestrator.New(orchestrator.Config{
		DefaultCooldown:    rt.cfg.DefaultCooldown,
		DefaultStepTimeout: rt.cfg.StepTimeout,
		RetryDelay:         rt.cfg.RetryDelay,
		Grace:              rt.cfg.DeadlineGrace,
		PersistRetries:     rt.cfg.PersistRetries,
		PersistBackoff:     rt.cfg.PersistBackoff,
		PublishTimeout:     publishTimeout,
		DedupeSize:         rt.cfg.DedupeSize,
		DedupeTTL:          rt.cfg.DedupeTTL,
	}, b, rt.loader, persistence, rt.validator, rt.logger, rt.metrics)

	g.Go(func() error { return supervise(ctx, rt.logger, "orchestrator", o.Run) })
	return nil
}

func startExecutor(ctx context.Context, rt *runtime, g *errgroup.Group) error {
	b, err := rt.bus("executor")
	if err != nil {
		return err
	}
	allowlist, err := executor.NewAllowlist(rt.loader.Allowlist())
	if err != nil {
		return fmt.Errorf("invalid allowlist: %w", err)
	}

	runner := executor.NewSSHRunner(executor.SSHConfig{
		ConnectTimeout:        rt.cfg.SSHConnectTimeout,
		MaxOutputBytes:        rt.cfg.SSHMaxOutput,
		KnownHostsFile:        rt.cfg.SSHKnownHosts,
		InsecureIgnoreHostKey: rt.cfg.SSHInsecure,
	})
	if rt.cfg.SSHInsecure {
		rt.logger.Warn("SSH host key verification is disabled")
	}

	ex := executor.New(executor.Config{
		MaxConcurrent:  rt.cfg.MaxConcurrent,
		PerDeviceLimit: rt.cfg.PerDeviceLimit,
		DefaultTimeout: rt.cfg.StepTimeout,
		PublishTimeout: publishTimeout,
		DedupeSize:     rt.cfg.DedupeSize,
		DedupeTTL:      rt.cfg.DedupeTTL,
	}, b, allowlist, rt.loader, runner, rt.validator, rt.logger, rt.metrics)

	changes := rt.loader.Subscribe()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				a, err := executor.NewAllowlist(rt.loader.Allowlist())
				if err != nil {
					rt.logger.Error("Allowlist reload rejected, keeping current entries", "error", err)
					continue
				}
				ex.SetAllowlist(a)
			}
		}
	})
	g.Go(func() error { return supervise(ctx, rt.logger, "executor", ex.Run) })
	return nil
}
