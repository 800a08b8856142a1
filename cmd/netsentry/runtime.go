package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sgerhart/netsentry/internal/api"
	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/config"
	"github.com/sgerhart/netsentry/internal/definitions"
	"github.com/sgerhart/netsentry/internal/logging"
	"github.com/sgerhart/netsentry/internal/metrics"
	"github.com/sgerhart/netsentry/internal/schema"
	"golang.org/x/sync/errgroup"
)

var (
	restartBackoffInitial = time.Second
	restartBackoffMax     = 30 * time.Second
)

// starter registers a component's goroutines on g
type starter func(ctx context.Context, rt *runtime, g *errgroup.Group) error

// runtime holds what every component of one process shares
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	validator *schema.Validator
	loader    *definitions.Loader
	ops       *api.Server

	mu      sync.Mutex
	shared  *bus.MemoryBus
	closers []io.Closer
}

func newRuntime(configPath, process string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.BusDriver == "memory" && process != "all" {
		return nil, fmt.Errorf("bus-driver memory is only supported by the all command")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, process)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema validator: %w", err)
	}

	loader := definitions.NewLoader(cfg.DefinitionsPath, logger)
	snap, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions: %w", err)
	}

	logger.Info("Configuration loaded",
		"config_file", cfg.ConfigPath,
		"bus_driver", cfg.BusDriver,
		"store_driver", cfg.StoreDriver,
		"definitions", cfg.DefinitionsPath,
		"agents", len(snap.Agents),
		"playbooks", len(snap.Playbooks),
		"allowlist_entries", len(snap.Allowlist),
		"devices", len(snap.Devices))

	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   metrics.NewMetrics(reg),
		validator: validator,
		loader:    loader,
		ops:       api.NewServer(reg, logger),
	}
	if cfg.BusDriver == "memory" {
		rt.shared = bus.NewMemoryBus()
		rt.addCloser(rt.shared)
		rt.ops.AddCheck("bus", busCheck(rt.shared))
	}
	return rt, nil
}

// bus returns the bus for one component: the shared in-process bus, or a
// dedicated NATS connection named after the component
func (rt *runtime) bus(component string) (bus.Bus, error) {
	if rt.shared != nil {
		return rt.shared, nil
	}
	b, err := bus.NewNATSBus(bus.NATSConfig{
		URL:               rt.cfg.NATSURL,
		Name:              "netsentry-" + component,
		MaxReconnects:     rt.cfg.NATSMaxReconnects,
		ReconnectWait:     rt.cfg.NATSReconnectWait,
		ReconnectBufSize:  rt.cfg.NATSReconnectBuffer,
		CompressThreshold: rt.cfg.NATSCompressOver,
	}, rt.logger.With("component", component))
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s to NATS: %w", component, err)
	}
	rt.addCloser(b)
	rt.ops.AddCheck("bus-"+component, busCheck(b))
	return b, nil
}

func (rt *runtime) addCloser(c io.Closer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closers = append(rt.closers, c)
}

// close releases resources in reverse order of acquisition
func (rt *runtime) close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.Warn("Failed to close resource", "error", err)
		}
	}
	rt.closers = nil
}

// run starts the ops server, the definitions watcher and every component,
// then blocks until all of them return
func (rt *runtime) run(ctx context.Context, starters ...starter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range starters {
		if err := s(gctx, rt, g); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	g.Go(func() error { return rt.ops.ListenAndServe(gctx, rt.cfg.OpsAddr) })
	if rt.cfg.DefinitionsWatch {
		g.Go(func() error { return rt.loader.Watch(gctx, rt.cfg.DefinitionsDebounce) })
	}

	err := g.Wait()
	rt.logger.Info("Shutdown complete")
	return err
}

// supervise reruns fn after a lost bus with exponential backoff. Any other
// error ends supervision.
func supervise(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	backoff := restartBackoffInitial
	for {
		started := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, bus.ErrBusDisconnected) {
			if err != nil {
				return fmt.Errorf("%s failed: %w", name, err)
			}
			return nil
		}
		if time.Since(started) > restartBackoffMax {
			backoff = restartBackoffInitial
		}

		logger.Warn("Bus lost, restarting component", "component", name, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

func busCheck(b bus.Bus) api.Check {
	return func(context.Context) error {
		select {
		case <-b.Closed():
			return bus.ErrBusDisconnected
		default:
			return nil
		}
	}
}
