// Package classifier turns raw device log lines into ParsedLogEvents and routes
// each one to exactly one domain topic.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sgerhart/netsentry/internal/bus"
	"github.com/sgerhart/netsentry/internal/metrics"
)

// DefaultPublishTimeout bounds a single bus publish
const DefaultPublishTimeout = 5 * time.Second

// Service classifies lines and publishes them on logs.<domain>
type Service struct {
	bus            bus.Bus
	logger         *slog.Logger
	metrics        *metrics.Metrics
	publishTimeout time.Duration
	now            func() time.Time
}

// NewService creates a classifier service on b
func NewService(b bus.Bus, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		bus:            b,
		logger:         logger.With("component", "classifier"),
		metrics:        m,
		publishTimeout: DefaultPublishTimeout,
		now:            time.Now,
	}
}

// Ingest classifies one line and publishes it to its domain topic
func (s *Service) Ingest(ctx context.Context, line Line) error {
	s.metrics.LinesTotal.Inc()

	ev, perr := classify(line.Text, line.SourceIP, s.now())
	if perr != nil {
		s.metrics.ParseFailures.Inc()
		s.logger.Debug("Falling back to generic event", "source_ip", line.SourceIP, "error", perr)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	topic := bus.LogsTopic(ev.LogSourceType)
	if err := s.bus.Publish(pubCtx, topic, data, map[string]string{"x-event-id": ev.EventID}); err != nil {
		s.metrics.BusPublishErrors.WithLabelValues("classifier").Inc()
		return fmt.Errorf("failed to publish event %s to %s: %w", ev.EventID, topic, err)
	}

	s.metrics.EventsByDomain.WithLabelValues(string(ev.LogSourceType)).Inc()
	return nil
}

// Run ingests lines until ctx is done or lines is closed. Publish errors are
// logged; logs are a lossy stream.
func (s *Service) Run(ctx context.Context, lines <-chan Line) error {
	s.logger.Info("Classifier started")
	defer s.logger.Info("Classifier stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := s.Ingest(ctx, line); err != nil {
				s.logger.Warn("Failed to ingest line", "source_ip", line.SourceIP, "error", err)
			}
		}
	}
}
