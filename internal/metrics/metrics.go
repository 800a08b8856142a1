package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for every pipeline component
type Metrics struct {
	// classifier
	LinesTotal        prometheus.Counter
	LinesDropped      prometheus.Counter
	AcceptErrors      prometheus.Counter
	ParseFailures     prometheus.Counter
	EventsByDomain    *prometheus.CounterVec
	BusPublishErrors  *prometheus.CounterVec
	InvalidEnvelopes  *prometheus.CounterVec
	QueueDropped      *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec

	// agents
	EventsProcessed *prometheus.CounterVec
	FindingsEmitted *prometheus.CounterVec
	RuleErrors      *prometheus.CounterVec
	AgentState      *prometheus.GaugeVec
	ActiveWindows   *prometheus.GaugeVec

	// orchestrator
	FindingsReceived      prometheus.Counter
	FindingsSuppressed    prometheus.Counter
	PlaybookMisses        prometheus.Counter
	ActionsDispatched     prometheus.Counter
	ActionsCompleted      *prometheus.CounterVec
	ActionTimeouts        prometheus.Counter
	PersistenceFailures   *prometheus.CounterVec
	PersistenceDataLoss   prometheus.Counter
	TemplateErrors        prometheus.Counter
	InFlightActions       prometheus.Gauge
	CooldownEntriesActive prometheus.Gauge

	// executor
	CommandsRejected prometheus.Counter
	CommandResults   *prometheus.CounterVec
	SSHAttempts      *prometheus.CounterVec
	CommandDuration  prometheus.Histogram
}

// NewMetrics creates the metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_classifier_lines_total",
			Help: "Total number of raw log lines received",
		}),
		LinesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_classifier_lines_dropped_total",
			Help: "Total number of raw log lines dropped because the ingest buffer was full",
		}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_classifier_accept_errors_total",
			Help: "Total number of failed TCP accepts on the syslog listener",
		}),
		ParseFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_classifier_parse_failures_total",
			Help: "Total number of lines classified as generic because no syslog header matched",
		}),
		EventsByDomain: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_classifier_events_total",
			Help: "Total number of classified events by domain",
		}, []string{"domain"}),
		BusPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_bus_publish_errors_total",
			Help: "Total number of bus publish errors by component",
		}, []string{"component"}),
		InvalidEnvelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_invalid_envelopes_total",
			Help: "Total number of bus envelopes that failed schema validation",
		}, []string{"component"}),
		QueueDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_queue_dropped_total",
			Help: "Total number of messages dropped from a full consumer queue",
		}, []string{"component"}),
		DuplicatesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_duplicates_dropped_total",
			Help: "Total number of redelivered messages ignored by id",
		}, []string{"component"}),

		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_agent_events_processed_total",
			Help: "Total number of events evaluated by an agent",
		}, []string{"agent"}),
		FindingsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_agent_findings_total",
			Help: "Total number of findings emitted by agent and finding type",
		}, []string{"agent", "finding_type"}),
		RuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_agent_rule_errors_total",
			Help: "Total number of isolated rule evaluation failures",
		}, []string{"agent", "rule"}),
		AgentState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netsentry_agent_state",
			Help: "Current agent lifecycle state (1 for the active state)",
		}, []string{"agent", "state"}),
		ActiveWindows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netsentry_agent_active_windows",
			Help: "Number of live sliding windows per agent",
		}, []string{"agent"}),

		FindingsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_findings_total",
			Help: "Total number of findings accepted by the orchestrator",
		}),
		FindingsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_findings_suppressed_total",
			Help: "Total number of findings suppressed by cooldown",
		}),
		PlaybookMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_playbook_misses_total",
			Help: "Total number of findings with no matching playbook",
		}),
		ActionsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_actions_dispatched_total",
			Help: "Total number of action commands published",
		}),
		ActionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_actions_completed_total",
			Help: "Total number of intended actions reaching a terminal status",
		}, []string{"status"}),
		ActionTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_action_timeouts_total",
			Help: "Total number of intended actions failed by deadline",
		}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_persistence_failures_total",
			Help: "Total number of failed persistence attempts by operation",
		}, []string{"op"}),
		PersistenceDataLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_persistence_data_loss_total",
			Help: "Total number of records dropped after exhausting persistence retries",
		}),
		TemplateErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_orchestrator_template_errors_total",
			Help: "Total number of command templates with unresolved placeholders",
		}),
		InFlightActions: f.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_orchestrator_inflight_actions",
			Help: "Number of dispatched actions awaiting a result",
		}),
		CooldownEntriesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "netsentry_orchestrator_cooldown_entries",
			Help: "Number of live cooldown entries",
		}),

		CommandsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_executor_commands_rejected_total",
			Help: "Total number of commands rejected by the allowlist",
		}),
		CommandResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_executor_results_total",
			Help: "Total number of action results by status",
		}, []string{"status"}),
		SSHAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_executor_ssh_attempts_total",
			Help: "Total number of SSH attempts by outcome",
		}, []string{"outcome"}),
		CommandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsentry_executor_command_duration_seconds",
			Help:    "Command execution time including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// NewNop returns metrics registered on a throwaway registry
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
