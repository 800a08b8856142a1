package model

import (
	"time"
)

// LogSourceType is the domain a log line was classified into
type LogSourceType string

const (
	SourceWiFi         LogSourceType = "wifi"
	SourceSecurity     LogSourceType = "security"
	SourceHealth       LogSourceType = "health"
	SourceConnectivity LogSourceType = "connectivity"
	SourceGeneric      LogSourceType = "generic"
)

// Domains lists every log source type in routing order
var Domains = []LogSourceType{SourceWiFi, SourceSecurity, SourceHealth, SourceConnectivity, SourceGeneric}

// Valid reports whether t is a known domain
func (t LogSourceType) Valid() bool {
	for _, d := range Domains {
		if d == t {
			return true
		}
	}
	return false
}

// Severity of an agent finding
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParsedLogEvent is a classified log line. It is never mutated after classification.
type ParsedLogEvent struct {
	EventID          string            `json:"event_id"`
	ArrivalTS        time.Time         `json:"arrival_ts"`
	SourceIP         string            `json:"source_ip"`
	OriginalTS       *time.Time        `json:"original_ts"`
	Hostname         string            `json:"hostname"`
	ProcessName      string            `json:"process_name"`
	PID              int               `json:"pid"`
	LogLevel         string            `json:"log_level"`
	Message          string            `json:"message"`
	LogSourceType    LogSourceType     `json:"log_source_type"`
	StructuredFields map[string]string `json:"structured_fields"`
}

// Device returns the key used to identify the emitting device
func (e *ParsedLogEvent) Device() string {
	if e.Hostname != "" {
		return e.Hostname
	}
	return e.SourceIP
}

// AgentFinding is an issue detected by a domain agent
type AgentFinding struct {
	FindingID        string            `json:"finding_id"`
	AgentName        string            `json:"agent_name"`
	FindingTS        time.Time         `json:"finding_ts"`
	DeviceHostname   string            `json:"device_hostname"`
	DeviceIP         string            `json:"device_ip"`
	Severity         Severity          `json:"severity"`
	FindingType      string            `json:"finding_type"`
	Description      string            `json:"description"`
	Details          map[string]string `json:"details"`
	EvidenceEventIDs []string          `json:"evidence_event_ids"`
}

// RuleDefinition is the declarative form of a detection rule as stored by the
// configuration collaborator
type RuleDefinition struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Kind          string   `yaml:"kind" json:"kind"` // threshold-count, pattern-match, flap-detect
	Pattern       string   `yaml:"pattern" json:"pattern"`
	Regex         bool     `yaml:"regex" json:"regex"`
	Field         string   `yaml:"field" json:"field"`     // structured field to match, message when empty
	SubKey        string   `yaml:"sub_key" json:"sub_key"` // structured field that splits windows
	StateField    string   `yaml:"state_field" json:"state_field"`
	WindowSeconds int      `yaml:"window_seconds" json:"window_seconds"`
	Threshold     int      `yaml:"threshold" json:"threshold"`
	Severity      Severity `yaml:"severity" json:"severity"`
	FindingType   string   `yaml:"finding_type" json:"finding_type"`
	Description   string   `yaml:"description" json:"description"`
	DeviceGlobs   []string `yaml:"device_globs" json:"device_globs"`
}

// AgentDefinition describes one domain agent and its rule set
type AgentDefinition struct {
	Name  string           `yaml:"name" json:"name"`
	Type  LogSourceType    `yaml:"type" json:"type"`
	Rules []RuleDefinition `yaml:"rules" json:"rules"`
}

// PlaybookStep is one remediation step
type PlaybookStep struct {
	ActionType      string `yaml:"action_type" json:"action_type"`
	CommandTemplate string `yaml:"command_template" json:"command_template"`
	Description     string `yaml:"description" json:"description"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	RetryCount      int    `yaml:"retry_count" json:"retry_count"`
}

// Playbook maps a finding type to an ordered list of steps
type Playbook struct {
	ID              string         `yaml:"id" json:"id"`
	Name            string         `yaml:"name" json:"name"`
	Trigger         string         `yaml:"trigger" json:"trigger"`
	CooldownSeconds int            `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	Steps           []PlaybookStep `yaml:"steps" json:"steps"`
}

// ActionStatus is the lifecycle state of an IntendedAction
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionDispatched ActionStatus = "dispatched"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
	ActionSkipped    ActionStatus = "skipped"
)

// Terminal reports whether no further transition is possible
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed || s == ActionSkipped
}

// IntendedAction is a planned execution of one playbook step
type IntendedAction struct {
	ActionID        string       `json:"action_id"`
	FindingID       string       `json:"finding_id"`
	PlaybookID      string       `json:"playbook_id"`
	StepIndex       int          `json:"step_index"`
	Status          ActionStatus `json:"status"`
	ActionType      string       `json:"action_type"`
	ResolvedCommand string       `json:"resolved_command"`
	DeviceHostname  string       `json:"device_hostname"`
	DeviceIP        string       `json:"device_ip"`
	ScheduledAt     time.Time    `json:"scheduled_at"`
	ExecutedAt      *time.Time   `json:"executed_at,omitempty"`
	Result          string       `json:"result,omitempty"`
}

// ActionCommand is published on actions.execute, once per IntendedAction dispatch
type ActionCommand struct {
	ActionID          string    `json:"action_id"`
	FindingID         string    `json:"finding_id"`
	DeviceHostname    string    `json:"device_hostname"`
	DeviceIP          string    `json:"device_ip"`
	ActionType        string    `json:"action_type"`
	Command           string    `json:"command"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	RetryCount        int       `json:"retry_count"`
	RetryDelaySeconds int       `json:"retry_delay_seconds"`
	IssuedAt          time.Time `json:"issued_at"`
}

// ResultStatus is the outcome reported by the executor
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailure  ResultStatus = "failure"
	ResultRejected ResultStatus = "rejected"
	ResultTimeout  ResultStatus = "timeout"
)

// ActionResult is published on actions.results, exactly once per ActionCommand
type ActionResult struct {
	ActionID        string       `json:"action_id"`
	Status          ResultStatus `json:"status"`
	ExitCode        int          `json:"exit_code"`
	Stdout          string       `json:"stdout"`
	Stderr          string       `json:"stderr"`
	Truncated       bool         `json:"truncated"`
	Error           string       `json:"error,omitempty"`
	Attempts        int          `json:"attempts"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	CompletedAt     time.Time    `json:"completed_at"`
}

// AllowlistEntry is a permitted command pattern. Every {placeholder} in Pattern
// needs a validator.
type AllowlistEntry struct {
	Pattern    string            `yaml:"pattern" json:"pattern"`
	Validators map[string]string `yaml:"validators" json:"validators"`
}

// SSHCredential is what the executor needs to reach one device
type SSHCredential struct {
	DeviceID       string `json:"device_id"`
	Address        string `json:"address"` // host:port
	Username       string `json:"username"`
	Password       string `json:"-"`
	PrivateKey     []byte `json:"-"`
	Passphrase     string `json:"-"`
	HostKey        string `json:"host_key,omitempty"` // authorized_keys format
	KnownHostsFile string `json:"known_hosts_file,omitempty"`
}
