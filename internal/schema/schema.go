// Package schema validates bus envelopes at consumer boundaries before they are
// decoded into model types.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind names an envelope type
type Kind string

const (
	KindLogEvent      Kind = "log_event"
	KindFinding       Kind = "finding"
	KindActionCommand Kind = "action_command"
	KindActionResult  Kind = "action_result"
)

const logEventSchema = `{
  "type": "object",
  "required": ["event_id", "arrival_ts", "message", "log_source_type"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "arrival_ts": {"type": "string", "format": "date-time"},
    "original_ts": {"type": ["string", "null"]},
    "source_ip": {"type": "string"},
    "hostname": {"type": "string"},
    "process_name": {"type": "string"},
    "pid": {"type": "integer"},
    "log_level": {"type": "string"},
    "message": {"type": "string"},
    "log_source_type": {"enum": ["wifi", "security", "health", "connectivity", "generic"]},
    "structured_fields": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
  }
}`

const findingSchema = `{
  "type": "object",
  "required": ["finding_id", "agent_name", "finding_ts", "device_hostname", "severity", "finding_type"],
  "properties": {
    "finding_id": {"type": "string", "minLength": 1},
    "agent_name": {"type": "string"},
    "finding_ts": {"type": "string", "format": "date-time"},
    "device_hostname": {"type": "string"},
    "device_ip": {"type": "string"},
    "severity": {"enum": ["info", "warning", "error", "critical"]},
    "finding_type": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "details": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
    "evidence_event_ids": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

const actionCommandSchema = `{
  "type": "object",
  "required": ["action_id", "device_hostname", "command", "timeout_seconds", "retry_count"],
  "properties": {
    "action_id": {"type": "string", "minLength": 1},
    "finding_id": {"type": "string"},
    "device_hostname": {"type": "string", "minLength": 1},
    "device_ip": {"type": "string"},
    "action_type": {"type": "string"},
    "command": {"type": "string", "minLength": 1},
    "timeout_seconds": {"type": "integer", "minimum": 0},
    "retry_count": {"type": "integer", "minimum": 0},
    "retry_delay_seconds": {"type": "integer", "minimum": 0},
    "issued_at": {"type": "string", "format": "date-time"}
  }
}`

const actionResultSchema = `{
  "type": "object",
  "required": ["action_id", "status"],
  "properties": {
    "action_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["success", "failure", "rejected", "timeout"]},
    "exit_code": {"type": "integer"},
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "truncated": {"type": "boolean"},
    "error": {"type": "string"},
    "attempts": {"type": "integer"},
    "execution_time_ms": {"type": "integer"},
    "completed_at": {"type": "string", "format": "date-time"}
  }
}`

// ValidationError lists every schema violation of one envelope
type ValidationError struct {
	Kind   Kind
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s envelope: %s", e.Kind, strings.Join(e.Errors, "; "))
}

// Validator holds compiled schemas for all envelope kinds
type Validator struct {
	schemas map[Kind]*gojsonschema.Schema
}

// NewValidator compiles the envelope schemas
func NewValidator() (*Validator, error) {
	sources := map[Kind]string{
		KindLogEvent:      logEventSchema,
		KindFinding:       findingSchema,
		KindActionCommand: actionCommandSchema,
		KindActionResult:  actionResultSchema,
	}

	v := &Validator{schemas: make(map[Kind]*gojsonschema.Schema, len(sources))}
	for kind, src := range sources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = s
	}
	return v, nil
}

// Validate checks data against the schema for kind
func (v *Validator) Validate(kind Kind, data []byte) error {
	s, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown envelope kind %q", kind)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate %s envelope: %w", kind, err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Kind: kind}
	for _, e := range result.Errors() {
		verr.Errors = append(verr.Errors, e.String())
	}
	return verr
}

// Decode validates data and unmarshals it into out
func (v *Validator) Decode(kind Kind, data []byte, out any) error {
	if err := v.Validate(kind, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s envelope: %w", kind, err)
	}
	return nil
}
