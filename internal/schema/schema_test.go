package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RoundTripsModelTypes(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ev := model.ParsedLogEvent{
		EventID:       "e-1",
		ArrivalTS:     now,
		Message:       "auth fail",
		LogSourceType: model.SourceWiFi,
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var gotEv model.ParsedLogEvent
	require.NoError(t, v.Decode(KindLogEvent, data, &gotEv))
	assert.Equal(t, "e-1", gotEv.EventID)
	assert.Nil(t, gotEv.OriginalTS)

	f := model.AgentFinding{
		FindingID:      "f-1",
		AgentName:      "wifi",
		FindingTS:      now,
		DeviceHostname: "R1",
		Severity:       model.SeverityWarning,
		FindingType:    "HighAuthFailureRate",
	}
	data, err = json.Marshal(f)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(KindFinding, data))

	cmd := model.ActionCommand{
		ActionID:       "a-1",
		DeviceHostname: "R1",
		Command:        "ping -c 3 10.0.0.5",
		TimeoutSeconds: 10,
		IssuedAt:       now,
	}
	data, err = json.Marshal(cmd)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(KindActionCommand, data))

	res := model.ActionResult{ActionID: "a-1", Status: model.ResultRejected, CompletedAt: now}
	data, err = json.Marshal(res)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(KindActionResult, data))
}

func TestValidator_RejectsInvalid(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		kind Kind
		data string
	}{
		{"missing event id", KindLogEvent, `{"arrival_ts":"2026-01-02T03:04:05Z","message":"x","log_source_type":"wifi"}`},
		{"unknown domain", KindLogEvent, `{"event_id":"e","arrival_ts":"2026-01-02T03:04:05Z","message":"x","log_source_type":"dns"}`},
		{"bad severity", KindFinding, `{"finding_id":"f","agent_name":"a","finding_ts":"2026-01-02T03:04:05Z","device_hostname":"R1","severity":"high","finding_type":"X"}`},
		{"empty command", KindActionCommand, `{"action_id":"a","device_hostname":"R1","command":"","timeout_seconds":1,"retry_count":0}`},
		{"bad status", KindActionResult, `{"action_id":"a","status":"done"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.kind, []byte(tt.data))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
			assert.NotEmpty(t, verr.Errors)
		})
	}
}

func TestValidator_MalformedJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.Error(t, v.Validate(KindFinding, []byte(`not json`)))
	assert.Error(t, v.Validate(Kind("bogus"), []byte(`{}`)))
}
