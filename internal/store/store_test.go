package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Records {
	t.Helper()
	mem, err := NewMemoryStore(100, 100)
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "netsentry.db")
	sqlite, err := NewSQLStore(context.Background(), DriverSQLite, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Records{"memory": mem, "sqlite": sqlite}
}

func sampleFinding() model.AgentFinding {
	return model.AgentFinding{
		FindingID:        "f-1",
		AgentName:        "wifi",
		FindingTS:        time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		DeviceHostname:   "R1",
		DeviceIP:         "10.0.0.5",
		Severity:         model.SeverityWarning,
		FindingType:      "HighAuthFailureRate",
		Description:      "5 auth failures on R1",
		Details:          map[string]string{"interface": "wlan0"},
		EvidenceEventIDs: []string{"e1", "e2"},
	}
}

func sampleAction(id string, step int) model.IntendedAction {
	return model.IntendedAction{
		ActionID:        id,
		FindingID:       "f-1",
		PlaybookID:      "auth-remediate",
		StepIndex:       step,
		Status:          model.ActionPending,
		ActionType:      "diagnose",
		ResolvedCommand: "ping -c 3 10.0.0.5",
		DeviceHostname:  "R1",
		DeviceIP:        "10.0.0.5",
		ScheduledAt:     time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

func TestRecords_Findings(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := sampleFinding()
			require.NoError(t, s.SaveFinding(ctx, f))
			require.NoError(t, s.SaveFinding(ctx, f), "saving twice is idempotent")

			got, err := s.GetFinding(ctx, "f-1")
			require.NoError(t, err)
			assert.Equal(t, f, *got)

			_, err = s.GetFinding(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRecords_ActionLifecycle(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveIntendedAction(ctx, sampleAction("a-2", 1)))
			require.NoError(t, s.SaveIntendedAction(ctx, sampleAction("a-1", 0)))

			require.NoError(t, s.UpdateIntendedAction(ctx, "a-1", model.ActionDispatched, ""))
			require.NoError(t, s.UpdateIntendedAction(ctx, "a-1", model.ActionSucceeded, `{"status":"success"}`))
			require.NoError(t, s.UpdateIntendedAction(ctx, "a-2", model.ActionSkipped, "skipped"))

			actions, err := s.ListActions(ctx, "f-1")
			require.NoError(t, err)
			require.Len(t, actions, 2)
			assert.Equal(t, "a-1", actions[0].ActionID)
			assert.Equal(t, model.ActionSucceeded, actions[0].Status)
			assert.Equal(t, `{"status":"success"}`, actions[0].Result)
			assert.NotNil(t, actions[0].ExecutedAt)
			assert.Equal(t, sampleAction("a-1", 0).ScheduledAt, actions[0].ScheduledAt)
			assert.Equal(t, model.ActionSkipped, actions[1].Status)

			empty, err := s.ListActions(ctx, "other")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestRecords_UpdateErrors(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, s.UpdateIntendedAction(ctx, "missing", model.ActionFailed, ""), ErrNotFound)

			require.NoError(t, s.SaveIntendedAction(ctx, sampleAction("a-1", 0)))
			require.NoError(t, s.UpdateIntendedAction(ctx, "a-1", model.ActionFailed, "timeout"))
			assert.ErrorIs(t, s.UpdateIntendedAction(ctx, "a-1", model.ActionSucceeded, ""), ErrInvalidTransition)

			// a terminal status may be re-recorded with a new result
			require.NoError(t, s.UpdateIntendedAction(ctx, "a-1", model.ActionFailed, "timeout; late result"))
			actions, err := s.ListActions(ctx, "f-1")
			require.NoError(t, err)
			require.Len(t, actions, 1)
			assert.Equal(t, "timeout; late result", actions[0].Result)
		})
	}
}

func TestMemoryStore_RingEvictsOldest(t *testing.T) {
	s, err := NewMemoryStore(2, 10)
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"f-1", "f-2", "f-3"} {
		f := sampleFinding()
		f.FindingID = id
		require.NoError(t, s.SaveFinding(ctx, f))
	}

	_, err = s.GetFinding(ctx, "f-1")
	assert.ErrorIs(t, err, ErrNotFound)
	got := s.Findings()
	require.Len(t, got, 2)
	assert.Equal(t, "f-2", got[0].FindingID)
	assert.Equal(t, "f-3", got[1].FindingID)
	assert.Equal(t, 2, s.GetStats()["total_findings"])
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", rebind(DriverPostgres, q))
	assert.Equal(t, q, rebind(DriverSQLite, q))
}

func TestNewSQLStore_RejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLStore(context.Background(), "mysql", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unsupported")
}

func TestCombine(t *testing.T) {
	mem, err := NewMemoryStore(1, 1)
	require.NoError(t, err)
	p := Combine(mem, staticDefinitions{})

	defs, err := p.GetAgentDefinitions(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	require.NoError(t, p.SaveFinding(context.Background(), sampleFinding()))
}

type staticDefinitions struct{}

func (staticDefinitions) GetAgentDefinitions(context.Context) ([]model.AgentDefinition, error) {
	return []model.AgentDefinition{{Name: "wifi", Type: model.SourceWiFi}}, nil
}

func (staticDefinitions) GetDeviceCredentials(_ context.Context, id string) (*model.SSHCredential, error) {
	return &model.SSHCredential{DeviceID: id}, nil
}
