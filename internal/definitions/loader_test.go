package definitions

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseDefinitions = `
agents:
  - name: wifi
    type: wifi
    rules:
      - id: wifi-auth-fail
        name: Auth failures
        kind: threshold-count
        pattern: auth fail
        window_seconds: 60
        threshold: 5
        severity: warning
        finding_type: HighAuthFailureRate
playbooks:
  - id: auth-remediate
    trigger: HighAuthFailureRate
    cooldown_seconds: 600
    steps:
      - action_type: diagnose
        command_template: "ping -c 3 {device_ip}"
        timeout_seconds: 10
      - action_type: remediate
        command_template: "wifi reload {radio}"
  - id: broken
    trigger: Broken
    steps: []
allowlist:
  - pattern: "ping -c 3 {target}"
    validators:
      target: ip
devices:
  - id: R1
    address: 10.0.0.1:22
    username: admin
    password_env: NETSENTRY_TEST_R1_PASSWORD
  - id: R2
    username: admin
`

func newTestLoader(t *testing.T, path string) *Loader {
	t.Helper()
	return NewLoader(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoader_Load(t *testing.T) {
	t.Setenv("NETSENTRY_TEST_R1_PASSWORD", "secret")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "00-base.yaml"), baseDefinitions)

	l := newTestLoader(t, dir)
	snap, err := l.Load()
	require.NoError(t, err)

	require.Len(t, snap.Agents, 1)
	assert.Equal(t, model.SourceWiFi, snap.Agents[0].Type)
	assert.Equal(t, 5, snap.Agents[0].Rules[0].Threshold)

	pb, ok := l.GetPlaybook("HighAuthFailureRate")
	require.True(t, ok)
	assert.Equal(t, 600, pb.CooldownSeconds)
	assert.Len(t, pb.Steps, 2)
	_, ok = l.GetPlaybook("Broken")
	assert.False(t, ok, "invalid playbooks are skipped")
	_, ok = l.GetPlaybook("UnknownThing")
	assert.False(t, ok)

	cred, err := l.GetDeviceCredentials(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "secret", cred.Password)
	assert.Equal(t, "10.0.0.1:22", cred.Address)

	_, err = l.GetDeviceCredentials(context.Background(), "R2")
	assert.ErrorIs(t, err, ErrUnknownDevice, "device without secrets is skipped")

	assert.Len(t, l.Allowlist(), 1)
}

func TestLoader_LaterFilesOverride(t *testing.T) {
	t.Setenv("NETSENTRY_TEST_R1_PASSWORD", "secret")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "00-base.yaml"), baseDefinitions)
	writeFile(t, filepath.Join(dir, "sub", "10-override.yml"), `
playbooks:
  - id: auth-quick
    trigger: HighAuthFailureRate
    steps:
      - action_type: diagnose
        command_template: uptime
allowlist:
  - pattern: uptime
`)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	l := newTestLoader(t, dir)
	_, err := l.Load()
	require.NoError(t, err)

	pb, ok := l.GetPlaybook("HighAuthFailureRate")
	require.True(t, ok)
	assert.Equal(t, "auth-quick", pb.ID)
	assert.Len(t, l.Allowlist(), 2)
}

func TestLoader_SingleFileAndMultipleDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsentry.yaml")
	writeFile(t, path, `
agents:
  - name: health
    type: health
---
agents:
  - name: security
    type: security
`)
	l := newTestLoader(t, path)
	_, err := l.Load()
	require.NoError(t, err)

	defs, err := l.GetAgentDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "health", defs[0].Name)
	assert.Equal(t, "security", defs[1].Name)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "agentz: []", "agentz"},
		{"bad agent type", "agents:\n  - name: dns\n    type: dns\n", "invalid type"},
		{"bad yaml", "agents: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "defs.yaml")
			writeFile(t, path, tt.content)
			_, err := newTestLoader(t, path).Load()
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := newTestLoader(t, filepath.Join(t.TempDir(), "missing")).Load()
	assert.Error(t, err)
}

func TestLoader_FailedReloadKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defs.yaml")
	writeFile(t, path, "agents:\n  - name: health\n    type: health\n")
	l := newTestLoader(t, path)
	_, err := l.Load()
	require.NoError(t, err)

	writeFile(t, path, "agents: [")
	_, err = l.Load()
	require.Error(t, err)

	defs, err := l.GetAgentDefinitions(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestLoader_PrivateKeyFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keys", "r1"), "-----KEY-----")
	writeFile(t, filepath.Join(dir, "devices.yaml"), `
devices:
  - id: R1
    username: admin
    private_key_file: keys/r1
`)
	l := newTestLoader(t, dir)
	_, err := l.Load()
	require.NoError(t, err)

	cred, err := l.GetDeviceCredentials(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, []byte("-----KEY-----"), cred.PrivateKey)
}

func TestLoader_GetPlaybookReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "defs.yaml"), baseDefinitions)
	l := newTestLoader(t, dir)
	_, err := l.Load()
	require.NoError(t, err)

	pb, _ := l.GetPlaybook("HighAuthFailureRate")
	pb.Steps[0].CommandTemplate = "reboot"
	again, _ := l.GetPlaybook("HighAuthFailureRate")
	assert.Equal(t, "ping -c 3 {device_ip}", again.Steps[0].CommandTemplate)
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "defs.yaml"), "agents:\n  - name: health\n    type: health\n")
	l := newTestLoader(t, dir)
	_, err := l.Load()
	require.NoError(t, err)
	changed := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx, 20*time.Millisecond) }()

	// the watcher registers asynchronously; keep touching until it reloads
	require.Eventually(t, func() bool {
		writeFile(t, filepath.Join(dir, "defs.yaml"), "agents:\n  - name: health\n    type: health\n  - name: wifi\n    type: wifi\n")
		select {
		case <-changed:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	defs, err := l.GetAgentDefinitions(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	cancel()
	assert.NoError(t, <-done)
}
