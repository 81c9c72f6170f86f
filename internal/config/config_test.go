package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "worker:\n  baseURL: http://worker:9000\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "http://127.0.0.1:8090", cfg.Server.PublicURL)
	assert.Equal(t, CompletionCallback, cfg.Worker.Completion)
	assert.Equal(t, 2, cfg.Worker.FailureThreshold)
	assert.Equal(t, 20, cfg.Limits.ActivityCapacity)
	assert.Equal(t, 5, cfg.Limits.MaxConcurrentCap)
	assert.Equal(t, 50, cfg.Limits.RetainStopped)
	assert.Equal(t, 3*time.Second, cfg.Worker.HealthInterval())
	assert.Equal(t, time.Duration(0), cfg.Limits.SessionTimeout())
	assert.Equal(t, "http://127.0.0.1:8090/api/v1/worker", cfg.CallbackURL())
}

func TestLoadReadsYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: 0.0.0.0:9100
  publicURL: http://orchestrator:9100/
worker:
  baseURL: http://worker:9000
  completion: poll
  pollIntervalMs: 500
limits:
  sessionTimeoutMs: 90000
identities:
  proxies: [http://p1:3128, http://p2:3128]
  poolSize: 4
`))
	require.NoError(t, err)

	assert.Equal(t, CompletionPoll, cfg.Worker.Completion)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval())
	assert.Equal(t, 90*time.Second, cfg.Limits.SessionTimeout())
	assert.Equal(t, []string{"http://p1:3128", "http://p2:3128"}, cfg.Identities.Proxies)
	assert.Empty(t, cfg.CallbackURL())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("ORCH_WORKER_BASE_URL", "http://from-env:7000")
	t.Setenv("ORCH_IDENTITIES_FINGERPRINTS", "fp-a,fp-b")
	t.Setenv("ORCH_LIMITS_LAUNCH_QPS", "2.5")

	cfg, err := Load(writeConfig(t, "worker:\n  baseURL: http://from-file:9000\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:7000", cfg.Worker.BaseURL)
	assert.Equal(t, []string{"fp-a", "fp-b"}, cfg.Identities.Fingerprints)
	assert.InDelta(t, 2.5, cfg.Limits.LaunchQPS, 0.0001)
}

func TestLoadRejectsUnknownCompletionMode(t *testing.T) {
	_, err := Load(writeConfig(t, "worker:\n  completion: carrier-pigeon\n"))
	require.Error(t, err)
}
