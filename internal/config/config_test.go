package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchDetectionContract(t *testing.T) {
	cfg := DefaultConfig()
	d := cfg.Detection
	assert.Equal(t, 20, d.MaxRequestsPerWindow)
	assert.Equal(t, 10*time.Second, d.Window)
	assert.Equal(t, 8, d.MaxRequestsPerBurstWindow)
	assert.Equal(t, time.Second, d.BurstWindow)
	assert.Equal(t, 25, d.MaxUniquePathsPerScanWindow)
	assert.Equal(t, time.Minute, d.ScanWindow)
	assert.Equal(t, 4, d.BotScoreThreshold)
	assert.Len(t, d.SensitivePaths, 11)
	assert.Equal(t, BotWeights{2, 3, 1, 1, 2, 2}, d.BotWeights)
	require.NoError(t, Validate(cfg))
}

func TestParseYAMLOverridesDetection(t *testing.T) {
	cfg, err := Parse([]byte(`
service_name: orders-gateway
detection:
  maxRequestsPerWindow: 50
  window: 30s
  burstWindow: 2s
  sensitivePaths: ["/internal"]
  botScoreThreshold: 6
events:
  driver: kafka
  brokers: ["kafka-1:9092"]
  destination: security.events
`))
	require.NoError(t, err)
	assert.Equal(t, "orders-gateway", cfg.ServiceName)
	assert.Equal(t, 50, cfg.Detection.MaxRequestsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.Detection.Window)
	assert.Equal(t, 2*time.Second, cfg.Detection.BurstWindow)
	assert.Equal(t, 8, cfg.Detection.MaxRequestsPerBurstWindow, "unset keys keep defaults")
	assert.Equal(t, []string{"/internal"}, cfg.Detection.SensitivePaths)
	assert.True(t, cfg.Detection.Checks.SQLInjection)
	assert.Equal(t, "security.events", cfg.Consumer.Topic, "consumer follows the event destination")
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"log_level":"debug","detection":{"maxUniquePathsPerScanWindow":10}}`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Detection.MaxUniquePathsPerScanWindow)
}

func TestJSONDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{"detection":{"window":"30s","burstWindow":2000000000},"counters":{"reap_interval":"45s"},"events":{"publish_timeout":"250ms"}}`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Detection.Window)
	assert.Equal(t, 2*time.Second, cfg.Detection.BurstWindow)
	assert.Equal(t, time.Minute, cfg.Detection.ScanWindow, "unset keys keep defaults")
	assert.Equal(t, 20, cfg.Detection.MaxRequestsPerWindow)
	assert.Equal(t, 45*time.Second, cfg.Counters.ReapInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Events.PublishTimeout)

	out, err := json.Marshal(cfg.Detection)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"window":"30s"`)
	assert.Contains(t, string(out), `"maxRequestsPerWindow":20`)

	var back DetectionConfig
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, cfg.Detection, back)

	_, err = Parse([]byte(`{"detection":{"window":"soon"}}`))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(""))
	assert.Error(t, err)

	_, err = Parse([]byte("detection:\n  maxRequestsPerWindow: -1\n"))
	assert.ErrorContains(t, err, "maxRequestsPerWindow")

	_, err = Parse([]byte("events:\n  driver: carrier-pigeon\n"))
	assert.ErrorContains(t, err, "events.driver")
}

func TestManagerUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reqguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: a\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	next := *m.Get()
	next.ServiceName = "b"
	require.NoError(t, m.Update(&next))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b", reloaded.ServiceName)
	assert.Equal(t, "b", m.Get().ServiceName)
}

func TestManagerWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reqguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: before\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	require.NoError(t, m.Watch(ctx, func(c *Config) { reloaded <- c }, nil))

	require.NoError(t, os.WriteFile(path, []byte("service_name: after\n"), 0o644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "after", cfg.ServiceName)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, "after", m.Get().ServiceName)
}
