package aggregator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", Config{})
	require.NoError(t, err)
	require.Equal(t, "pasture-aggregator", cfg.Service)
	require.Equal(t, LatestValuePolicyName, cfg.Policy)
	require.Equal(t, DefaultWindowSize, cfg.WindowSize)
	require.Equal(t, []string{"sensor/data/#"}, cfg.Topics)
	require.Equal(t, 10*time.Minute, cfg.Dedup.TTL)
	require.Equal(t, "alerts", cfg.Redis.Stream)
	require.False(t, cfg.Redis.Configured())
	require.Equal(t, Options{WindowSize: 7}, cfg.Options())
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service: pasture-events
policy: graph_event
window_size: 5
max_keys: 1000
dedup:
  ttl: 30s
redis:
  url: redis://localhost:6379/0
guard:
  max_retries: 2
  trip_after: 3
  open_for: 15s
`), 0o600))
	t.Setenv("HOSTNAME", "")
	t.Setenv("WINDOW_SIZE", "9")
	t.Setenv("SUB_TOPICS", "sensor/data/field_1, sensor/data/field_2")

	cfg, err := LoadConfig(path, Config{HTTPAddr: ":8081"})
	require.NoError(t, err)
	require.Equal(t, "pasture-events", cfg.Service)
	require.Equal(t, 9, cfg.WindowSize)
	require.Equal(t, 1000, cfg.MaxKeys)
	require.Equal(t, 30*time.Second, cfg.Dedup.TTL)
	require.Equal(t, []string{"sensor/data/field_1", "sensor/data/field_2"}, cfg.Topics)
	require.True(t, cfg.Redis.Configured())
	require.Equal(t, ":8081", cfg.HTTPAddr)
	require.Equal(t, "pasture-events", cfg.MQTT.ClientID)

	g := cfg.Guard.Options()
	require.Equal(t, 2, g.MaxRetries)
	require.Equal(t, uint32(3), g.TripAfter)
	require.Equal(t, 15*time.Second, g.OpenFor)

	p, err := cfg.LoadPolicy()
	require.NoError(t, err)
	require.Equal(t, GraphEventPolicyName, p.Name())
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig("", Config{Policy: "made_up"})
	require.ErrorContains(t, err, "unknown policy")

	_, err = LoadConfig("", Config{WindowSize: -3})
	require.Error(t, err)

	_, err = LoadConfig("", Config{Influx: InfluxConfig{URL: "http://influx:8086"}})
	require.ErrorContains(t, err, "influx.org")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), Config{})
	require.Error(t, err)
}
