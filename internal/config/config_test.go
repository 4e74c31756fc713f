package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
app:
  name: stocksync
  environment: test
device:
  id: device-test-1
database:
  path: data/queue.db
remote:
  base_url: https://api.example.com
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, models.DefaultMaxQueueSize, cfg.Database.MaxQueueSize)
	assert.Equal(t, models.DefaultBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, models.DefaultMaxRetries, cfg.Sync.MaxRetries)
	assert.Equal(t, models.StrategyManual, cfg.Resolution.Default)
	assert.Equal(t, models.StrategyMerge, cfg.Resolution.PerEntity[models.EntityInventoryCount])
	assert.Equal(t, []string{"quantity"}, cfg.Resolution.QuantityFields)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)

	assert.Equal(t, models.DefaultDwellTime, cfg.DwellTime())
	assert.Equal(t, models.DefaultInitialBackoff, cfg.InitialBackoff())
	assert.Equal(t, models.DefaultMaxBackoff, cfg.MaxBackoff())
	assert.Equal(t, models.DefaultRetention, cfg.RetentionMaxAge())
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
network:
  heartbeat_interval: 2s
  dwell_time: 750ms
sync:
  initial_backoff: 500ms
  max_backoff: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 750*time.Millisecond, cfg.DwellTime())
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff())
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SYNC_TEST_DEVICE", "device-from-env")

	cfg, err := Load(writeConfig(t, `
device:
  id: ${SYNC_TEST_DEVICE}
database:
  path: data/queue.db
remote:
  base_url: https://api.example.com
`))
	require.NoError(t, err)
	assert.Equal(t, "device-from-env", cfg.Device.ID)
}

func TestValidateRejectsMissingDevice(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: data/queue.db
remote:
  base_url: https://api.example.com
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device id")
}

func TestValidateRejectsOversizedBatch(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
sync:
  batch_size: 250
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remote limit")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
resolution:
  per_entity:
    product: latest_wins
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resolution strategy")
}

func TestValidateRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
network:
  dwell_time: half-a-second
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
