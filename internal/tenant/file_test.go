package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alarm-relay/internal/domain"
)

const tenantsYAML = `
tenants:
  customer-a:
    enabled: true
    priorityRules:
      deviceOverrides:
        meter.01: 1
      deviceProfiles:
        3F_MEDIDOR: 2
      globalDefault: 4
    rateControl:
      batchSize: 5
      delayBetweenBatchesSeconds: 30
      maxRetries: 2
      retryBackoff: linear
      baseDelaySeconds: 15
    telegram:
      botToken: "123:abc"
      chatId: "-1001"
  customer-b:
    enabled: false
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource(t *testing.T) {
	src, err := NewFileSource(writeFile(t, tenantsYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	cfg, err := src.GetTenantConfig(context.Background(), "customer-a")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, domain.PriorityCritical, cfg.PriorityRules.DeviceOverrides["meter.01"])
	assert.Equal(t, domain.PriorityHigh, cfg.PriorityRules.DeviceProfiles["3F_MEDIDOR"])
	require.NotNil(t, cfg.PriorityRules.GlobalDefault)
	assert.Equal(t, domain.PriorityLow, *cfg.PriorityRules.GlobalDefault)
	assert.Equal(t, domain.RateControl{
		BatchSize:                  5,
		DelayBetweenBatchesSeconds: 30,
		MaxRetries:                 2,
		RetryBackoff:               domain.BackoffLinear,
		BaseDelaySeconds:           15,
	}, cfg.RateControl.Resolve(domain.RateControl{}))
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "-1001", cfg.Telegram.ChatID)

	cfg, err = src.GetTenantConfig(context.Background(), "customer-b")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.False(t, cfg.Enabled)

	cfg, err = src.GetTenantConfig(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestFileSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, tenantsYAML)
	src, err := NewFileSource(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tenants: [broken"), 0o600))
	require.Error(t, src.Reload())
	assert.Equal(t, 2, src.Len())
}

func TestNewFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
