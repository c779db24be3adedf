package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/internal/queue"
	"github.com/testplanit/issuebridge/pkg/domain"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8090", config.HTTPAddress)
	assert.Equal(t, "localhost:6379", config.RedisAddr)
	assert.Equal(t, managers.DefaultSyncSchedule, config.SyncSchedule)
	assert.Equal(t, managers.DefaultSyncBatchSize, config.SyncBatchSize)
	assert.Equal(t, managers.DefaultSyncBatchDelay, config.SyncBatchDelay)
	assert.Equal(t, 5, config.WorkerConcurrency)
	assert.Equal(t, queue.DefaultStallTimeout, config.WorkerStallTimeout)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.Empty(t, config.APIPublicKeys)
	assert.Empty(t, config.OAuthClients())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ISSUEBRIDGE_DATABASE_URL", "postgres://localhost/issuebridge")
	t.Setenv("ISSUEBRIDGE_ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("ISSUEBRIDGE_API_PUBLIC_KEYS", "key-a, key-b")
	t.Setenv("ISSUEBRIDGE_RATE_LIMIT_DELAY", "250ms")
	t.Setenv("ISSUEBRIDGE_WORKER_CONCURRENCY", "8")
	t.Setenv("ISSUEBRIDGE_WORKER_STALL_TIMEOUT", "1m")
	t.Setenv("ISSUEBRIDGE_SYNC_BATCH_DELAY", "250ms")
	t.Setenv("ISSUEBRIDGE_GITHUB_CLIENT_ID", "gh-client")
	t.Setenv("ISSUEBRIDGE_GITHUB_CLIENT_SECRET", "gh-secret")

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/issuebridge", config.DatabaseURL)
	assert.Equal(t, []string{"key-a", "key-b"}, config.APIPublicKeys)
	assert.Equal(t, 250*time.Millisecond, config.AdapterOptions().RateLimitDelay)
	assert.Equal(t, 8, config.WorkerConcurrency)
	assert.Equal(t, time.Minute, config.WorkerStallTimeout)
	assert.Equal(t, 250*time.Millisecond, config.SyncBatchDelay)

	clients := config.OAuthClients()
	require.Contains(t, clients, domain.IntegrationProvider_GitHub)
	assert.Equal(t, "gh-secret", clients[domain.IntegrationProvider_GitHub].ClientSecret)
	assert.NotContains(t, clients, domain.IntegrationProvider_Jira)

	assert.NoError(t, config.Validate(true))
}

func TestValidate(t *testing.T) {
	config := &Config{RedisAddr: "localhost:6379"}

	err := config.Validate(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISSUEBRIDGE_DATABASE_URL")
	assert.Contains(t, err.Error(), "ISSUEBRIDGE_ENCRYPTION_SECRET")
	assert.NotContains(t, err.Error(), "ISSUEBRIDGE_API_PUBLIC_KEYS")

	config.DatabaseURL = "postgres://localhost/issuebridge"
	config.EncryptionSecret = "secret"
	assert.NoError(t, config.Validate(false))

	err = config.Validate(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISSUEBRIDGE_API_PUBLIC_KEYS")
}
