package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/internal/queue"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const EnvPrefix = "ISSUEBRIDGE"

type Config struct {
	HTTPAddress string `mapstructure:"http_address"`
	// PublicURL is the externally reachable base URL, used for OAuth
	// redirects.
	PublicURL          string `mapstructure:"public_url"`
	OAuthCompletionURL string `mapstructure:"oauth_completion_url"`

	DatabaseURL      string `mapstructure:"database_url"`
	DatabaseMaxConns int32  `mapstructure:"database_max_conns"`
	EnsureSchema     bool   `mapstructure:"ensure_schema"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisUsername string `mapstructure:"redis_username"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisTLS      bool   `mapstructure:"redis_tls"`

	EncryptionSecret string   `mapstructure:"encryption_secret"`
	APIPublicKeys    []string `mapstructure:"api_public_keys"`

	SearchURL    string `mapstructure:"search_url"`
	SearchIndex  string `mapstructure:"search_index"`
	SearchAPIKey string `mapstructure:"search_api_key"`

	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	WorkerStallTimeout time.Duration `mapstructure:"worker_stall_timeout"`
	SyncSchedule       string        `mapstructure:"sync_schedule"`
	SyncBatchSize      int           `mapstructure:"sync_batch_size"`
	SyncBatchDelay     time.Duration `mapstructure:"sync_batch_delay"`

	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	JiraClientID       string `mapstructure:"jira_client_id"`
	JiraClientSecret   string `mapstructure:"jira_client_secret"`
	GitHubClientID     string `mapstructure:"github_client_id"`
	GitHubClientSecret string `mapstructure:"github_client_secret"`
	AzureClientID      string `mapstructure:"azure_client_id"`
	AzureClientSecret  string `mapstructure:"azure_client_secret"`
}

// LoadConfig reads config.json from the working directory or
// $HOME/.issuebridge, then applies ISSUEBRIDGE_* environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range configKeys {
		envVar := EnvVar(key)
		if err := v.BindEnv(key, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, key)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.issuebridge")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.APIPublicKeys = splitKeys(config.APIPublicKeys)

	return &config, nil
}

var configKeys = []string{
	"http_address",
	"public_url",
	"oauth_completion_url",
	"database_url",
	"database_max_conns",
	"ensure_schema",
	"redis_addr",
	"redis_username",
	"redis_password",
	"redis_db",
	"redis_tls",
	"encryption_secret",
	"api_public_keys",
	"search_url",
	"search_index",
	"search_api_key",
	"worker_concurrency",
	"worker_stall_timeout",
	"sync_schedule",
	"sync_batch_size",
	"sync_batch_delay",
	"rate_limit_delay",
	"max_retries",
	"retry_base_delay",
	"request_timeout",
	"jira_client_id",
	"jira_client_secret",
	"github_client_id",
	"github_client_secret",
	"azure_client_id",
	"azure_client_secret",
}

func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_address", ":8090")
	v.SetDefault("public_url", "http://localhost:8090")
	v.SetDefault("database_max_conns", 10)
	v.SetDefault("ensure_schema", false)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("api_public_keys", []string{})
	v.SetDefault("search_index", "issues")
	v.SetDefault("worker_concurrency", 5)
	v.SetDefault("worker_stall_timeout", queue.DefaultStallTimeout)
	v.SetDefault("sync_schedule", managers.DefaultSyncSchedule)
	v.SetDefault("sync_batch_size", managers.DefaultSyncBatchSize)
	v.SetDefault("sync_batch_delay", managers.DefaultSyncBatchDelay)
	v.SetDefault("rate_limit_delay", 100*time.Millisecond)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("request_timeout", 30*time.Second)
}

// Validate reports every missing required variable at once. The HTTP server
// additionally needs the API signing keys.
func (c *Config) Validate(server bool) error {
	var missingVars []string

	if c.DatabaseURL == "" {
		missingVars = append(missingVars, EnvVar("database_url"))
	}

	if c.RedisAddr == "" {
		missingVars = append(missingVars, EnvVar("redis_addr"))
	}

	if c.EncryptionSecret == "" {
		missingVars = append(missingVars, EnvVar("encryption_secret"))
	}

	if server && len(c.APIPublicKeys) == 0 {
		missingVars = append(missingVars, EnvVar("api_public_keys"))
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required configuration: %s\n\nGenerate secrets with: issuebridge keys", strings.Join(missingVars, ", "))
	}

	return nil
}

func (c *Config) AdapterOptions() managers.AdapterOptions {
	return managers.AdapterOptions{
		RateLimitDelay: c.RateLimitDelay,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		RequestTimeout: c.RequestTimeout,
	}
}

// OAuthClients returns the OAuth applications that have a client id.
func (c *Config) OAuthClients() map[domain.IntegrationProvider]managers.OAuthClientConfig {
	clients := map[domain.IntegrationProvider]managers.OAuthClientConfig{}

	add := func(provider domain.IntegrationProvider, id, secret string) {
		if id != "" {
			clients[provider] = managers.OAuthClientConfig{ClientID: id, ClientSecret: secret}
		}
	}

	add(domain.IntegrationProvider_Jira, c.JiraClientID, c.JiraClientSecret)
	add(domain.IntegrationProvider_GitHub, c.GitHubClientID, c.GitHubClientSecret)
	add(domain.IntegrationProvider_AzureDevOps, c.AzureClientID, c.AzureClientSecret)

	return clients
}

// splitKeys accepts both a list and a single comma separated value.
func splitKeys(values []string) []string {
	var keys []string
	for _, value := range values {
		for _, key := range strings.Split(value, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys
}
