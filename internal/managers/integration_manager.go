package managers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const SettingKey_BaseURL = "baseUrl"

// AdapterOptions are the transport defaults applied to every adapter.
type AdapterOptions struct {
	RateLimitDelay time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type IntegrationManagerDependencies struct {
	IntegrationRepository domain.IntegrationRepository
	AuthRepository        domain.UserIntegrationAuthRepository
	EncryptionKey         EncryptionKey
	AdapterOptions        AdapterOptions
}

type providerRegistration struct {
	factory domain.AdapterFactory
	schema  *jsonschema.Schema
}

// IntegrationManager builds, authenticates and caches one adapter per
// integration.
type IntegrationManager struct {
	integrations domain.IntegrationRepository
	auths        domain.UserIntegrationAuthRepository
	key          EncryptionKey
	options      AdapterOptions

	registryMu sync.RWMutex
	registry   map[domain.IntegrationProvider]providerRegistration

	mu       sync.Mutex
	adapters map[string]domain.IssueAdapter
}

func NewIntegrationManager(deps IntegrationManagerDependencies) *IntegrationManager {
	return &IntegrationManager{
		integrations: deps.IntegrationRepository,
		auths:        deps.AuthRepository,
		key:          deps.EncryptionKey,
		options:      deps.AdapterOptions,
		registry:     make(map[domain.IntegrationProvider]providerRegistration),
		adapters:     make(map[string]domain.IssueAdapter),
	}
}

func (m *IntegrationManager) Register(provider domain.IntegrationProvider, factory domain.AdapterFactory) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	registration := m.registry[provider]
	registration.factory = factory
	m.registry[provider] = registration
}

// RegisterSettingsSchema compiles the JSON schema used by ValidateIntegration.
func (m *IntegrationManager) RegisterSettingsSchema(provider domain.IntegrationProvider, schema string) error {
	compiled, err := jsonschema.CompileString(fmt.Sprintf("%s.settings.json", strings.ToLower(string(provider))), schema)
	if err != nil {
		return fmt.Errorf("failed to compile %s settings schema: %w", provider, err)
	}

	m.registryMu.Lock()
	defer m.registryMu.Unlock()

	registration := m.registry[provider]
	registration.schema = compiled
	m.registry[provider] = registration

	return nil
}

func (m *IntegrationManager) Providers() []domain.IntegrationProvider {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	providers := make([]domain.IntegrationProvider, 0, len(m.registry))
	for provider, registration := range m.registry {
		if registration.factory != nil {
			providers = append(providers, provider)
		}
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	return providers
}

func (m *IntegrationManager) registration(provider domain.IntegrationProvider) (providerRegistration, bool) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	registration, ok := m.registry[provider]
	return registration, ok && registration.factory != nil
}

// GetAdapter returns the cached adapter of an integration, building and
// authenticating it on first use.
func (m *IntegrationManager) GetAdapter(ctx context.Context, integrationID string) (domain.IssueAdapter, error) {
	m.mu.Lock()
	adapter, ok := m.adapters[integrationID]
	m.mu.Unlock()

	if ok {
		return adapter, nil
	}

	integration, err := m.loadIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	if !integration.IsActive() {
		return nil, fmt.Errorf("integration %s: %w", integrationID, domain.ErrIntegrationInactive)
	}

	adapter, err = m.buildAdapter(ctx, integration)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.adapters[integrationID]; ok {
		return existing, nil
	}
	m.adapters[integrationID] = adapter

	log.Info().
		Str("integration_id", integrationID).
		Str("provider", string(integration.Provider)).
		Msg("Adapter initialized")

	return adapter, nil
}

func (m *IntegrationManager) ClearAdapter(integrationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.adapters, integrationID)
}

func (m *IntegrationManager) ClearAllAdapters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adapters = make(map[string]domain.IssueAdapter)
}

// ValidateIntegration checks the settings against the provider schema, then
// authenticates a fresh, uncached adapter and runs its configuration checks.
// Every problem found is reported, not just the first.
func (m *IntegrationManager) ValidateIntegration(ctx context.Context, integrationID string) (ValidationResult, error) {
	integration, err := m.loadIntegration(ctx, integrationID)
	if err != nil {
		return ValidationResult{}, err
	}

	var problems []string

	registration, ok := m.registration(integration.Provider)
	if !ok {
		return ValidationResult{Errors: []string{fmt.Sprintf("no adapter registered for provider %s", integration.Provider)}}, nil
	}

	if registration.schema != nil {
		problems = append(problems, validateSettings(registration.schema, integration.Settings)...)
	}

	adapter, err := m.buildAdapter(ctx, integration)
	if err != nil {
		problems = append(problems, err.Error())
	} else if validator, ok := domain.AsConfigurationValidator(adapter); ok {
		problems = append(problems, validator.ValidateConfiguration(ctx)...)
	}

	return ValidationResult{Valid: len(problems) == 0, Errors: problems}, nil
}

func (m *IntegrationManager) loadIntegration(ctx context.Context, integrationID string) (domain.Integration, error) {
	integration, err := m.integrations.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Integration{}, &domain.NotFoundError{Resource: "integration", ID: integrationID}
		}
		return domain.Integration{}, fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}
	return integration, nil
}

func (m *IntegrationManager) buildAdapter(ctx context.Context, integration domain.Integration) (domain.IssueAdapter, error) {
	registration, ok := m.registration(integration.Provider)
	if !ok {
		return nil, &domain.NotFoundError{Resource: "adapter", ID: string(integration.Provider)}
	}

	adapter, err := registration.factory(m.adapterConfig(integration))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", integration.Provider, err)
	}

	auth, err := m.resolveCredentials(ctx, integration)
	if err != nil {
		return nil, err
	}

	if err := adapter.Authenticate(ctx, auth); err != nil {
		return nil, err
	}

	return adapter, nil
}

func (m *IntegrationManager) adapterConfig(integration domain.Integration) domain.AdapterConfig {
	return domain.AdapterConfig{
		IntegrationID:  integration.ID,
		Provider:       integration.Provider,
		AuthType:       integration.AuthType,
		BaseURL:        integration.SettingString(SettingKey_BaseURL),
		Settings:       integration.Settings,
		RateLimitDelay: m.options.RateLimitDelay,
		MaxRetries:     m.options.MaxRetries,
		RetryBaseDelay: m.options.RetryBaseDelay,
		RequestTimeout: m.options.RequestTimeout,
	}
}

func (m *IntegrationManager) resolveCredentials(ctx context.Context, integration domain.Integration) (domain.AuthenticationData, error) {
	switch integration.AuthType {
	case domain.IntegrationAuthType_None:
		return domain.AuthenticationData{}, nil

	case domain.IntegrationAuthType_OAuth2:
		session, err := m.auths.GetLatestActive(ctx, integration.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.AuthenticationData{}, &domain.AuthenticationError{Provider: integration.Provider, Reason: "no active OAuth session"}
			}
			return domain.AuthenticationData{}, fmt.Errorf("failed to load OAuth session: %w", err)
		}

		accessToken, err := DecryptString(m.key, session.AccessToken)
		if err != nil {
			return domain.AuthenticationData{}, fmt.Errorf("failed to decrypt access token: %w", err)
		}

		refreshToken, err := DecryptString(m.key, session.RefreshToken)
		if err != nil {
			return domain.AuthenticationData{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}

		return domain.AuthenticationData{
			Type:         domain.AuthenticationType_OAuth,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    session.TokenExpiresAt,
		}, nil

	case domain.IntegrationAuthType_APIKey, domain.IntegrationAuthType_PersonalAccessToken:
		if !integration.HasCredentials() {
			return domain.AuthenticationData{}, &domain.AuthenticationError{Provider: integration.Provider, Reason: "integration has no credentials"}
		}

		credentials, err := DecryptCredentials(m.key, integration.Credentials)
		if err != nil {
			return domain.AuthenticationData{}, err
		}

		return CredentialsToAuthenticationData(integration.Provider, credentials)
	}

	return domain.AuthenticationData{}, &domain.ConfigurationError{Provider: integration.Provider, Field: "authType", Message: fmt.Sprintf("unsupported auth type %q", integration.AuthType)}
}

// CredentialsToAuthenticationData maps the provider specific credential field
// names onto AuthenticationData.
func CredentialsToAuthenticationData(provider domain.IntegrationProvider, credentials map[string]any) (domain.AuthenticationData, error) {
	first := func(keys ...string) string {
		for _, key := range keys {
			if value := domain.SettingString(credentials, key); value != "" {
				return value
			}
		}
		return ""
	}

	var apiKey string
	switch provider {
	case domain.IntegrationProvider_Jira:
		apiKey = first("apiToken", "api_token", "apiKey", "token")
	case domain.IntegrationProvider_GitHub:
		apiKey = first("personalAccessToken", "token", "apiKey", "accessToken")
	case domain.IntegrationProvider_AzureDevOps:
		apiKey = first("personalAccessToken", "pat", "token", "apiKey")
	default:
		apiKey = first("apiKey", "apiToken", "token", "personalAccessToken")
	}

	if apiKey == "" {
		username, password := first("username"), first("password")
		if username != "" && password != "" {
			return domain.AuthenticationData{Type: domain.AuthenticationType_Basic, Username: username, Password: password}, nil
		}
		return domain.AuthenticationData{}, &domain.AuthenticationError{Provider: provider, Reason: "credentials do not contain an API key"}
	}

	return domain.AuthenticationData{
		Type:   domain.AuthenticationType_APIKey,
		APIKey: apiKey,
		Email:  first("email", "username"),
	}, nil
}

func validateSettings(schema *jsonschema.Schema, settings map[string]any) []string {
	// the validator only understands values decoded from JSON
	var document any = map[string]any{}
	if settings != nil {
		if err := remarshal(settings, &document); err != nil {
			return []string{fmt.Sprintf("settings are not valid JSON: %v", err)}
		}
	}

	err := schema.Validate(document)
	if err == nil {
		return nil
	}

	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return []string{err.Error()}
	}

	var problems []string
	collectSchemaErrors(validationErr, &problems)

	return problems
}

// collectSchemaErrors keeps only the leaf causes, which name the offending
// setting.
func collectSchemaErrors(err *jsonschema.ValidationError, problems *[]string) {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		*problems = append(*problems, fmt.Sprintf("settings %s: %s", location, err.Message))
		return
	}

	for _, cause := range err.Causes {
		collectSchemaErrors(cause, problems)
	}
}
