package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type IntegrationProvider string

const (
	IntegrationProvider_Jira        IntegrationProvider = "JIRA"
	IntegrationProvider_GitHub      IntegrationProvider = "GITHUB"
	IntegrationProvider_AzureDevOps IntegrationProvider = "AZURE_DEVOPS"
	IntegrationProvider_SimpleURL   IntegrationProvider = "SIMPLE_URL"
)

type IntegrationAuthType string

const (
	IntegrationAuthType_OAuth2              IntegrationAuthType = "OAUTH2"
	IntegrationAuthType_APIKey              IntegrationAuthType = "API_KEY"
	IntegrationAuthType_PersonalAccessToken IntegrationAuthType = "PERSONAL_ACCESS_TOKEN"
	IntegrationAuthType_None                IntegrationAuthType = "NONE"
)

type IntegrationStatus string

const (
	IntegrationStatus_Active   IntegrationStatus = "ACTIVE"
	IntegrationStatus_Inactive IntegrationStatus = "INACTIVE"
	IntegrationStatus_Error    IntegrationStatus = "ERROR"
)

// Integration is a registered external issue tracker.
type Integration struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Provider    IntegrationProvider `json:"provider"`
	AuthType    IntegrationAuthType `json:"auth_type"`
	Status      IntegrationStatus   `json:"status"`
	Settings    map[string]any      `json:"settings"`
	Credentials json.RawMessage     `json:"-"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (i Integration) IsActive() bool {
	return i.Status == IntegrationStatus_Active
}

func (i Integration) HasCredentials() bool {
	trimmed := strings.TrimSpace(string(i.Credentials))
	return trimmed != "" && trimmed != "null" && trimmed != "{}"
}

// SettingString returns a string setting or an empty string.
func (i Integration) SettingString(key string) string {
	return SettingString(i.Settings, key)
}

func SettingString(settings map[string]any, key string) string {
	if settings == nil {
		return ""
	}
	s, _ := settings[key].(string)
	return strings.TrimSpace(s)
}

func SettingBool(settings map[string]any, key string) bool {
	if settings == nil {
		return false
	}
	switch v := settings[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// UserIntegrationAuth is one user's OAuth session for an integration. Token
// fields hold ciphertext.
type UserIntegrationAuth struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	IntegrationID  string     `json:"integration_id"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (a UserIntegrationAuth) IsExpired(now time.Time) bool {
	return a.TokenExpiresAt != nil && a.TokenExpiresAt.Before(now)
}

// OAuthTokens is the plaintext token set exchanged with a provider.
type OAuthTokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// PendingOAuthState is an OAuth state waiting for its callback, stored in the
// integration settings under the state value.
type PendingOAuthState struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AdapterConfig is what an adapter factory receives, derived from the stored
// integration settings.
type AdapterConfig struct {
	IntegrationID string
	Provider      IntegrationProvider
	AuthType      IntegrationAuthType
	BaseURL       string
	Settings      map[string]any

	RateLimitDelay time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

func (c AdapterConfig) Setting(key string) string {
	return SettingString(c.Settings, key)
}
