package managers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	"golang.org/x/oauth2"
	oauth2github "golang.org/x/oauth2/github"
)

const (
	SettingKey_OAuthStates = "oauthStates"
	SettingKey_OAuth       = "oauth"

	DefaultOAuthStateTTL = 10 * time.Minute
	oauthStateBytes      = 32
)

var (
	ErrInvalidOAuthState = errors.New("invalid or expired OAuth state")
	ErrNoRefreshToken    = errors.New("no refresh token available")
)

// RefreshFunc exchanges a refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (domain.OAuthTokens, error)

// AdapterInvalidator drops cached adapters whose credentials changed.
type AdapterInvalidator interface {
	ClearAdapter(integrationID string)
}

// OAuthClientConfig is the OAuth application registered with a provider.
type OAuthClientConfig struct {
	ClientID     string   `json:"clientId" mapstructure:"client_id"`
	ClientSecret string   `json:"clientSecret" mapstructure:"client_secret"`
	Scopes       []string `json:"scopes" mapstructure:"scopes"`
	// AuthURL and TokenURL override the provider endpoints, for self hosted
	// servers.
	AuthURL  string `json:"authUrl,omitempty" mapstructure:"auth_url"`
	TokenURL string `json:"tokenUrl,omitempty" mapstructure:"token_url"`
}

type AuthenticationServiceDependencies struct {
	IntegrationRepository domain.IntegrationRepository
	AuthRepository        domain.UserIntegrationAuthRepository
	EncryptionKey         EncryptionKey
	// OAuthClients are used when an integration carries no client config of
	// its own.
	OAuthClients map[domain.IntegrationProvider]OAuthClientConfig
	Adapters     AdapterInvalidator
	StateTTL     time.Duration
	Now          func() time.Time
}

type AuthenticationService struct {
	integrations domain.IntegrationRepository
	auths        domain.UserIntegrationAuthRepository
	key          EncryptionKey
	clients      map[domain.IntegrationProvider]OAuthClientConfig
	adapters     AdapterInvalidator
	stateTTL     time.Duration
	now          func() time.Time
}

func NewAuthenticationService(deps AuthenticationServiceDependencies) *AuthenticationService {
	stateTTL := deps.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultOAuthStateTTL
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &AuthenticationService{
		integrations: deps.IntegrationRepository,
		auths:        deps.AuthRepository,
		key:          deps.EncryptionKey,
		clients:      deps.OAuthClients,
		adapters:     deps.Adapters,
		stateTTL:     stateTTL,
		now:          now,
	}
}

// GenerateOAuthState stores a random one-shot state for the user and returns
// it. Expired states of the integration are pruned at the same time.
func (s *AuthenticationService) GenerateOAuthState(ctx context.Context, integrationID, userID string) (string, error) {
	buf := make([]byte, oauthStateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	state := hex.EncodeToString(buf)

	now := s.now()
	pending := domain.PendingOAuthState{UserID: userID, ExpiresAt: now.Add(s.stateTTL)}

	if err := s.integrations.PutOAuthState(ctx, integrationID, state, pending, now); err != nil {
		return "", fmt.Errorf("failed to store OAuth state for integration %s: %w", integrationID, err)
	}

	return state, nil
}

// VerifyOAuthState consumes the state and returns the user that created it.
// A state can be verified only once, even by concurrent callbacks.
func (s *AuthenticationService) VerifyOAuthState(ctx context.Context, integrationID, state string) (string, error) {
	pending, err := s.integrations.TakeOAuthState(ctx, integrationID, state)
	if errors.Is(err, domain.ErrNotFound) {
		return "", ErrInvalidOAuthState
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume OAuth state: %w", err)
	}

	if !pending.ExpiresAt.After(s.now()) {
		return "", ErrInvalidOAuthState
	}

	return pending.UserID, nil
}

// AuthorizationURL starts the OAuth flow of a user for an integration.
func (s *AuthenticationService) AuthorizationURL(ctx context.Context, integrationID, userID, redirectURL string) (string, error) {
	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return "", fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}

	config, err := s.oauthConfig(integration, redirectURL)
	if err != nil {
		return "", err
	}

	state, err := s.GenerateOAuthState(ctx, integrationID, userID)
	if err != nil {
		return "", err
	}

	return config.AuthCodeURL(state, authCodeOptions(integration.Provider)...), nil
}

// HandleOAuthCallback verifies the state, exchanges the code and stores the
// tokens for the user that started the flow.
func (s *AuthenticationService) HandleOAuthCallback(ctx context.Context, integrationID, state, code, redirectURL string) (string, error) {
	userID, err := s.VerifyOAuthState(ctx, integrationID, state)
	if err != nil {
		return "", err
	}

	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return "", fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}

	config, err := s.oauthConfig(integration, redirectURL)
	if err != nil {
		return "", err
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return "", &domain.AuthenticationError{Provider: integration.Provider, Reason: "failed to exchange authorization code", Err: err}
	}

	if err := s.StoreTokens(ctx, userID, integrationID, tokensFromOAuth2(token)); err != nil {
		return "", err
	}

	log.Info().
		Str("integration_id", integrationID).
		Str("user_id", userID).
		Msg("OAuth flow completed")

	return userID, nil
}

// StoreTokens replaces the user's active session with a new one. A missing
// expiry is taken from the access token's exp claim when it is a JWT.
func (s *AuthenticationService) StoreTokens(ctx context.Context, userID, integrationID string, tokens domain.OAuthTokens) error {
	if tokens.AccessToken == "" {
		return &domain.AuthenticationError{Reason: "access token is required"}
	}

	if tokens.ExpiresAt == nil {
		tokens.ExpiresAt = jwtExpiry(tokens.AccessToken)
	}

	accessToken, err := EncryptString(s.key, tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	refreshToken, err := EncryptString(s.key, tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := s.now()

	err = s.auths.ReplaceActive(ctx, domain.UserIntegrationAuth{
		ID:             uuid.NewString(),
		UserID:         userID,
		IntegrationID:  integrationID,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		TokenExpiresAt: tokens.ExpiresAt,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}

	s.invalidate(integrationID)

	return nil
}

func (s *AuthenticationService) GetTokens(ctx context.Context, userID, integrationID string) (domain.OAuthTokens, error) {
	session, err := s.auths.GetActive(ctx, userID, integrationID)
	if err != nil {
		return domain.OAuthTokens{}, err
	}

	accessToken, err := DecryptString(s.key, session.AccessToken)
	if err != nil {
		return domain.OAuthTokens{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	refreshToken, err := DecryptString(s.key, session.RefreshToken)
	if err != nil {
		return domain.OAuthTokens{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return domain.OAuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    session.TokenExpiresAt,
	}, nil
}

// RefreshTokens refreshes the user's session with refresh. Providers that do
// not rotate refresh tokens get the previous one carried forward.
func (s *AuthenticationService) RefreshTokens(ctx context.Context, userID, integrationID string, refresh RefreshFunc) (domain.OAuthTokens, error) {
	current, err := s.GetTokens(ctx, userID, integrationID)
	if err != nil {
		return domain.OAuthTokens{}, err
	}

	if current.RefreshToken == "" {
		return domain.OAuthTokens{}, ErrNoRefreshToken
	}

	refreshed, err := refresh(ctx, current.RefreshToken)
	if err != nil {
		return domain.OAuthTokens{}, &domain.AuthenticationError{Reason: "failed to refresh tokens", Err: err}
	}

	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	if err := s.StoreTokens(ctx, userID, integrationID, refreshed); err != nil {
		return domain.OAuthTokens{}, err
	}

	return refreshed, nil
}

// RefreshIntegrationTokens refreshes a session using the integration's own
// OAuth client.
func (s *AuthenticationService) RefreshIntegrationTokens(ctx context.Context, userID, integrationID string) (domain.OAuthTokens, error) {
	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return domain.OAuthTokens{}, fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}

	config, err := s.oauthConfig(integration, "")
	if err != nil {
		return domain.OAuthTokens{}, err
	}

	return s.RefreshTokens(ctx, userID, integrationID, OAuth2Refresher(config))
}

// OAuth2Refresher refreshes tokens against the config's token endpoint.
func OAuth2Refresher(config *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (domain.OAuthTokens, error) {
		expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}

		token, err := config.TokenSource(ctx, expired).Token()
		if err != nil {
			return domain.OAuthTokens{}, err
		}

		return tokensFromOAuth2(token), nil
	}
}

// StoreAPIKey encrypts the credential object onto the integration and marks
// it active.
func (s *AuthenticationService) StoreAPIKey(ctx context.Context, integrationID string, credentials map[string]any) error {
	if len(credentials) == 0 {
		return &domain.ConfigurationError{Field: "credentials", Message: "credentials are required"}
	}

	encrypted, err := EncryptCredentials(s.key, credentials)
	if err != nil {
		return err
	}

	if err := s.integrations.UpdateCredentials(ctx, integrationID, encrypted, domain.IntegrationStatus_Active); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	s.invalidate(integrationID)

	return nil
}

func (s *AuthenticationService) RevokeTokens(ctx context.Context, userID, integrationID string) error {
	if err := s.auths.DeactivateAll(ctx, userID, integrationID); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}

	s.invalidate(integrationID)

	return nil
}

func (s *AuthenticationService) invalidate(integrationID string) {
	if s.adapters != nil {
		s.adapters.ClearAdapter(integrationID)
	}
}

func (s *AuthenticationService) oauthConfig(integration domain.Integration, redirectURL string) (*oauth2.Config, error) {
	endpoint, scopes, ok := providerOAuthEndpoint(integration.Provider)
	if !ok {
		return nil, &domain.ConfigurationError{Provider: integration.Provider, Field: "authType", Message: "provider does not support OAuth"}
	}

	client := s.clients[integration.Provider]
	if raw, ok := integration.Settings[SettingKey_OAuth]; ok {
		var own OAuthClientConfig
		if err := remarshal(raw, &own); err == nil && own.ClientID != "" {
			client = own
		}
	}

	if client.ClientID == "" {
		return nil, &domain.ConfigurationError{Provider: integration.Provider, Field: SettingKey_OAuth, Message: "OAuth client id is not configured"}
	}

	if len(client.Scopes) > 0 {
		scopes = client.Scopes
	}

	if client.AuthURL != "" {
		endpoint.AuthURL = client.AuthURL
	}
	if client.TokenURL != "" {
		endpoint.TokenURL = client.TokenURL
	}

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}, nil
}

func providerOAuthEndpoint(provider domain.IntegrationProvider) (oauth2.Endpoint, []string, bool) {
	switch provider {
	case domain.IntegrationProvider_Jira:
		return oauth2.Endpoint{
			AuthURL:  "https://auth.atlassian.com/authorize",
			TokenURL: "https://auth.atlassian.com/oauth/token",
		}, []string{"read:jira-work", "write:jira-work", "read:jira-user", "offline_access"}, true
	case domain.IntegrationProvider_GitHub:
		return oauth2github.Endpoint, []string{"repo"}, true
	case domain.IntegrationProvider_AzureDevOps:
		return oauth2.Endpoint{
			AuthURL:  "https://app.vssps.visualstudio.com/oauth2/authorize",
			TokenURL: "https://app.vssps.visualstudio.com/oauth2/token",
		}, []string{"vso.work_write"}, true
	}
	return oauth2.Endpoint{}, nil, false
}

func authCodeOptions(provider domain.IntegrationProvider) []oauth2.AuthCodeOption {
	if provider == domain.IntegrationProvider_Jira {
		return []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		}
	}
	return nil
}

func tokensFromOAuth2(token *oauth2.Token) domain.OAuthTokens {
	tokens := domain.OAuthTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		tokens.ExpiresAt = &expiry
	}

	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}

	return tokens
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// came straight from the provider.
func jwtExpiry(accessToken string) *time.Time {
	if strings.Count(accessToken, ".") != 2 {
		return nil
	}

	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	expiry := exp.Time
	return &expiry
}

// remarshal converts loosely typed settings values into a typed struct.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
