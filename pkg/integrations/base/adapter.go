// Package base carries what every issue tracker adapter shares: the
// authentication state machine, per-instance rate limiting, retry with
// exponential backoff and authenticated HTTP requests.
package base

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/testplanit/issuebridge/pkg/domain"

	"golang.org/x/time/rate"
)

const (
	DefaultRateLimitDelay = time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRequestTimeout = 30 * time.Second
)

type AuthState int

const (
	AuthState_Unauthenticated AuthState = iota
	AuthState_Authenticating
	AuthState_Authenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthState_Authenticating:
		return "authenticating"
	case AuthState_Authenticated:
		return "authenticated"
	}
	return "unauthenticated"
}

// APIKeyScheme selects how an API key or personal access token is sent.
type APIKeyScheme int

const (
	// APIKeyScheme_Bearer sends "Authorization: Bearer <key>".
	APIKeyScheme_Bearer APIKeyScheme = iota
	// APIKeyScheme_BasicEmptyUser sends Basic auth with an empty username.
	APIKeyScheme_BasicEmptyUser
	// APIKeyScheme_BasicEmail sends Basic auth with the account email as username.
	APIKeyScheme_BasicEmail
	// APIKeyScheme_Token sends "Authorization: token <key>".
	APIKeyScheme_Token
)

type Config struct {
	domain.AdapterConfig

	APIKeyScheme APIKeyScheme
	// Transport is the round tripper under the auth transport. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	// Now is the clock used for token expiry checks.
	Now func() time.Time
}

// Adapter is embedded by provider adapters. Its auth and rate limit state is
// private to the instance, so adapters of different integrations never
// contend with each other.
type Adapter struct {
	provider     domain.IntegrationProvider
	baseURL      string
	apiKeyScheme APIKeyScheme
	maxRetries   int
	retryDelay   time.Duration
	now          func() time.Time

	limiter    *rate.Limiter
	httpClient *http.Client

	mu    sync.Mutex
	state AuthState
	auth  *domain.AuthenticationData
}

// NewAdapter applies defaults to zero values. A negative RateLimitDelay
// disables rate limiting and a negative MaxRetries disables retries.
func NewAdapter(config Config) *Adapter {
	delay := config.RateLimitDelay
	if delay == 0 {
		delay = DefaultRateLimitDelay
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	maxRetries := config.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	retryDelay := config.RetryBaseDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryBaseDelay
	}

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	a := &Adapter{
		provider:     config.Provider,
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		apiKeyScheme: config.APIKeyScheme,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
		now:          now,
		limiter:      rate.NewLimiter(limit, 1),
	}

	a.httpClient = &http.Client{
		Timeout: timeout,
		Transport: &authTransport{
			adapter: a,
			base:    transport,
		},
	}

	return a
}

func (a *Adapter) Provider() domain.IntegrationProvider {
	return a.provider
}

func (a *Adapter) BaseURL() string {
	return a.baseURL
}

// HTTPClient returns a client that injects the adapter's credentials. It does
// not rate limit or retry; wrap calls in Execute for that.
func (a *Adapter) HTTPClient() *http.Client {
	return a.httpClient
}

// Authenticate stores the credentials and runs the provider's validation
// call. A failed validation leaves the adapter unauthenticated.
func (a *Adapter) Authenticate(ctx context.Context, auth domain.AuthenticationData, validate func(ctx context.Context) error) error {
	if err := a.checkAuthenticationData(auth); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = AuthState_Authenticating
	a.auth = &auth
	a.mu.Unlock()

	if validate != nil {
		if err := validate(ctx); err != nil {
			a.mu.Lock()
			a.state = AuthState_Unauthenticated
			a.auth = nil
			a.mu.Unlock()

			return &domain.AuthenticationError{Provider: a.provider, Err: err}
		}
	}

	a.mu.Lock()
	a.state = AuthState_Authenticated
	a.mu.Unlock()

	return nil
}

// IsAuthenticated reports whether the adapter holds valid credentials. An
// expiry in the past moves the adapter back to unauthenticated.
func (a *Adapter) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != AuthState_Authenticated {
		return false
	}

	if a.auth != nil && a.auth.ExpiresAt != nil && !a.auth.ExpiresAt.After(a.now()) {
		a.state = AuthState_Unauthenticated
		return false
	}

	return true
}

func (a *Adapter) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Credentials returns a copy of the stored authentication data.
func (a *Adapter) Credentials() (domain.AuthenticationData, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.auth == nil {
		return domain.AuthenticationData{}, false
	}
	return *a.auth, true
}

func (a *Adapter) Unsupported(operation string) error {
	return &domain.UnsupportedOperationError{Provider: a.provider, Operation: operation}
}

func (a *Adapter) checkAuthenticationData(auth domain.AuthenticationData) error {
	missing := ""

	switch auth.Type {
	case domain.AuthenticationType_OAuth:
		if auth.AccessToken == "" {
			missing = "access token"
		}
	case domain.AuthenticationType_APIKey:
		if auth.APIKey == "" {
			missing = "api key"
		}
		if a.apiKeyScheme == APIKeyScheme_BasicEmail && auth.Email == "" {
			missing = "email"
		}
	case domain.AuthenticationType_Basic:
		if auth.Username == "" || auth.Password == "" {
			missing = "username or password"
		}
	default:
		return &domain.AuthenticationError{Provider: a.provider, Reason: "unsupported authentication type " + string(auth.Type)}
	}

	if missing != "" {
		return &domain.AuthenticationError{Provider: a.provider, Reason: "missing " + missing}
	}

	return nil
}

// ensureUsable rejects calls on an adapter that never authenticated or whose
// token expired. Calls made while authenticating are the validation call.
func (a *Adapter) ensureUsable() error {
	if a.State() == AuthState_Authenticating {
		return nil
	}
	if !a.IsAuthenticated() {
		return &domain.AuthenticationError{Provider: a.provider, Reason: "adapter is not authenticated"}
	}
	return nil
}
