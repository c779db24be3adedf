package base

import (
	"encoding/base64"
	"net/http"

	"github.com/testplanit/issuebridge/pkg/domain"
)

// authTransport sets the Authorization header from whatever credentials the
// adapter holds when the request leaves, so re-authentication takes effect
// without rebuilding SDK clients.
type authTransport struct {
	adapter *Adapter
	base    http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	value, ok := t.adapter.AuthorizationHeader()
	if !ok || req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", value)

	return t.base.RoundTrip(req)
}

// AuthorizationHeader renders the Authorization header value for the stored
// credentials.
func (a *Adapter) AuthorizationHeader() (string, bool) {
	auth, ok := a.Credentials()
	if !ok {
		return "", false
	}

	switch auth.Type {
	case domain.AuthenticationType_OAuth:
		return "Bearer " + auth.AccessToken, true
	case domain.AuthenticationType_Basic:
		return basicAuth(auth.Username, auth.Password), true
	case domain.AuthenticationType_APIKey:
		switch a.apiKeyScheme {
		case APIKeyScheme_BasicEmptyUser:
			return basicAuth("", auth.APIKey), true
		case APIKeyScheme_BasicEmail:
			return basicAuth(auth.Email, auth.APIKey), true
		case APIKeyScheme_Token:
			return "token " + auth.APIKey, true
		default:
			return "Bearer " + auth.APIKey, true
		}
	}

	return "", false
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
