package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrIntegrationInactive  = errors.New("integration is not active")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrAuthentication       = errors.New("authentication failed")
	ErrConfiguration        = errors.New("invalid configuration")
	ErrReconciliation       = errors.New("reconciliation failed")
)

// AuthenticationError reports missing, invalid or expired credentials.
type AuthenticationError struct {
	Provider IntegrationProvider
	Reason   string
	Err      error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed for %s", providerName(e.Provider))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// ConfigurationError reports a missing or malformed integration setting.
type ConfigurationError struct {
	Provider IntegrationProvider
	Field    string
	Message  string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s configuration: %s", providerName(e.Provider), e.Message)
	}
	return fmt.Sprintf("invalid %s configuration: %s: %s", providerName(e.Provider), e.Field, e.Message)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NotFoundError reports an unknown integration, issue or adapter type.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// maxErrorBodyBytes bounds the response body quoted in TransportError messages.
const maxErrorBodyBytes = 512

// TransportError is a non-2xx provider response. Body is the raw response body.
type TransportError struct {
	Provider   IntegrationProvider
	Operation  string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBodyBytes {
		cut := maxErrorBodyBytes
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("%s %s failed: status %d, body: %s", providerName(e.Provider), e.Operation, e.StatusCode, body)
}

// UnsupportedOperationError is returned when a capability flag is false.
type UnsupportedOperationError struct {
	Provider  IntegrationProvider
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", providerName(e.Provider), e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrUnsupportedOperation }

// ReconciliationError means a synced remote issue has no local mirror row.
type ReconciliationError struct {
	IntegrationID string
	RemoteID      string
	Message       string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("failed to reconcile issue %s of integration %s: %s", e.RemoteID, e.IntegrationID, e.Message)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.StatusCode
	}
	return 0
}

func providerName(p IntegrationProvider) string {
	if p == "" {
		return "provider"
	}
	return string(p)
}
