package base

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type Request struct {
	// Operation names the call in errors and logs, e.g. "get issue".
	Operation string
	Method    string
	// Path is joined to the base URL unless it is already absolute.
	Path  string
	Query url.Values
	// Body is JSON encoded. RawBody wins when both are set.
	Body        any
	RawBody     []byte
	ContentType string
	Headers     map[string]string
}

// Execute runs fn under the adapter's rate limiter and retries failures up to
// maxRetries times, waiting base*2^attempt between attempts. The last error
// is returned unchanged.
func (a *Adapter) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if err := a.ensureUsable(); err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := a.retryDelay * time.Duration(1<<(attempt-1))

			log.Debug().
				Str("provider", string(a.provider)).
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying request")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !retryable(ctx, lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// retryable stops retries once the caller gave up. Every other failure,
// network or non-2xx, is retried the same way.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var unsupported *domain.UnsupportedOperationError
	return !errors.As(err, &unsupported)
}

// MakeRequest performs an authenticated, rate limited and retried HTTP call.
// Non-2xx responses become *domain.TransportError. out may be nil.
func (a *Adapter) MakeRequest(ctx context.Context, request Request, out any) error {
	endpoint, err := a.BuildURL(request.Path, request.Query)
	if err != nil {
		return err
	}

	body := request.RawBody
	if body == nil && request.Body != nil {
		body, err = json.Marshal(request.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", request.Operation, err)
		}
	}

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	var responseBody []byte

	err = a.Execute(ctx, request.Operation, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			contentType := request.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			req.Header.Set("Content-Type", contentType)
		}
		for key, value := range request.Headers {
			req.Header.Set(key, value)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute %s request: %w", request.Operation, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read %s response: %w", request.Operation, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return a.NewTransportError(request.Operation, endpoint, resp.StatusCode, data)
		}

		responseBody = data
		return nil
	})
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", request.Operation, err)
	}

	return nil
}

// BuildURL joins path to the base URL and appends the query.
func (a *Adapter) BuildURL(path string, query url.Values) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if a.baseURL == "" {
			return "", &domain.ConfigurationError{Provider: a.provider, Field: "baseUrl", Message: "base URL is required"}
		}
		raw = a.baseURL + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}

	if len(query) > 0 {
		values := u.Query()
		for key, vals := range query {
			for _, v := range vals {
				values.Add(key, v)
			}
		}
		u.RawQuery = values.Encode()
	}

	return u.String(), nil
}

func (a *Adapter) NewTransportError(operation, endpoint string, statusCode int, body []byte) *domain.TransportError {
	return &domain.TransportError{
		Provider:   a.provider,
		Operation:  operation,
		Endpoint:   endpoint,
		StatusCode: statusCode,
		Body:       string(body),
	}
}

// TransportErrorFromResponse converts an SDK response into a TransportError
// when it carries a non-2xx status. It returns nil for nil or successful
// responses. The body is drained but not closed.
func (a *Adapter) TransportErrorFromResponse(operation string, resp *http.Response) error {
	if resp == nil || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}

	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(resp.Body)
	}

	endpoint := ""
	if resp.Request != nil && resp.Request.URL != nil {
		endpoint = resp.Request.URL.String()
	}

	return a.NewTransportError(operation, endpoint, resp.StatusCode, body)
}
