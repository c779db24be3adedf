package simpleurl

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	IssueIDPlaceholder       = "{issueId}"
	quotedIssueIDPlaceholder = `"{issueId}"`
)

// SettingsSchema validates the settings of a Simple URL integration.
const SettingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "baseUrl": {"type": "string", "pattern": "^https?://.*\\{issueId\\}"}
  },
  "required": ["baseUrl"]
}`

// SimpleURLAdapter links issues of trackers without an API. Every operation
// other than building the issue URL is unsupported, and nothing is sent over
// the network.
type SimpleURLAdapter struct {
	urlTemplate string

	mu            sync.Mutex
	authenticated bool
}

func NewSimpleURLAdapter(config domain.AdapterConfig) (domain.IssueAdapter, error) {
	return newSimpleURLAdapter(config)
}

func newSimpleURLAdapter(config domain.AdapterConfig) (*SimpleURLAdapter, error) {
	template := strings.TrimSpace(config.BaseURL)
	if template == "" {
		template = config.Setting("baseUrl")
	}

	if problems := ValidateTemplate(template); len(problems) > 0 {
		return nil, &domain.ConfigurationError{
			Provider: domain.IntegrationProvider_SimpleURL,
			Field:    "baseUrl",
			Message:  strings.Join(problems, "; "),
		}
	}

	return &SimpleURLAdapter{urlTemplate: template}, nil
}

// ValidateTemplate reports why template cannot be used as an issue URL.
func ValidateTemplate(template string) []string {
	if template == "" {
		return []string{"base URL is required"}
	}

	var problems []string

	if !strings.Contains(template, IssueIDPlaceholder) {
		problems = append(problems, fmt.Sprintf("base URL must contain the %s placeholder", IssueIDPlaceholder))
	}

	u, err := url.Parse(BuildIssueURL(template, "1"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, "base URL must be an absolute http or https URL")
	}

	return problems
}

// BuildIssueURL substitutes issueID verbatim for every placeholder, quoted or
// not. Ids that need escaping must be stored escaped.
func BuildIssueURL(template, issueID string) string {
	result := strings.ReplaceAll(template, quotedIssueIDPlaceholder, issueID)
	return strings.ReplaceAll(result, IssueIDPlaceholder, issueID)
}

func (a *SimpleURLAdapter) Provider() domain.IntegrationProvider {
	return domain.IntegrationProvider_SimpleURL
}

func (a *SimpleURLAdapter) Capabilities() domain.IssueAdapterCapabilities {
	return domain.IssueAdapterCapabilities{SyncIssue: true}
}

// Authenticate needs no credentials.
func (a *SimpleURLAdapter) Authenticate(ctx context.Context, auth domain.AuthenticationData) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.authenticated = true
	return nil
}

func (a *SimpleURLAdapter) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.authenticated
}

func (a *SimpleURLAdapter) GetIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return domain.IssueData{}, fmt.Errorf("issue id is required")
	}

	return domain.IssueData{
		ID:       issueID,
		Key:      issueID,
		Title:    issueID,
		Priority: domain.PriorityUndefined,
		URL:      BuildIssueURL(a.urlTemplate, issueID),
	}, nil
}

func (a *SimpleURLAdapter) CreateIssue(ctx context.Context, data domain.CreateIssueData) (domain.IssueData, error) {
	return domain.IssueData{}, a.unsupported("create issue")
}

func (a *SimpleURLAdapter) UpdateIssue(ctx context.Context, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	return domain.IssueData{}, a.unsupported("update issue")
}

func (a *SimpleURLAdapter) DeleteIssue(ctx context.Context, issueID string) error {
	return a.unsupported("delete issue")
}

func (a *SimpleURLAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	return domain.IssueSearchResult{}, a.unsupported("search issues")
}

func (a *SimpleURLAdapter) LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error {
	return a.unsupported("link issue")
}

func (a *SimpleURLAdapter) SyncIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	return a.GetIssue(ctx, issueID)
}

func (a *SimpleURLAdapter) ValidateConfiguration(ctx context.Context) []string {
	return ValidateTemplate(a.urlTemplate)
}

func (a *SimpleURLAdapter) unsupported(operation string) error {
	return &domain.UnsupportedOperationError{Provider: domain.IntegrationProvider_SimpleURL, Operation: operation}
}
