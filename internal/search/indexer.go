package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const DefaultIndexName = "issues"

type IssueGetter interface {
	GetByID(ctx context.Context, id string) (domain.Issue, error)
}

type HTTPIndexerDependencies struct {
	BaseURL    string
	IndexName  string
	APIKey     string
	Issues     IssueGetter
	HTTPClient *http.Client
}

// HTTPIndexer writes mirror rows into an Elasticsearch compatible index with
// PUT /<index>/_doc/<id>.
type HTTPIndexer struct {
	baseURL    string
	indexName  string
	apiKey     string
	issues     IssueGetter
	httpClient *http.Client
}

func NewHTTPIndexer(deps HTTPIndexerDependencies) *HTTPIndexer {
	indexName := deps.IndexName
	if indexName == "" {
		indexName = DefaultIndexName
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPIndexer{
		baseURL:    strings.TrimRight(deps.BaseURL, "/"),
		indexName:  indexName,
		apiKey:     deps.APIKey,
		issues:     deps.Issues,
		httpClient: httpClient,
	}
}

type issueDocument struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	ExternalID     string         `json:"externalId,omitempty"`
	ExternalKey    string         `json:"externalKey,omitempty"`
	ExternalURL    string         `json:"externalUrl,omitempty"`
	ExternalStatus string         `json:"externalStatus,omitempty"`
	IssueType      string         `json:"issueType,omitempty"`
	IntegrationID  string         `json:"integrationId"`
	ProjectID      string         `json:"projectId,omitempty"`
	ExternalData   map[string]any `json:"externalData,omitempty"`
	LastSyncedAt   *time.Time     `json:"lastSyncedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func newIssueDocument(issue domain.Issue) issueDocument {
	return issueDocument{
		ID:             issue.ID,
		Name:           issue.Name,
		Title:          issue.Title,
		Description:    issue.Description,
		Status:         issue.Status,
		Priority:       issue.Priority,
		ExternalID:     issue.ExternalID,
		ExternalKey:    issue.ExternalKey,
		ExternalURL:    issue.ExternalURL,
		ExternalStatus: issue.ExternalStatus,
		IssueType:      issue.IssueTypeName,
		IntegrationID:  issue.IntegrationID,
		ProjectID:      issue.ProjectID,
		ExternalData:   issue.ExternalData,
		LastSyncedAt:   issue.LastSyncedAt,
		UpdatedAt:      issue.UpdatedAt,
	}
}

func (i *HTTPIndexer) IndexIssue(ctx context.Context, issueID string) error {
	issue, err := i.issues.GetByID(ctx, issueID)
	if err != nil {
		return fmt.Errorf("failed to load issue for indexing: %w", err)
	}

	body, err := json.Marshal(newIssueDocument(issue))
	if err != nil {
		return fmt.Errorf("failed to marshal issue document: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/_doc/%s", i.baseURL, url.PathEscape(i.indexName), url.PathEscape(issue.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create index request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+i.apiKey)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to index issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("search index returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	log.Debug().Str("issue_id", issue.ID).Str("index", i.indexName).Msg("Issue indexed")

	return nil
}

// NoopIndexer is used when no search index is configured.
type NoopIndexer struct{}

func (NoopIndexer) IndexIssue(ctx context.Context, issueID string) error { return nil }
