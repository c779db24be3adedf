package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	DefaultIssueTTL    = time.Hour
	DefaultListTTL     = time.Hour
	DefaultMetadataTTL = 2 * time.Hour
	DefaultProjectsTTL = 24 * time.Hour

	warmCacheLimit = domain.MaxSearchLimit
	scanBatchSize  = 100
)

type Options struct {
	IssueTTL    time.Duration
	ListTTL     time.Duration
	MetadataTTL time.Duration
	ProjectsTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		IssueTTL:    DefaultIssueTTL,
		ListTTL:     DefaultListTTL,
		MetadataTTL: DefaultMetadataTTL,
		ProjectsTTL: DefaultProjectsTTL,
	}
}

// IssueCache keeps remote issues, issue lists and provider metadata in Redis
// so repeated reads do not hit the provider API. A miss is reported as a nil
// value with a nil error.
type IssueCache struct {
	client  redis.UniversalClient
	options Options
	now     func() time.Time
}

func NewIssueCache(client redis.UniversalClient, options Options) *IssueCache {
	defaults := DefaultOptions()
	if options.IssueTTL <= 0 {
		options.IssueTTL = defaults.IssueTTL
	}
	if options.ListTTL <= 0 {
		options.ListTTL = defaults.ListTTL
	}
	if options.MetadataTTL <= 0 {
		options.MetadataTTL = defaults.MetadataTTL
	}
	if options.ProjectsTTL <= 0 {
		options.ProjectsTTL = defaults.ProjectsTTL
	}

	return &IssueCache{
		client:  client,
		options: options,
		now:     time.Now,
	}
}

func issueKey(integrationID, externalID string) string {
	return fmt.Sprintf("issue:%s:%s", integrationID, externalID)
}

func issueListKey(integrationID, projectID string) string {
	if projectID == "" {
		return fmt.Sprintf("issues:%s:all", integrationID)
	}
	return fmt.Sprintf("issues:%s:project:%s", integrationID, projectID)
}

func metadataKey(integrationID string) string {
	return fmt.Sprintf("issue-metadata:%s", integrationID)
}

func projectsKey(integrationID string) string {
	return fmt.Sprintf("projects:%s", integrationID)
}

func (c *IssueCache) GetIssue(ctx context.Context, integrationID, externalID string) (*domain.CachedIssue, error) {
	var cached domain.CachedIssue

	found, err := c.getJSON(ctx, issueKey(integrationID, externalID), &cached)
	if err != nil || !found {
		return nil, err
	}

	return &cached, nil
}

func (c *IssueCache) SetIssue(ctx context.Context, integrationID string, issue domain.IssueData) error {
	data, err := json.Marshal(c.cachedIssue(integrationID, issue))
	if err != nil {
		return fmt.Errorf("failed to marshal issue: %w", err)
	}

	if err := c.client.Set(ctx, issueKey(integrationID, issue.ID), data, c.options.IssueTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache issue: %w", err)
	}

	return nil
}

func (c *IssueCache) DeleteIssue(ctx context.Context, integrationID, externalID string) error {
	if err := c.client.Del(ctx, issueKey(integrationID, externalID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached issue: %w", err)
	}
	return nil
}

// GetIssues returns the cached issue list of a project, or of the whole
// integration when projectID is empty.
func (c *IssueCache) GetIssues(ctx context.Context, integrationID, projectID string) ([]domain.CachedIssue, error) {
	var issues []domain.CachedIssue

	found, err := c.getJSON(ctx, issueListKey(integrationID, projectID), &issues)
	if err != nil || !found {
		return nil, err
	}

	return issues, nil
}

// SetIssues writes the list and every issue in it in one pipeline.
func (c *IssueCache) SetIssues(ctx context.Context, integrationID, projectID string, issues []domain.IssueData) error {
	cached := make([]domain.CachedIssue, len(issues))
	for i, issue := range issues {
		cached[i] = c.cachedIssue(integrationID, issue)
	}

	listData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal issue list: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, issueListKey(integrationID, projectID), listData, c.options.ListTTL)

	for _, issue := range cached {
		data, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("failed to marshal issue %s: %w", issue.ID, err)
		}
		pipe.Set(ctx, issueKey(integrationID, issue.ID), data, c.options.IssueTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache issues: %w", err)
	}

	return nil
}

func (c *IssueCache) GetMetadata(ctx context.Context, integrationID string) (*domain.IntegrationMetadata, error) {
	var metadata domain.IntegrationMetadata

	found, err := c.getJSON(ctx, metadataKey(integrationID), &metadata)
	if err != nil || !found {
		return nil, err
	}

	return &metadata, nil
}

func (c *IssueCache) SetMetadata(ctx context.Context, integrationID string, metadata domain.IntegrationMetadata) error {
	if metadata.FetchedAt.IsZero() {
		metadata.FetchedAt = c.now()
	}
	return c.setJSON(ctx, metadataKey(integrationID), metadata, c.options.MetadataTTL)
}

func (c *IssueCache) GetProjects(ctx context.Context, integrationID string) ([]domain.Project, error) {
	var projects []domain.Project

	found, err := c.getJSON(ctx, projectsKey(integrationID), &projects)
	if err != nil || !found {
		return nil, err
	}

	return projects, nil
}

func (c *IssueCache) SetProjects(ctx context.Context, integrationID string, projects []domain.Project) error {
	return c.setJSON(ctx, projectsKey(integrationID), projects, c.options.ProjectsTTL)
}

func (c *IssueCache) GetIssueTTL(ctx context.Context, integrationID, externalID string) (time.Duration, error) {
	return c.ttl(ctx, issueKey(integrationID, externalID))
}

func (c *IssueCache) GetIssuesTTL(ctx context.Context, integrationID, projectID string) (time.Duration, error) {
	return c.ttl(ctx, issueListKey(integrationID, projectID))
}

func (c *IssueCache) GetMetadataTTL(ctx context.Context, integrationID string) (time.Duration, error) {
	return c.ttl(ctx, metadataKey(integrationID))
}

func (c *IssueCache) GetProjectsTTL(ctx context.Context, integrationID string) (time.Duration, error) {
	return c.ttl(ctx, projectsKey(integrationID))
}

// InvalidateIntegration deletes every key of the integration and returns how
// many were removed.
func (c *IssueCache) InvalidateIntegration(ctx context.Context, integrationID string) (int, error) {
	keys := []string{metadataKey(integrationID), projectsKey(integrationID)}

	for _, pattern := range []string{issueKey(integrationID, "*"), fmt.Sprintf("issues:%s:*", integrationID)} {
		iter := c.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("failed to scan cache keys: %w", err)
		}
	}

	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}

	log.Debug().
		Str("integration_id", integrationID).
		Int64("deleted", deleted).
		Msg("Issue cache invalidated")

	return int(deleted), nil
}

// IssueFetcher loads the issues WarmCache stores.
type IssueFetcher func(ctx context.Context) ([]domain.IssueData, error)

// WarmCache stores the issues returned by fetch under the project scope and
// returns how many were cached. Failures are logged and never returned.
func (c *IssueCache) WarmCache(ctx context.Context, integrationID, projectID string, fetch IssueFetcher) int {
	issues, err := fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("integration_id", integrationID).Msg("Failed to warm issue cache")
		return 0
	}

	if err := c.SetIssues(ctx, integrationID, projectID, issues); err != nil {
		log.Warn().Err(err).Str("integration_id", integrationID).Msg("Failed to store warmed issues")
		return 0
	}

	return len(issues)
}

// WarmFromAdapter warms the first page of issues and the project list of an
// adapter.
func (c *IssueCache) WarmFromAdapter(ctx context.Context, integrationID, projectID string, adapter domain.IssueAdapter) int {
	warmed := 0

	if adapter.Capabilities().SearchIssues {
		warmed = c.WarmCache(ctx, integrationID, projectID, func(ctx context.Context) ([]domain.IssueData, error) {
			result, err := adapter.SearchIssues(ctx, domain.IssueSearchOptions{ProjectID: projectID, Limit: warmCacheLimit})
			return result.Issues, err
		})
	}

	if lister, ok := domain.AsProjectLister(adapter); ok {
		projects, err := lister.GetProjects(ctx)
		if err != nil {
			log.Warn().Err(err).Str("integration_id", integrationID).Msg("Failed to warm project cache")
			return warmed
		}
		if err := c.SetProjects(ctx, integrationID, projects); err != nil {
			log.Warn().Err(err).Str("integration_id", integrationID).Msg("Failed to store warmed projects")
		}
	}

	return warmed
}

func (c *IssueCache) cachedIssue(integrationID string, issue domain.IssueData) domain.CachedIssue {
	return domain.CachedIssue{
		IssueData:     issue,
		CachedAt:      c.now(),
		IntegrationID: integrationID,
	}
}

// getJSON decodes key into out. Values that fail to decode are deleted and
// reported as a miss.
func (c *IssueCache) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Deleting corrupt cache entry")

		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			log.Error().Err(delErr).Str("key", key).Msg("Failed to delete corrupt cache entry")
		}
		return false, nil
	}

	return true, nil
}

func (c *IssueCache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

// ttl returns the remaining lifetime of key, or 0 when it does not exist.
func (c *IssueCache) ttl(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read TTL of %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
