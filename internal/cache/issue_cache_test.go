package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
)

func newTestIssueCache(t *testing.T) (*IssueCache, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewIssueCache(client, Options{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	return cache, server
}

func testIssue(id string) domain.IssueData {
	return domain.IssueData{
		ID:        id,
		Key:       "QA-" + id,
		Title:     "Checkout fails",
		Status:    "In Progress",
		Priority:  "High",
		Labels:    []string{"checkout"},
		CreatedAt: time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 2, 3, 17, 45, 12, 0, time.UTC),
		URL:       "https://acme.atlassian.net/browse/QA-" + id,
	}
}

func TestIssueCache_IssueRoundTrip(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	missing, err := cache.GetIssue(ctx, "int-1", "10001")
	require.NoError(t, err)
	assert.Nil(t, missing)

	issue := testIssue("10001")
	require.NoError(t, cache.SetIssue(ctx, "int-1", issue))

	cached, err := cache.GetIssue(ctx, "int-1", "10001")
	require.NoError(t, err)
	require.NotNil(t, cached)

	assert.Equal(t, "int-1", cached.IntegrationID)
	assert.Equal(t, issue.Title, cached.Title)
	assert.True(t, issue.CreatedAt.Equal(cached.CreatedAt))
	assert.True(t, issue.UpdatedAt.Equal(cached.UpdatedAt))
	assert.True(t, cached.CachedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	assert.True(t, server.Exists("issue:int-1:10001"))
	assert.Equal(t, DefaultIssueTTL, server.TTL("issue:int-1:10001"))

	server.FastForward(DefaultIssueTTL + time.Second)

	expired, err := cache.GetIssue(ctx, "int-1", "10001")
	require.NoError(t, err)
	assert.Nil(t, expired)
}

func TestIssueCache_CorruptEntryIsDeleted(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	require.NoError(t, server.Set("issue:int-1:10001", "{not json"))
	require.NoError(t, server.Set("issue-metadata:int-1", "[]"))

	cached, err := cache.GetIssue(ctx, "int-1", "10001")
	require.NoError(t, err)
	assert.Nil(t, cached)
	assert.False(t, server.Exists("issue:int-1:10001"))

	metadata, err := cache.GetMetadata(ctx, "int-1")
	require.NoError(t, err)
	assert.Nil(t, metadata)
	assert.False(t, server.Exists("issue-metadata:int-1"))
}

func TestIssueCache_SetIssuesWritesListAndIssues(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	issues := []domain.IssueData{testIssue("1"), testIssue("2")}
	require.NoError(t, cache.SetIssues(ctx, "int-1", "QA", issues))
	require.NoError(t, cache.SetIssues(ctx, "int-1", "", issues[:1]))

	list, err := cache.GetIssues(ctx, "int-1", "QA")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "QA-2", list[1].Key)

	all, err := cache.GetIssues(ctx, "int-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.True(t, server.Exists("issues:int-1:project:QA"))
	assert.True(t, server.Exists("issues:int-1:all"))
	assert.True(t, server.Exists("issue:int-1:1"))
	assert.True(t, server.Exists("issue:int-1:2"))

	ttl, err := cache.GetIssuesTTL(ctx, "int-1", "QA")
	require.NoError(t, err)
	assert.Equal(t, DefaultListTTL, ttl)
}

func TestIssueCache_MetadataAndProjects(t *testing.T) {
	cache, _ := newTestIssueCache(t)
	ctx := context.Background()

	metadata := domain.IntegrationMetadata{
		Statuses:   []domain.IssueStatus{{ID: "1", Name: "To Do", Category: "new"}},
		Priorities: []domain.IssuePriority{{ID: "2", Name: "High"}},
	}
	require.NoError(t, cache.SetMetadata(ctx, "int-1", metadata))

	cached, err := cache.GetMetadata(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, metadata.Statuses, cached.Statuses)
	assert.False(t, cached.FetchedAt.IsZero())

	ttl, err := cache.GetMetadataTTL(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMetadataTTL, ttl)

	require.NoError(t, cache.SetProjects(ctx, "int-1", []domain.Project{{ID: "10000", Key: "QA", Name: "Quality"}}))

	projects, err := cache.GetProjects(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Project{{ID: "10000", Key: "QA", Name: "Quality"}}, projects)

	ttl, err = cache.GetProjectsTTL(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultProjectsTTL, ttl)

	ttl, err = cache.GetIssueTTL(ctx, "int-1", "missing")
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestIssueCache_InvalidateIntegration(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetIssues(ctx, "int-1", "QA", []domain.IssueData{testIssue("1"), testIssue("2")}))
	require.NoError(t, cache.SetMetadata(ctx, "int-1", domain.IntegrationMetadata{}))
	require.NoError(t, cache.SetProjects(ctx, "int-1", []domain.Project{{ID: "1"}}))
	require.NoError(t, cache.SetIssue(ctx, "int-2", testIssue("1")))

	deleted, err := cache.InvalidateIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	assert.Equal(t, []string{"issue:int-2:1"}, server.Keys())
}

type warmingAdapter struct {
	domain.IssueAdapter
	searchErr error
	issues    []domain.IssueData
	projects  []domain.Project
}

func (a *warmingAdapter) Capabilities() domain.IssueAdapterCapabilities {
	return domain.IssueAdapterCapabilities{SearchIssues: true}
}

func (a *warmingAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	if a.searchErr != nil {
		return domain.IssueSearchResult{}, a.searchErr
	}
	return domain.IssueSearchResult{Issues: a.issues, Total: len(a.issues)}, nil
}

func (a *warmingAdapter) GetProjects(ctx context.Context) ([]domain.Project, error) {
	return a.projects, nil
}

func TestIssueCache_WarmCache(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	warmed := cache.WarmCache(ctx, "int-1", "QA", func(ctx context.Context) ([]domain.IssueData, error) {
		return []domain.IssueData{testIssue("1"), testIssue("2")}, nil
	})
	assert.Equal(t, 2, warmed)
	assert.True(t, server.Exists("issues:int-1:project:QA"))
	assert.True(t, server.Exists("issue:int-1:2"))

	// fetch failures are swallowed
	warmed = cache.WarmCache(ctx, "int-2", "", func(ctx context.Context) ([]domain.IssueData, error) {
		return nil, errors.New("boom")
	})
	assert.Zero(t, warmed)
	assert.False(t, server.Exists("issues:int-2:all"))
}

func TestIssueCache_WarmFromAdapter(t *testing.T) {
	cache, server := newTestIssueCache(t)
	ctx := context.Background()

	warmed := cache.WarmFromAdapter(ctx, "int-1", "QA", &warmingAdapter{
		issues:   []domain.IssueData{testIssue("1")},
		projects: []domain.Project{{ID: "10000", Key: "QA"}},
	})

	assert.Equal(t, 1, warmed)
	assert.True(t, server.Exists("issues:int-1:project:QA"))
	assert.True(t, server.Exists("issue:int-1:1"))
	assert.True(t, server.Exists("projects:int-1"))

	// search failures are swallowed, projects are still cached
	warmed = cache.WarmFromAdapter(ctx, "int-2", "", &warmingAdapter{
		searchErr: errors.New("boom"),
		projects:  []domain.Project{{ID: "1"}},
	})

	assert.Zero(t, warmed)
	assert.False(t, server.Exists("issues:int-2:all"))
	assert.True(t, server.Exists("projects:int-2"))
}
