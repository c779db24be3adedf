package managers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type fakeAdapterProvider struct {
	mu      sync.Mutex
	adapter domain.IssueAdapter
	err     error
	cleared []string
}

func (p *fakeAdapterProvider) GetAdapter(ctx context.Context, integrationID string) (domain.IssueAdapter, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.adapter, nil
}

func (p *fakeAdapterProvider) ClearAdapter(integrationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, integrationID)
}

type fakeIssueCache struct {
	mu       sync.Mutex
	issues   map[string]domain.CachedIssue
	metadata map[string]domain.IntegrationMetadata
}

func newFakeIssueCache() *fakeIssueCache {
	return &fakeIssueCache{
		issues:   make(map[string]domain.CachedIssue),
		metadata: make(map[string]domain.IntegrationMetadata),
	}
}

func (c *fakeIssueCache) GetIssue(ctx context.Context, integrationID, externalID string) (*domain.CachedIssue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.issues[integrationID+":"+externalID]
	if !ok {
		return nil, nil
	}
	return &cached, nil
}

func (c *fakeIssueCache) SetIssue(ctx context.Context, integrationID string, issue domain.IssueData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.issues[integrationID+":"+issue.ID] = domain.CachedIssue{IssueData: issue, IntegrationID: integrationID}
	return nil
}

func (c *fakeIssueCache) SetMetadata(ctx context.Context, integrationID string, metadata domain.IntegrationMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata[integrationID] = metadata
	return nil
}

type fakeJobQueue struct {
	mu   sync.Mutex
	jobs []domain.SyncJob
}

func (q *fakeJobQueue) Add(ctx context.Context, jobType domain.SyncJobType, data domain.SyncJobData, opts domain.JobOptions) (domain.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := domain.SyncJob{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), Type: jobType, Data: data, Options: opts}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	err     error
}

func (i *fakeIndexer) IndexIssue(ctx context.Context, issueID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, issueID)
	return i.err
}

type fakeTokenRefresher struct {
	calls int
	err   error
}

func (r *fakeTokenRefresher) RefreshIntegrationTokens(ctx context.Context, userID, integrationID string) (domain.OAuthTokens, error) {
	r.calls++
	return domain.OAuthTokens{AccessToken: "fresh"}, r.err
}

type syncFixture struct {
	service  *SyncService
	repo     *fakeIntegrationRepository
	auths    *fakeAuthRepository
	issues   *fakeIssueRepository
	adapter  *fakeAdapter
	provider *fakeAdapterProvider
	cache    *fakeIssueCache
	queue    *fakeJobQueue
	indexer  *fakeIndexer
	tokens   *fakeTokenRefresher
	now      time.Time
}

func newSyncFixture(t *testing.T, integration domain.Integration, rows ...domain.Issue) *syncFixture {
	t.Helper()

	f := &syncFixture{
		repo:     newFakeIntegrationRepository(integration),
		auths:    &fakeAuthRepository{},
		issues:   newFakeIssueRepository(rows...),
		adapter:  newFakeAdapter(integration.Provider),
		cache:    newFakeIssueCache(),
		queue:    &fakeJobQueue{},
		indexer:  &fakeIndexer{},
		tokens:   &fakeTokenRefresher{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		provider: &fakeAdapterProvider{},
	}
	f.provider.adapter = f.adapter

	f.service = NewSyncService(SyncServiceDependencies{
		IntegrationRepository: f.repo,
		AuthRepository:        f.auths,
		IssueRepository:       f.issues,
		Adapters:              f.provider,
		Cache:                 f.cache,
		Queue:                 f.queue,
		Indexer:               f.indexer,
		Tokens:                f.tokens,
		BatchSize:             2,
		BatchDelay:            time.Millisecond,
		Now:                   func() time.Time { return f.now },
	})

	return f
}

func apiKeyIntegration() domain.Integration {
	return domain.Integration{
		ID:          "int-1",
		Provider:    domain.IntegrationProvider_Jira,
		AuthType:    domain.IntegrationAuthType_APIKey,
		Status:      domain.IntegrationStatus_Active,
		Credentials: json.RawMessage(`{"encrypted":"x"}`),
	}
}

func TestPerformSync_UpdatesMirrorRows(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ProjectID: "p1", ExternalID: "10001"},
		domain.Issue{ID: "row-2", IntegrationID: "int-1", ProjectID: "p1", ExternalKey: "QA-2"},
		domain.Issue{ID: "row-3", IntegrationID: "int-1", ProjectID: "p1", Name: "QA-3"},
		domain.Issue{ID: "row-4", IntegrationID: "int-2", ExternalID: "10004"},
	)

	f.adapter.issues["10001"] = domain.IssueData{ID: "10001", Key: "QA-1", Title: "One", Status: "Done"}
	f.adapter.issues["QA-2"] = domain.IssueData{ID: "10002", Key: "QA-2", Title: "Two", Status: "To Do"}
	f.adapter.issues["QA-3"] = domain.IssueData{ID: "10003", Key: "QA-3", Title: "Three", Status: "To Do"}

	var progress []int
	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{
		Progress: func(percent int) { progress = append(progress, percent) },
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.SyncedCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []int{66, 100}, progress)
	assert.Equal(t, []string{"10001", "QA-2", "QA-3"}, f.adapter.synced())

	update, ok := f.issues.update("row-2")
	require.True(t, ok)
	assert.Equal(t, "10002", update.ExternalID)
	assert.Equal(t, "QA-2", update.Name)
	assert.Equal(t, "Two", update.Title)
	assert.True(t, f.now.Equal(update.LastSyncedAt))

	_, ok = f.issues.update("row-4")
	assert.False(t, ok)

	assert.Equal(t, 4, f.issues.rowCount())
	assert.ElementsMatch(t, []string{"row-1", "row-2", "row-3"}, f.indexer.indexed)

	cached, err := f.cache.GetIssue(context.Background(), "int-1", "10003")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "Three", cached.Title)
}

func TestPerformSync_NeverCreatesRows(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
	)

	// the provider answers with an issue no mirror row references
	f.adapter.issues["10001"] = domain.IssueData{ID: "99999", Key: "OTHER-1", Title: "Moved"}

	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 1, f.issues.rowCount())

	update, ok := f.issues.update("row-1")
	require.True(t, ok)
	assert.Equal(t, "99999", update.ExternalID)
}

func TestPerformSync_CollectsPerIssueErrors(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
		domain.Issue{ID: "row-2", IntegrationID: "int-1", ExternalID: "10002"},
		domain.Issue{ID: "row-3", IntegrationID: "int-1"},
	)

	f.adapter.issues["10001"] = domain.IssueData{ID: "10001", Key: "QA-1"}
	f.adapter.syncErrs["10002"] = &domain.TransportError{Provider: domain.IntegrationProvider_Jira, Operation: "get issue", StatusCode: 404}
	f.indexer.err = fmt.Errorf("index down")

	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.SyncedCount)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "row-2")
	assert.Contains(t, result.Errors[1], "no external reference")
}

func TestPerformSync_AbortsOnAuthenticationError(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
		domain.Issue{ID: "row-2", IntegrationID: "int-1", ExternalID: "10002"},
		domain.Issue{ID: "row-3", IntegrationID: "int-1", ExternalID: "10003"},
	)
	f.adapter.issues["10001"] = domain.IssueData{ID: "10001", Key: "QA-1"}
	f.adapter.syncErrs["10002"] = &domain.AuthenticationError{Provider: domain.IntegrationProvider_Jira, Reason: "token revoked"}

	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, []string{"10001", "10002"}, f.adapter.synced())
	assert.Equal(t, []string{"int-1"}, f.provider.cleared)
}

func TestPerformSync_StopsOnCancelledContext(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.PerformSync(ctx, "user-1", "int-1", "", domain.SyncOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.adapter.synced())
}

func TestPerformSync_CancelledBetweenBatches(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
		domain.Issue{ID: "row-2", IntegrationID: "int-1", ExternalID: "10002"},
		domain.Issue{ID: "row-3", IntegrationID: "int-1", ExternalID: "10003"},
	)
	for _, id := range []string{"10001", "10002", "10003"} {
		f.adapter.issues[id] = domain.IssueData{ID: id}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := f.service.PerformSync(ctx, "user-1", "int-1", "", domain.SyncOptions{
		Progress: func(percent int) { cancel() },
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, result.SyncedCount)
	assert.Equal(t, []string{"10001", "10002"}, f.adapter.synced())
}

func TestPerformSync_PausesBetweenBatches(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
		domain.Issue{ID: "row-2", IntegrationID: "int-1", ExternalID: "10002"},
		domain.Issue{ID: "row-3", IntegrationID: "int-1", ExternalID: "10003"},
	)
	for _, id := range []string{"10001", "10002", "10003"} {
		f.adapter.issues[id] = domain.IssueData{ID: id}
	}
	f.service.batchDelay = 50 * time.Millisecond

	start := time.Now()
	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.SyncedCount)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPerformSync_Preconditions(t *testing.T) {
	t.Run("api key without credentials", func(t *testing.T) {
		integration := apiKeyIntegration()
		integration.Credentials = nil
		f := newSyncFixture(t, integration)

		_, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("oauth without session", func(t *testing.T) {
		f := newSyncFixture(t, domain.Integration{ID: "int-1", Provider: domain.IntegrationProvider_Jira, AuthType: domain.IntegrationAuthType_OAuth2, Status: domain.IntegrationStatus_Active})

		_, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("expired oauth session is refreshed", func(t *testing.T) {
		f := newSyncFixture(t, domain.Integration{ID: "int-1", Provider: domain.IntegrationProvider_Jira, AuthType: domain.IntegrationAuthType_OAuth2, Status: domain.IntegrationStatus_Active})

		expired := f.now.Add(-time.Minute)
		f.auths.sessions = []domain.UserIntegrationAuth{{ID: "s1", UserID: "user-1", IntegrationID: "int-1", IsActive: true, TokenExpiresAt: &expired}}

		_, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, f.tokens.calls)
		assert.Equal(t, []string{"int-1"}, f.provider.cleared)
	})

	t.Run("failed refresh", func(t *testing.T) {
		f := newSyncFixture(t, domain.Integration{ID: "int-1", Provider: domain.IntegrationProvider_Jira, AuthType: domain.IntegrationAuthType_OAuth2, Status: domain.IntegrationStatus_Active})

		expired := f.now.Add(-time.Minute)
		f.auths.sessions = []domain.UserIntegrationAuth{{ID: "s1", UserID: "user-1", IntegrationID: "int-1", IsActive: true, TokenExpiresAt: &expired}}
		f.tokens.err = fmt.Errorf("invalid_grant")

		_, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{})
		assert.ErrorIs(t, err, domain.ErrAuthentication)
	})

	t.Run("unknown integration", func(t *testing.T) {
		f := newSyncFixture(t, apiKeyIntegration())

		_, err := f.service.PerformSync(context.Background(), "user-1", "missing", "", domain.SyncOptions{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPerformSync_RefreshesMetadata(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration())
	f.adapter.projects = []domain.Project{{ID: "10000", Key: "QA"}}
	f.adapter.statuses = []domain.IssueStatus{{ID: "1", Name: "To Do"}}

	_, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{RefreshMetadata: true})
	require.NoError(t, err)

	metadata, ok := f.cache.metadata["int-1"]
	require.True(t, ok)
	assert.Equal(t, f.adapter.projects, metadata.Projects)
	assert.Equal(t, f.adapter.statuses, metadata.Statuses)
	assert.Nil(t, metadata.Priorities)
	assert.True(t, f.now.Equal(metadata.FetchedAt))
}

func TestPerformSync_RecordsMetadataFailures(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration())
	f.adapter.projectsErr = &domain.TransportError{Provider: domain.IntegrationProvider_Jira, Operation: "list projects", StatusCode: 503}
	f.adapter.statuses = []domain.IssueStatus{{ID: "1", Name: "To Do"}}

	result, err := f.service.PerformSync(context.Background(), "user-1", "int-1", "", domain.SyncOptions{RefreshMetadata: true})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "metadata projects")
	assert.Contains(t, result.Errors[0], "503")

	metadata, ok := f.cache.metadata["int-1"]
	require.True(t, ok)
	assert.Nil(t, metadata.Projects)
	assert.Equal(t, f.adapter.statuses, metadata.Statuses)
}

func TestPerformIssueRefresh_RebuildsGitHubID(t *testing.T) {
	integration := domain.Integration{
		ID:          "int-1",
		Provider:    domain.IntegrationProvider_GitHub,
		AuthType:    domain.IntegrationAuthType_PersonalAccessToken,
		Status:      domain.IntegrationStatus_Active,
		Credentials: json.RawMessage(`{"token":"x"}`),
	}

	f := newSyncFixture(t, integration, domain.Issue{
		ID:            "row-1",
		IntegrationID: "int-1",
		ExternalID:    "1234567",
		ExternalData:  map[string]any{"owner": "acme", "repo": "web", "number": float64(42)},
	})

	f.adapter.issues["acme/web#42"] = domain.IssueData{ID: "acme/web#42", Key: "acme/web#42", Title: "Broken login"}

	issue, err := f.service.PerformIssueRefresh(context.Background(), "user-1", "int-1", "row-1")
	require.NoError(t, err)

	assert.Equal(t, "Broken login", issue.Title)
	assert.Equal(t, []string{"acme/web#42"}, f.adapter.synced())

	update, ok := f.issues.update("row-1")
	require.True(t, ok)
	assert.Equal(t, "acme/web#42", update.ExternalID)
}

func TestPerformIssueRefresh_PrefersCachedFields(t *testing.T) {
	integration := domain.Integration{
		ID:          "int-1",
		Provider:    domain.IntegrationProvider_GitHub,
		AuthType:    domain.IntegrationAuthType_PersonalAccessToken,
		Status:      domain.IntegrationStatus_Active,
		Credentials: json.RawMessage(`{"token":"x"}`),
	}

	f := newSyncFixture(t, integration, domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "acme/old#7"})
	require.NoError(t, f.cache.SetIssue(context.Background(), "int-1", domain.IssueData{
		ID:           "acme/old#7",
		CustomFields: map[string]any{"owner": "acme", "repo": "new", "number": 7},
	}))

	f.adapter.issues["acme/new#7"] = domain.IssueData{ID: "acme/new#7", Key: "acme/new#7"}

	_, err := f.service.PerformIssueRefresh(context.Background(), "user-1", "int-1", "row-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/new#7"}, f.adapter.synced())
}

func TestPerformIssueRefresh_RejectsForeignRow(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(), domain.Issue{ID: "row-1", IntegrationID: "int-2", ExternalID: "1"})

	_, err := f.service.PerformIssueRefresh(context.Background(), "user-1", "int-1", "row-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.PerformIssueRefresh(context.Background(), "user-1", "int-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPerformCreateAndUpdateIssue(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration())
	ctx := context.Background()

	created, err := f.service.PerformCreateIssue(ctx, "user-1", "int-1", domain.CreateIssueData{ProjectID: "QA", Title: "New bug"})
	require.NoError(t, err)
	assert.Equal(t, "New bug", created.Title)

	cached, err := f.cache.GetIssue(ctx, "int-1", created.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)

	// not mirrored yet, so only the remote issue changes
	title := "Renamed bug"
	updated, err := f.service.PerformUpdateIssue(ctx, "user-1", "int-1", created.ID, domain.UpdateIssueData{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed bug", updated.Title)
	assert.Equal(t, 0, f.issues.rowCount())

	f.issues.issues = append(f.issues.issues, domain.Issue{ID: "row-9", IntegrationID: "int-1", ExternalKey: created.Key})

	status := "Done"
	_, err = f.service.PerformUpdateIssue(ctx, "user-1", "int-1", created.ID, domain.UpdateIssueData{Status: &status})
	require.NoError(t, err)

	update, ok := f.issues.update("row-9")
	require.True(t, ok)
	assert.Equal(t, "Done", update.Status)
}

func TestQueueJobs(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration())
	ctx := context.Background()

	id, err := f.service.QueueSync(ctx, "user-1", "int-1", "QA", domain.SyncOptions{RefreshMetadata: true})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	_, err = f.service.QueueIssueRefresh(ctx, "user-1", "int-1", "row-1")
	require.NoError(t, err)

	_, err = f.service.QueueCreateIssue(ctx, "user-1", "int-1", domain.CreateIssueData{ProjectID: "QA", Title: "Bug"})
	require.NoError(t, err)

	title := "New title"
	_, err = f.service.QueueUpdateIssue(ctx, "user-1", "int-1", "QA-1", domain.UpdateIssueData{Title: &title})
	require.NoError(t, err)

	require.Len(t, f.queue.jobs, 4)

	assert.Equal(t, domain.SyncJobType_Sync, f.queue.jobs[0].Type)
	assert.Equal(t, "QA", f.queue.jobs[0].Data.ProjectID)
	assert.JSONEq(t, `{"refresh_metadata": true}`, string(f.queue.jobs[0].Data.Payload))
	assert.Equal(t, domain.DefaultJobOptions(), f.queue.jobs[0].Options)

	assert.Equal(t, domain.SyncJobType_Refresh, f.queue.jobs[1].Type)
	assert.Equal(t, "row-1", f.queue.jobs[1].Data.IssueID)

	assert.Equal(t, domain.SyncJobType_Create, f.queue.jobs[2].Type)
	assert.Equal(t, "QA", f.queue.jobs[2].Data.ProjectID)

	assert.Equal(t, domain.SyncJobType_Update, f.queue.jobs[3].Type)
	assert.Equal(t, "QA-1", f.queue.jobs[3].Data.IssueID)
}
