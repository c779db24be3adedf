package managers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	githubintegration "github.com/testplanit/issuebridge/pkg/integrations/github"
)

const (
	DefaultSyncBatchSize = 50
	// DefaultSyncBatchDelay is the pause between two batches of one sync.
	DefaultSyncBatchDelay = 100 * time.Millisecond
)

// AdapterProvider hands out authenticated adapters by integration id.
type AdapterProvider interface {
	GetAdapter(ctx context.Context, integrationID string) (domain.IssueAdapter, error)
	ClearAdapter(integrationID string)
}

type IssueCache interface {
	GetIssue(ctx context.Context, integrationID, externalID string) (*domain.CachedIssue, error)
	SetIssue(ctx context.Context, integrationID string, issue domain.IssueData) error
	SetMetadata(ctx context.Context, integrationID string, metadata domain.IntegrationMetadata) error
}

type JobQueue interface {
	Add(ctx context.Context, jobType domain.SyncJobType, data domain.SyncJobData, opts domain.JobOptions) (domain.SyncJob, error)
}

// TokenRefresher renews an expired OAuth session before a sync.
type TokenRefresher interface {
	RefreshIntegrationTokens(ctx context.Context, userID, integrationID string) (domain.OAuthTokens, error)
}

type SyncServiceDependencies struct {
	IntegrationRepository domain.IntegrationRepository
	AuthRepository        domain.UserIntegrationAuthRepository
	IssueRepository       domain.IssueRepository
	Adapters              AdapterProvider
	Cache                 IssueCache
	Queue                 JobQueue
	// Indexer and Tokens are optional.
	Indexer   domain.IssueIndexer
	Tokens     TokenRefresher
	BatchSize  int
	BatchDelay time.Duration
	Now        func() time.Time
}

// SyncService reconciles the local issue mirror with the remote trackers.
// It only ever updates existing mirror rows.
type SyncService struct {
	integrations domain.IntegrationRepository
	auths        domain.UserIntegrationAuthRepository
	issues       domain.IssueRepository
	adapters     AdapterProvider
	cache        IssueCache
	queue        JobQueue
	indexer      domain.IssueIndexer
	tokens       TokenRefresher
	batchSize    int
	batchDelay   time.Duration
	now          func() time.Time
}

func NewSyncService(deps SyncServiceDependencies) *SyncService {
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultSyncBatchSize
	}

	batchDelay := deps.BatchDelay
	if batchDelay <= 0 {
		batchDelay = DefaultSyncBatchDelay
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &SyncService{
		integrations: deps.IntegrationRepository,
		auths:        deps.AuthRepository,
		issues:       deps.IssueRepository,
		adapters:     deps.Adapters,
		cache:        deps.Cache,
		queue:        deps.Queue,
		indexer:      deps.Indexer,
		tokens:       deps.Tokens,
		batchSize:    batchSize,
		batchDelay:   batchDelay,
		now:          now,
	}
}

func (s *SyncService) QueueSync(ctx context.Context, userID, integrationID, projectID string, opts domain.SyncOptions) (string, error) {
	payload, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sync options: %w", err)
	}

	return s.enqueue(ctx, domain.SyncJobType_Sync, domain.SyncJobData{
		UserID:        userID,
		IntegrationID: integrationID,
		ProjectID:     projectID,
		Payload:       payload,
	})
}

func (s *SyncService) QueueIssueRefresh(ctx context.Context, userID, integrationID, issueID string) (string, error) {
	return s.enqueue(ctx, domain.SyncJobType_Refresh, domain.SyncJobData{
		UserID:        userID,
		IntegrationID: integrationID,
		IssueID:       issueID,
	})
}

func (s *SyncService) QueueCreateIssue(ctx context.Context, userID, integrationID string, data domain.CreateIssueData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue: %w", err)
	}

	return s.enqueue(ctx, domain.SyncJobType_Create, domain.SyncJobData{
		UserID:        userID,
		IntegrationID: integrationID,
		ProjectID:     data.ProjectID,
		Payload:       payload,
	})
}

// QueueUpdateIssue queues an update of the remote issue issueID.
func (s *SyncService) QueueUpdateIssue(ctx context.Context, userID, integrationID, issueID string, data domain.UpdateIssueData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal issue update: %w", err)
	}

	return s.enqueue(ctx, domain.SyncJobType_Update, domain.SyncJobData{
		UserID:        userID,
		IntegrationID: integrationID,
		IssueID:       issueID,
		Payload:       payload,
	})
}

func (s *SyncService) enqueue(ctx context.Context, jobType domain.SyncJobType, data domain.SyncJobData) (string, error) {
	job, err := s.queue.Add(ctx, jobType, data, domain.DefaultJobOptions())
	if err != nil {
		return "", fmt.Errorf("failed to queue %s job: %w", jobType, err)
	}
	return job.ID, nil
}

// PerformSync refreshes every mirrored issue of the integration, optionally
// limited to one project. Per issue failures are collected in the result;
// only failures that make the rest of the run pointless are returned.
func (s *SyncService) PerformSync(ctx context.Context, userID, integrationID, projectID string, opts domain.SyncOptions) (domain.SyncResult, error) {
	result := domain.SyncResult{Errors: []string{}}

	integration, err := s.loadIntegration(ctx, integrationID)
	if err != nil {
		return result, err
	}

	if err := s.checkCredentials(ctx, integration, userID); err != nil {
		return result, err
	}

	adapter, err := s.adapters.GetAdapter(ctx, integrationID)
	if err != nil {
		return result, err
	}

	filter := domain.IssueFilter{IntegrationID: integrationID, ProjectID: projectID}

	total, err := s.issues.Count(ctx, filter)
	if err != nil {
		return result, fmt.Errorf("failed to count issues: %w", err)
	}

	log.Info().
		Str("integration_id", integrationID).
		Str("project_id", projectID).
		Int("total", total).
		Msg("Issue sync started")

	processed := 0
	for offset := 0; offset < total; offset += s.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rows, err := s.issues.List(ctx, filter, offset, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list issues: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if _, err := s.syncRow(ctx, adapter, integrationID, row, row.RemoteID()); err != nil {
				if errors.Is(err, domain.ErrAuthentication) {
					s.adapters.ClearAdapter(integrationID)
					return result, err
				}

				result.Errors = append(result.Errors, fmt.Sprintf("issue %s: %v", row.ID, err))
				continue
			}
			result.SyncedCount++
		}

		processed += len(rows)
		if opts.Progress != nil {
			opts.Progress(min(processed*100/total, 100))
		}

		if offset+s.batchSize < total {
			if err := s.yield(ctx); err != nil {
				return result, err
			}
		}
	}

	if opts.RefreshMetadata {
		result.Errors = append(result.Errors, s.refreshMetadata(ctx, adapter, integrationID, projectID)...)
	}

	log.Info().
		Str("integration_id", integrationID).
		Int("synced", result.SyncedCount).
		Int("failed", len(result.Errors)).
		Msg("Issue sync finished")

	return result, nil
}

// yield pauses between batches so a long sync leaves room for other jobs
// against the same provider.
func (s *SyncService) yield(ctx context.Context) error {
	timer := time.NewTimer(s.batchDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PerformIssueRefresh syncs a single mirror row.
func (s *SyncService) PerformIssueRefresh(ctx context.Context, userID, integrationID, localIssueID string) (domain.IssueData, error) {
	integration, err := s.loadIntegration(ctx, integrationID)
	if err != nil {
		return domain.IssueData{}, err
	}

	row, err := s.issues.GetByID(ctx, localIssueID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.IssueData{}, &domain.NotFoundError{Resource: "issue", ID: localIssueID}
		}
		return domain.IssueData{}, fmt.Errorf("failed to load issue %s: %w", localIssueID, err)
	}

	if row.IntegrationID != integrationID {
		return domain.IssueData{}, &domain.NotFoundError{Resource: "issue", ID: localIssueID}
	}

	if err := s.checkCredentials(ctx, integration, userID); err != nil {
		return domain.IssueData{}, err
	}

	adapter, err := s.adapters.GetAdapter(ctx, integrationID)
	if err != nil {
		return domain.IssueData{}, err
	}

	remoteID := row.RemoteID()
	if integration.Provider == domain.IntegrationProvider_GitHub {
		remoteID = s.githubRemoteID(ctx, integrationID, row)
	}

	return s.syncRow(ctx, adapter, integrationID, row, remoteID)
}

func (s *SyncService) PerformCreateIssue(ctx context.Context, userID, integrationID string, data domain.CreateIssueData) (domain.IssueData, error) {
	adapter, err := s.writableAdapter(ctx, userID, integrationID)
	if err != nil {
		return domain.IssueData{}, err
	}

	if !adapter.Capabilities().CreateIssue {
		return domain.IssueData{}, &domain.UnsupportedOperationError{Provider: adapter.Provider(), Operation: "create issue"}
	}

	created, err := adapter.CreateIssue(ctx, data)
	if err != nil {
		return domain.IssueData{}, err
	}

	s.cacheIssue(ctx, integrationID, created)

	log.Info().
		Str("integration_id", integrationID).
		Str("issue_id", created.ID).
		Str("issue_key", created.Key).
		Msg("Remote issue created")

	return created, nil
}

// PerformUpdateIssue updates the remote issue and, when it is mirrored, the
// local row.
func (s *SyncService) PerformUpdateIssue(ctx context.Context, userID, integrationID, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	adapter, err := s.writableAdapter(ctx, userID, integrationID)
	if err != nil {
		return domain.IssueData{}, err
	}

	if !adapter.Capabilities().UpdateIssue {
		return domain.IssueData{}, &domain.UnsupportedOperationError{Provider: adapter.Provider(), Operation: "update issue"}
	}

	updated, err := adapter.UpdateIssue(ctx, issueID, data)
	if err != nil {
		return domain.IssueData{}, err
	}

	s.cacheIssue(ctx, integrationID, updated)

	local, err := s.issues.FindByExternalRef(ctx, integrationID, append(updated.RemoteRefs(), issueID))
	switch {
	case err == nil:
		if err := s.issues.Update(ctx, local.ID, domain.NewIssueUpdate(updated, s.now())); err != nil {
			return updated, fmt.Errorf("failed to update local issue %s: %w", local.ID, err)
		}
		s.index(ctx, local.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return updated, fmt.Errorf("failed to look up local issue: %w", err)
	}

	return updated, nil
}

func (s *SyncService) writableAdapter(ctx context.Context, userID, integrationID string) (domain.IssueAdapter, error) {
	integration, err := s.loadIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	if err := s.checkCredentials(ctx, integration, userID); err != nil {
		return nil, err
	}

	return s.adapters.GetAdapter(ctx, integrationID)
}

// syncRow fetches remoteID and writes it onto the mirror row it matches.
func (s *SyncService) syncRow(ctx context.Context, adapter domain.IssueAdapter, integrationID string, row domain.Issue, remoteID string) (domain.IssueData, error) {
	if remoteID == "" {
		return domain.IssueData{}, fmt.Errorf("issue %s has no external reference", row.ID)
	}

	remote, err := adapter.SyncIssue(ctx, remoteID)
	if err != nil {
		return domain.IssueData{}, err
	}

	s.cacheIssue(ctx, integrationID, remote)

	refs := append(remote.RemoteRefs(), remoteID, row.RemoteID())

	local, err := s.issues.FindByExternalRef(ctx, integrationID, refs)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.IssueData{}, &domain.ReconciliationError{
				IntegrationID: integrationID,
				RemoteID:      remoteID,
				Message:       "no local issue matches the remote id or key",
			}
		}
		return domain.IssueData{}, fmt.Errorf("failed to look up local issue: %w", err)
	}

	if err := s.issues.Update(ctx, local.ID, domain.NewIssueUpdate(remote, s.now())); err != nil {
		return domain.IssueData{}, fmt.Errorf("failed to update local issue %s: %w", local.ID, err)
	}

	s.index(ctx, local.ID)

	return remote, nil
}

// checkCredentials fails early when the integration cannot possibly
// authenticate. An expired OAuth session is refreshed once when a refresher is
// configured.
func (s *SyncService) checkCredentials(ctx context.Context, integration domain.Integration, userID string) error {
	switch integration.AuthType {
	case domain.IntegrationAuthType_OAuth2:
		session, err := s.auths.GetActive(ctx, userID, integration.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return &domain.AuthenticationError{Provider: integration.Provider, Reason: fmt.Sprintf("user %s has no active session", userID)}
			}
			return fmt.Errorf("failed to load OAuth session: %w", err)
		}

		if !session.IsExpired(s.now()) {
			return nil
		}

		if s.tokens == nil {
			return &domain.AuthenticationError{Provider: integration.Provider, Reason: "OAuth session expired"}
		}

		if _, err := s.tokens.RefreshIntegrationTokens(ctx, userID, integration.ID); err != nil {
			return &domain.AuthenticationError{Provider: integration.Provider, Reason: "OAuth session expired and could not be refreshed", Err: err}
		}

		s.adapters.ClearAdapter(integration.ID)

		log.Info().
			Str("integration_id", integration.ID).
			Str("user_id", userID).
			Msg("Refreshed expired OAuth session before sync")

	case domain.IntegrationAuthType_APIKey, domain.IntegrationAuthType_PersonalAccessToken:
		if !integration.HasCredentials() {
			return &domain.AuthenticationError{Provider: integration.Provider, Reason: "integration has no credentials"}
		}
	}

	return nil
}

// refreshMetadata caches whatever metadata the adapter can list and returns
// one message per listing that failed.
func (s *SyncService) refreshMetadata(ctx context.Context, adapter domain.IssueAdapter, integrationID, projectID string) []string {
	metadata := domain.IntegrationMetadata{FetchedAt: s.now()}

	var failures []string
	fail := func(what string, err error) {
		log.Warn().Err(err).Str("integration_id", integrationID).Msgf("Failed to refresh %s", what)
		failures = append(failures, fmt.Sprintf("metadata %s: %v", what, err))
	}

	if lister, ok := domain.AsProjectLister(adapter); ok {
		if projects, err := lister.GetProjects(ctx); err != nil {
			fail("projects", err)
		} else {
			metadata.Projects = projects
		}
	}

	if lister, ok := domain.AsStatusLister(adapter); ok {
		if statuses, err := lister.GetStatuses(ctx, projectID); err != nil {
			fail("statuses", err)
		} else {
			metadata.Statuses = statuses
		}
	}

	if lister, ok := domain.AsPriorityLister(adapter); ok {
		if priorities, err := lister.GetPriorities(ctx); err != nil {
			fail("priorities", err)
		} else {
			metadata.Priorities = priorities
		}
	}

	if lister, ok := domain.AsIssueTypeLister(adapter); ok {
		if issueTypes, err := lister.GetIssueTypes(ctx, projectID); err != nil {
			fail("issue types", err)
		} else {
			metadata.IssueTypes = issueTypes
		}
	}

	if err := s.cache.SetMetadata(ctx, integrationID, metadata); err != nil {
		log.Warn().Err(err).Str("integration_id", integrationID).Msg("Failed to cache metadata")
	}

	return failures
}

// githubRemoteID rebuilds owner/repo#number from the cached issue or the
// mirror row, since older rows may only hold the numeric GitHub id.
func (s *SyncService) githubRemoteID(ctx context.Context, integrationID string, row domain.Issue) string {
	fields := row.ExternalData

	if row.ExternalID != "" {
		cached, err := s.cache.GetIssue(ctx, integrationID, row.ExternalID)
		if err != nil {
			log.Warn().Err(err).Str("issue_id", row.ID).Msg("Failed to read cached issue")
		} else if cached != nil && cached.CustomFields != nil {
			fields = cached.CustomFields
		}
	}

	owner := domain.SettingString(fields, githubintegration.CustomField_Owner)
	repo := domain.SettingString(fields, githubintegration.CustomField_Repo)
	number := intField(fields, githubintegration.CustomField_Number)

	if owner == "" || repo == "" || number <= 0 {
		return row.RemoteID()
	}

	return githubintegration.IssueID(owner, repo, number)
}

func (s *SyncService) cacheIssue(ctx context.Context, integrationID string, issue domain.IssueData) {
	if err := s.cache.SetIssue(ctx, integrationID, issue); err != nil {
		log.Warn().Err(err).Str("integration_id", integrationID).Str("issue_id", issue.ID).Msg("Failed to cache issue")
	}
}

func (s *SyncService) index(ctx context.Context, issueID string) {
	if s.indexer == nil {
		return
	}

	if err := s.indexer.IndexIssue(ctx, issueID); err != nil {
		log.Warn().Err(err).Str("issue_id", issueID).Msg("Failed to index issue")
	}
}

func (s *SyncService) loadIntegration(ctx context.Context, integrationID string) (domain.Integration, error) {
	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Integration{}, &domain.NotFoundError{Resource: "integration", ID: integrationID}
		}
		return domain.Integration{}, fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}
	return integration, nil
}

// intField reads a number that may have gone through JSON.
func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
