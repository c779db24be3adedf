package managers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/testplanit/issuebridge/pkg/domain"
)

type fakeIntegrationRepository struct {
	mu           sync.Mutex
	integrations map[string]domain.Integration
}

func newFakeIntegrationRepository(integrations ...domain.Integration) *fakeIntegrationRepository {
	repo := &fakeIntegrationRepository{integrations: make(map[string]domain.Integration)}
	for _, integration := range integrations {
		repo.integrations[integration.ID] = integration
	}
	return repo
}

func (r *fakeIntegrationRepository) GetByID(ctx context.Context, id string) (domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.Integration{}, domain.ErrNotFound
	}
	return integration, nil
}

func (r *fakeIntegrationRepository) ListActive(ctx context.Context) ([]domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []domain.Integration
	for _, integration := range r.integrations {
		if integration.IsActive() {
			active = append(active, integration)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (r *fakeIntegrationRepository) UpdateSettings(ctx context.Context, id string, settings map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrNotFound
	}
	integration.Settings = settings
	r.integrations[id] = integration
	return nil
}

func (r *fakeIntegrationRepository) UpdateCredentials(ctx context.Context, id string, credentials json.RawMessage, status domain.IntegrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrNotFound
	}
	integration.Credentials = credentials
	integration.Status = status
	r.integrations[id] = integration
	return nil
}

func (r *fakeIntegrationRepository) PutOAuthState(ctx context.Context, id, state string, pending domain.PendingOAuthState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrNotFound
	}

	states := fakeOAuthStates(integration.Settings)
	for key, existing := range states {
		if !existing.ExpiresAt.After(now) {
			delete(states, key)
		}
	}
	states[state] = pending

	integration.Settings = withSetting(integration.Settings, SettingKey_OAuthStates, states)
	r.integrations[id] = integration
	return nil
}

func (r *fakeIntegrationRepository) TakeOAuthState(ctx context.Context, id, state string) (domain.PendingOAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.PendingOAuthState{}, domain.ErrNotFound
	}

	states := fakeOAuthStates(integration.Settings)
	pending, ok := states[state]
	if !ok {
		return domain.PendingOAuthState{}, domain.ErrNotFound
	}
	delete(states, state)

	integration.Settings = withSetting(integration.Settings, SettingKey_OAuthStates, states)
	r.integrations[id] = integration
	return pending, nil
}

func (r *fakeIntegrationRepository) oauthStates(id string) map[string]domain.PendingOAuthState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return fakeOAuthStates(r.integrations[id].Settings)
}

func fakeOAuthStates(settings map[string]any) map[string]domain.PendingOAuthState {
	states := make(map[string]domain.PendingOAuthState)
	if raw, ok := settings[SettingKey_OAuthStates]; ok {
		_ = remarshal(raw, &states)
	}
	return states
}

func withSetting(settings map[string]any, key string, value any) map[string]any {
	updated := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		updated[k] = v
	}
	updated[key] = value
	return updated
}

type fakeAuthRepository struct {
	mu         sync.Mutex
	sessions   []domain.UserIntegrationAuth
	replaceErr error
}

func (r *fakeAuthRepository) GetActive(ctx context.Context, userID, integrationID string) (domain.UserIntegrationAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sessions) - 1; i >= 0; i-- {
		session := r.sessions[i]
		if session.IsActive && session.UserID == userID && session.IntegrationID == integrationID {
			return session, nil
		}
	}
	return domain.UserIntegrationAuth{}, domain.ErrNotFound
}

func (r *fakeAuthRepository) GetLatestActive(ctx context.Context, integrationID string) (domain.UserIntegrationAuth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sessions) - 1; i >= 0; i-- {
		session := r.sessions[i]
		if session.IsActive && session.IntegrationID == integrationID {
			return session, nil
		}
	}
	return domain.UserIntegrationAuth{}, domain.ErrNotFound
}

func (r *fakeAuthRepository) DeactivateAll(ctx context.Context, userID, integrationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.sessions {
		if r.sessions[i].UserID == userID && r.sessions[i].IntegrationID == integrationID {
			r.sessions[i].IsActive = false
		}
	}
	return nil
}

func (r *fakeAuthRepository) ReplaceActive(ctx context.Context, auth domain.UserIntegrationAuth) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replaceErr != nil {
		return r.replaceErr
	}

	for i := range r.sessions {
		if r.sessions[i].UserID == auth.UserID && r.sessions[i].IntegrationID == auth.IntegrationID {
			r.sessions[i].IsActive = false
		}
	}
	r.sessions = append(r.sessions, auth)
	return nil
}

func (r *fakeAuthRepository) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, session := range r.sessions {
		if session.IsActive {
			count++
		}
	}
	return count
}

type fakeIssueRepository struct {
	mu      sync.Mutex
	issues  []domain.Issue
	updates map[string]domain.IssueUpdate
}

func newFakeIssueRepository(issues ...domain.Issue) *fakeIssueRepository {
	return &fakeIssueRepository{issues: issues, updates: make(map[string]domain.IssueUpdate)}
}

func (r *fakeIssueRepository) matches(issue domain.Issue, filter domain.IssueFilter) bool {
	if issue.IntegrationID != filter.IntegrationID {
		return false
	}
	return filter.ProjectID == "" || issue.ProjectID == filter.ProjectID
}

func (r *fakeIssueRepository) GetByID(ctx context.Context, id string) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, issue := range r.issues {
		if issue.ID == id {
			return issue, nil
		}
	}
	return domain.Issue{}, domain.ErrNotFound
}

func (r *fakeIssueRepository) Count(ctx context.Context, filter domain.IssueFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, issue := range r.issues {
		if r.matches(issue, filter) {
			count++
		}
	}
	return count, nil
}

func (r *fakeIssueRepository) List(ctx context.Context, filter domain.IssueFilter, offset, limit int) ([]domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Issue
	for _, issue := range r.issues {
		if r.matches(issue, filter) {
			matched = append(matched, issue)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *fakeIssueRepository) FindByExternalRef(ctx context.Context, integrationID string, refs []string) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, issue := range r.issues {
		if issue.IntegrationID != integrationID {
			continue
		}
		for _, ref := range refs {
			if ref != "" && (issue.ExternalID == ref || issue.ExternalKey == ref || issue.Name == ref) {
				return issue, nil
			}
		}
	}
	return domain.Issue{}, domain.ErrNotFound
}

func (r *fakeIssueRepository) Update(ctx context.Context, id string, update domain.IssueUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.issues {
		if r.issues[i].ID == id {
			r.updates[id] = update
			r.issues[i].ExternalID = update.ExternalID
			r.issues[i].ExternalKey = update.ExternalKey
			r.issues[i].Title = update.Title
			r.issues[i].Status = update.Status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *fakeIssueRepository) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.issues)
}

func (r *fakeIssueRepository) update(id string) (domain.IssueUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	update, ok := r.updates[id]
	return update, ok
}

// fakeAdapter serves issues from memory and counts calls.
type fakeAdapter struct {
	mu sync.Mutex

	provider      domain.IntegrationProvider
	authErr       error
	authCalls     int
	lastAuth      domain.AuthenticationData
	authenticated bool
	issues        map[string]domain.IssueData
	syncErrs      map[string]error
	syncedIDs     []string
	created       []domain.CreateIssueData
	updated       map[string]domain.UpdateIssueData
	validation    []string
	projects      []domain.Project
	projectsErr   error
	statuses      []domain.IssueStatus
	statusesErr   error
}

func newFakeAdapter(provider domain.IntegrationProvider) *fakeAdapter {
	return &fakeAdapter{
		provider: provider,
		issues:   make(map[string]domain.IssueData),
		syncErrs: make(map[string]error),
		updated:  make(map[string]domain.UpdateIssueData),
	}
}

func (a *fakeAdapter) Provider() domain.IntegrationProvider { return a.provider }

func (a *fakeAdapter) Capabilities() domain.IssueAdapterCapabilities {
	return domain.IssueAdapterCapabilities{CreateIssue: true, UpdateIssue: true, SyncIssue: true, SearchIssues: true}
}

func (a *fakeAdapter) Authenticate(ctx context.Context, auth domain.AuthenticationData) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.authCalls++
	a.lastAuth = auth
	if a.authErr != nil {
		return a.authErr
	}
	a.authenticated = true
	return nil
}

func (a *fakeAdapter) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

func (a *fakeAdapter) GetIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	issue, ok := a.issues[issueID]
	if !ok {
		return domain.IssueData{}, &domain.NotFoundError{Resource: "issue", ID: issueID}
	}
	return issue, nil
}

func (a *fakeAdapter) CreateIssue(ctx context.Context, data domain.CreateIssueData) (domain.IssueData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.created = append(a.created, data)
	id := fmt.Sprintf("%d", 1000+len(a.created))
	issue := domain.IssueData{ID: id, Key: "QA-" + id, Title: data.Title, Status: "To Do", CreatedAt: time.Unix(0, 0)}
	a.issues[id] = issue
	return issue, nil
}

func (a *fakeAdapter) UpdateIssue(ctx context.Context, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	issue, ok := a.issues[issueID]
	if !ok {
		return domain.IssueData{}, &domain.NotFoundError{Resource: "issue", ID: issueID}
	}
	a.updated[issueID] = data
	if data.Title != nil {
		issue.Title = *data.Title
	}
	if data.Status != nil {
		issue.Status = *data.Status
	}
	a.issues[issueID] = issue
	return issue, nil
}

func (a *fakeAdapter) DeleteIssue(ctx context.Context, issueID string) error {
	return &domain.UnsupportedOperationError{Provider: a.provider, Operation: "delete issue"}
}

func (a *fakeAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result domain.IssueSearchResult
	for _, issue := range a.issues {
		result.Issues = append(result.Issues, issue)
	}
	sort.Slice(result.Issues, func(i, j int) bool { return result.Issues[i].ID < result.Issues[j].ID })
	result.Total = len(result.Issues)
	return result, nil
}

func (a *fakeAdapter) LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error {
	return nil
}

func (a *fakeAdapter) SyncIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	a.mu.Lock()
	a.syncedIDs = append(a.syncedIDs, issueID)
	err := a.syncErrs[issueID]
	a.mu.Unlock()

	if err != nil {
		return domain.IssueData{}, err
	}
	return a.GetIssue(ctx, issueID)
}

func (a *fakeAdapter) ValidateConfiguration(ctx context.Context) []string {
	return a.validation
}

func (a *fakeAdapter) GetProjects(ctx context.Context) ([]domain.Project, error) {
	return a.projects, a.projectsErr
}

func (a *fakeAdapter) GetStatuses(ctx context.Context, projectID string) ([]domain.IssueStatus, error) {
	return a.statuses, a.statusesErr
}

func (a *fakeAdapter) authCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authCalls
}

func (a *fakeAdapter) synced() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.syncedIDs...)
}

type fakeAdapterInvalidator struct {
	cleared []string
}

func (f *fakeAdapterInvalidator) ClearAdapter(integrationID string) {
	f.cleared = append(f.cleared, integrationID)
}

func testEncryptionKey() EncryptionKey {
	key, err := NewEncryptionKey("0123456789abcdef-test-secret")
	if err != nil {
		panic(err)
	}
	return key
}
