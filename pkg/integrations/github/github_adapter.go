package githubintegration

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	"github.com/testplanit/issuebridge/pkg/integrations/base"
	"github.com/testplanit/issuebridge/pkg/richtext"
)

const (
	SettingKey_Owner      = "owner"
	SettingKey_Repo       = "repo"
	SettingKey_Repository = "repository"

	CustomField_Owner    = "owner"
	CustomField_Repo     = "repo"
	CustomField_Number   = "number"
	CustomField_GitHubID = "githubId"

	issueTypeName = "Issue"
	stateOpen     = "open"
	stateClosed   = "closed"
)

type GitHubAdapter struct {
	*base.Adapter

	owner string
	repo  string

	client *github.Client
}

// NewGitHubAdapter builds an adapter for the issues of one repository. The
// base URL is only needed for GitHub Enterprise, where it is the API root.
func NewGitHubAdapter(config domain.AdapterConfig) (domain.IssueAdapter, error) {
	return newGitHubAdapter(config)
}

func newGitHubAdapter(config domain.AdapterConfig) (*GitHubAdapter, error) {
	owner := config.Setting(SettingKey_Owner)
	repo := config.Setting(SettingKey_Repo)

	if repository := config.Setting(SettingKey_Repository); repository != "" && (owner == "" || repo == "") {
		var err error
		owner, repo, err = splitRepository(repository)
		if err != nil {
			return nil, &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: SettingKey_Repository, Message: err.Error()}
		}
	}

	adapter := &GitHubAdapter{
		Adapter: base.NewAdapter(base.Config{
			AdapterConfig: config,
			APIKeyScheme:  base.APIKeyScheme_Token,
		}),
		owner: owner,
		repo:  repo,
	}

	adapter.client = github.NewClient(adapter.HTTPClient())

	if config.BaseURL != "" {
		baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/") + "/")
		if err != nil {
			return nil, &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: "baseUrl", Message: err.Error()}
		}
		adapter.client.BaseURL = baseURL
	}

	return adapter, nil
}

func (a *GitHubAdapter) Capabilities() domain.IssueAdapterCapabilities {
	return domain.IssueAdapterCapabilities{
		CreateIssue:  true,
		UpdateIssue:  true,
		LinkIssue:    true,
		SyncIssue:    true,
		SearchIssues: true,
		Webhooks:     true,
		CustomFields: false,
		Attachments:  false,
	}
}

func (a *GitHubAdapter) Authenticate(ctx context.Context, auth domain.AuthenticationData) error {
	return a.Adapter.Authenticate(ctx, auth, func(ctx context.Context) error {
		return a.Execute(ctx, "get authenticated user", func(ctx context.Context) error {
			user, resp, err := a.client.Users.Get(ctx, "")
			if err != nil {
				return a.apiError("get authenticated user", resp, err)
			}

			log.Debug().Str("user", user.GetLogin()).Msg("Authenticated with GitHub")
			return nil
		})
	})
}

func (a *GitHubAdapter) GetIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	owner, repo, number, err := a.parseIssueID(issueID)
	if err != nil {
		return domain.IssueData{}, err
	}

	var issue *github.Issue

	err = a.Execute(ctx, "get issue", func(ctx context.Context) error {
		result, resp, err := a.client.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return a.apiError("get issue", resp, err)
		}
		issue = result
		return nil
	})
	if err != nil {
		return domain.IssueData{}, err
	}

	return toIssueData(owner, repo, issue), nil
}

func (a *GitHubAdapter) CreateIssue(ctx context.Context, data domain.CreateIssueData) (domain.IssueData, error) {
	owner, repo := a.owner, a.repo
	if data.ProjectID != "" {
		var err error
		owner, repo, err = splitRepository(data.ProjectID)
		if err != nil {
			return domain.IssueData{}, err
		}
	}
	if owner == "" || repo == "" {
		return domain.IssueData{}, &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: SettingKey_Repository, Message: "repository is required to create an issue"}
	}

	body, err := issueBody(data.DescriptionDoc, data.Description)
	if err != nil {
		return domain.IssueData{}, err
	}

	request := &github.IssueRequest{
		Title: github.String(data.Title),
		Body:  github.String(body),
	}
	if len(data.Labels) > 0 {
		labels := data.Labels
		request.Labels = &labels
	}
	if data.AssigneeID != "" {
		request.Assignees = &[]string{data.AssigneeID}
	}

	var issue *github.Issue

	err = a.Execute(ctx, "create issue", func(ctx context.Context) error {
		result, resp, err := a.client.Issues.Create(ctx, owner, repo, request)
		if err != nil {
			return a.apiError("create issue", resp, err)
		}
		issue = result
		return nil
	})
	if err != nil {
		return domain.IssueData{}, err
	}

	log.Info().
		Str("repository", owner+"/"+repo).
		Int("number", issue.GetNumber()).
		Msg("Created GitHub issue")

	return toIssueData(owner, repo, issue), nil
}

// UpdateIssue edits the issue. Statuses other than open and closed collapse
// onto those two states; priority has no GitHub equivalent and is ignored.
func (a *GitHubAdapter) UpdateIssue(ctx context.Context, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	owner, repo, number, err := a.parseIssueID(issueID)
	if err != nil {
		return domain.IssueData{}, err
	}

	request := &github.IssueRequest{}

	if data.Title != nil {
		request.Title = data.Title
	}
	if data.DescriptionDoc != nil || data.Description != nil {
		description := ""
		if data.Description != nil {
			description = *data.Description
		}
		body, err := issueBody(data.DescriptionDoc, description)
		if err != nil {
			return domain.IssueData{}, err
		}
		request.Body = github.String(body)
	}
	if data.Status != nil && *data.Status != "" {
		request.State = github.String(toState(*data.Status))
	}
	if data.AssigneeID != nil {
		if *data.AssigneeID == "" {
			request.Assignees = &[]string{}
		} else {
			request.Assignees = &[]string{*data.AssigneeID}
		}
	}
	if data.Labels != nil {
		labels := data.Labels
		request.Labels = &labels
	}

	var issue *github.Issue

	err = a.Execute(ctx, "update issue", func(ctx context.Context) error {
		result, resp, err := a.client.Issues.Edit(ctx, owner, repo, number, request)
		if err != nil {
			return a.apiError("update issue", resp, err)
		}
		issue = result
		return nil
	})
	if err != nil {
		return domain.IssueData{}, err
	}

	return toIssueData(owner, repo, issue), nil
}

// DeleteIssue is not offered by the GitHub REST API.
func (a *GitHubAdapter) DeleteIssue(ctx context.Context, issueID string) error {
	return a.Unsupported("delete issue")
}

func (a *GitHubAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	owner, repo := a.owner, a.repo
	if opts.ProjectID != "" {
		var err error
		owner, repo, err = splitRepository(opts.ProjectID)
		if err != nil {
			return domain.IssueSearchResult{}, err
		}
	}
	if owner == "" || repo == "" {
		return domain.IssueSearchResult{}, &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: SettingKey_Repository, Message: "repository is required to search issues"}
	}

	// GitHub pages by number, so an offset inside a page needs the covering
	// pages and a slice of them.
	pageSize := opts.PageSize()
	skip := opts.Offset % pageSize
	searchOpts := &github.SearchOptions{
		Sort:  "updated",
		Order: "desc",
		ListOptions: github.ListOptions{
			PerPage: pageSize,
			Page:    opts.Offset/pageSize + 1,
		},
	}

	query := BuildSearchQuery(owner, repo, opts)

	var (
		found []*github.Issue
		total int
	)

	for len(found) < skip+pageSize {
		var page *github.IssuesSearchResult

		err := a.Execute(ctx, "search issues", func(ctx context.Context) error {
			result, resp, err := a.client.Search.Issues(ctx, query, searchOpts)
			if err != nil {
				return a.apiError("search issues", resp, err)
			}
			page = result
			return nil
		})
		if err != nil {
			return domain.IssueSearchResult{}, err
		}

		total = page.GetTotal()
		found = append(found, page.Issues...)

		if len(page.Issues) < pageSize {
			break
		}
		searchOpts.Page++
	}

	if skip < len(found) {
		found = found[skip:min(skip+pageSize, len(found))]
	} else {
		found = nil
	}

	issues := make([]domain.IssueData, 0, len(found))
	for _, issue := range found {
		issues = append(issues, toIssueData(owner, repo, issue))
	}

	return domain.IssueSearchResult{
		Issues:  issues,
		Total:   total,
		HasMore: opts.Offset+len(issues) < total,
	}, nil
}

// BuildSearchQuery renders search options in GitHub's issue search syntax.
func BuildSearchQuery(owner, repo string, opts domain.IssueSearchOptions) string {
	parts := []string{fmt.Sprintf("repo:%s/%s", owner, repo), "is:issue"}

	states := map[string]bool{}
	for _, status := range opts.Status {
		states[toState(status)] = true
	}
	if len(states) == 1 {
		for state := range states {
			parts = append(parts, "state:"+state)
		}
	}

	if opts.Assignee != "" {
		parts = append(parts, "assignee:"+opts.Assignee)
	}

	for _, label := range opts.Labels {
		parts = append(parts, fmt.Sprintf("label:%q", label))
	}

	if query := strings.TrimSpace(opts.Query); query != "" {
		parts = append(parts, query)
	}

	return strings.Join(parts, " ")
}

// LinkToTestCase leaves a comment on the issue pointing at the test case.
func (a *GitHubAdapter) LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error {
	owner, repo, number, err := a.parseIssueID(issueID)
	if err != nil {
		return err
	}

	title := domain.SettingString(metadata, "title")
	if title == "" {
		title = "test case " + testCaseID
	}

	body := fmt.Sprintf("Linked to %s", title)
	if linkURL := domain.SettingString(metadata, "url"); linkURL != "" {
		body = fmt.Sprintf("Linked to [%s](%s)", title, linkURL)
	}

	return a.Execute(ctx, "link test case", func(ctx context.Context) error {
		_, resp, err := a.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
		if err != nil {
			return a.apiError("link test case", resp, err)
		}
		return nil
	})
}

func (a *GitHubAdapter) SyncIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	return a.GetIssue(ctx, issueID)
}

// GetProjects lists the repositories of the authenticated user.
func (a *GitHubAdapter) GetProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project

	err := a.Execute(ctx, "list repositories", func(ctx context.Context) error {
		repos, resp, err := a.client.Repositories.ListByAuthenticatedUser(ctx, &github.RepositoryListByAuthenticatedUserOptions{
			Sort:        "updated",
			ListOptions: github.ListOptions{PerPage: 100},
		})
		if err != nil {
			return a.apiError("list repositories", resp, err)
		}

		projects = make([]domain.Project, 0, len(repos))
		for _, r := range repos {
			if !r.GetHasIssues() {
				continue
			}
			projects = append(projects, domain.Project{
				ID:   r.GetFullName(),
				Key:  r.GetFullName(),
				Name: r.GetName(),
				URL:  r.GetHTMLURL(),
			})
		}
		return nil
	})

	return projects, err
}

func (a *GitHubAdapter) GetStatuses(ctx context.Context, projectID string) ([]domain.IssueStatus, error) {
	return []domain.IssueStatus{
		{ID: stateOpen, Name: stateOpen, Category: "new"},
		{ID: stateClosed, Name: stateClosed, Category: "done"},
	}, nil
}

func (a *GitHubAdapter) GetIssueTypes(ctx context.Context, projectID string) ([]domain.IssueTypeRef, error) {
	return []domain.IssueTypeRef{{ID: strings.ToLower(issueTypeName), Name: issueTypeName}}, nil
}

func (a *GitHubAdapter) SearchUsers(ctx context.Context, query string, limit int) ([]domain.IssueUser, error) {
	if limit <= 0 {
		limit = domain.DefaultSearchLimit
	}

	var users []domain.IssueUser

	err := a.Execute(ctx, "search users", func(ctx context.Context) error {
		result, resp, err := a.client.Search.Users(ctx, query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: limit}})
		if err != nil {
			return a.apiError("search users", resp, err)
		}

		users = make([]domain.IssueUser, 0, len(result.Users))
		for _, u := range result.Users {
			users = append(users, toIssueUser(u))
		}
		return nil
	})

	return users, err
}

func (a *GitHubAdapter) RegisterWebhook(ctx context.Context, config domain.WebhookConfig) (string, error) {
	if a.owner == "" || a.repo == "" {
		return "", &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: SettingKey_Repository, Message: "repository is required to register a webhook"}
	}

	events := config.Events
	if len(events) == 0 {
		events = DefaultWebhookEvents
	}

	hookConfig := map[string]interface{}{
		"url":          config.URL,
		"content_type": "json",
	}
	if config.Secret != "" {
		hookConfig["secret"] = config.Secret
	}

	var hookID string

	err := a.Execute(ctx, "create webhook", func(ctx context.Context) error {
		hook, resp, err := a.client.Repositories.CreateHook(ctx, a.owner, a.repo, &github.Hook{
			Config: hookConfig,
			Events: events,
			Active: github.Bool(true),
		})
		if err != nil {
			return a.apiError("create webhook", resp, err)
		}
		hookID = strconv.FormatInt(hook.GetID(), 10)
		return nil
	})

	return hookID, err
}

func (a *GitHubAdapter) UnregisterWebhook(ctx context.Context, webhookID string) error {
	id, err := strconv.ParseInt(webhookID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid webhook id %q: %w", webhookID, err)
	}

	return a.Execute(ctx, "delete webhook", func(ctx context.Context) error {
		resp, err := a.client.Repositories.DeleteHook(ctx, a.owner, a.repo, id)
		if err != nil {
			return a.apiError("delete webhook", resp, err)
		}
		return nil
	})
}

// ValidateConfiguration checks the repository exists and has issues enabled.
func (a *GitHubAdapter) ValidateConfiguration(ctx context.Context) []string {
	if a.owner == "" || a.repo == "" {
		return []string{"repository owner and name are required"}
	}

	var problems []string

	err := a.Execute(ctx, "get repository", func(ctx context.Context) error {
		repository, resp, err := a.client.Repositories.Get(ctx, a.owner, a.repo)
		if err != nil {
			return a.apiError("get repository", resp, err)
		}
		if !repository.GetHasIssues() {
			problems = append(problems, fmt.Sprintf("issues are disabled for %s/%s", a.owner, a.repo))
		}
		return nil
	})
	if err != nil {
		problems = append(problems, fmt.Sprintf("repository %s/%s is not accessible: %v", a.owner, a.repo, err))
	}

	return problems
}

// apiError converts go-github errors. go-github puts the error body back on
// the response, so the raw body is still available.
func (a *GitHubAdapter) apiError(operation string, resp *github.Response, err error) error {
	if resp != nil && resp.Response != nil {
		if transportErr := a.TransportErrorFromResponse(operation, resp.Response); transportErr != nil {
			return transportErr
		}
	}
	return fmt.Errorf("github %s failed: %w", operation, err)
}

// parseIssueID accepts "owner/repo#number", "#number" or "number"; the short
// forms refer to the configured repository.
func (a *GitHubAdapter) parseIssueID(issueID string) (string, string, int, error) {
	owner, repo := a.owner, a.repo
	numberPart := strings.TrimPrefix(issueID, "#")

	if idx := strings.LastIndex(issueID, "#"); idx > 0 {
		var err error
		owner, repo, err = splitRepository(issueID[:idx])
		if err != nil {
			return "", "", 0, err
		}
		numberPart = issueID[idx+1:]
	}

	number, err := strconv.Atoi(numberPart)
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid GitHub issue id %q", issueID)
	}

	if owner == "" || repo == "" {
		return "", "", 0, &domain.ConfigurationError{Provider: domain.IntegrationProvider_GitHub, Field: SettingKey_Repository, Message: "repository is required for issue " + issueID}
	}

	return owner, repo, number, nil
}

func splitRepository(repository string) (string, string, error) {
	parts := strings.Split(strings.Trim(repository, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be in 'owner/repo' format, got %q", repository)
	}
	return parts[0], parts[1], nil
}

// IssueID renders the canonical identifier of a repository issue.
func IssueID(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// issueBody renders the Markdown issue body. Descriptions stored as HTML are
// converted directly so that tables and links survive.
func issueBody(doc *richtext.Document, description string) (string, error) {
	if doc != nil {
		return richtext.ToMarkdown(doc), nil
	}
	if looksLikeHTML(description) {
		return richtext.HTMLToMarkdown(description)
	}
	return richtext.ToMarkdown(richtext.FromPlainText(description)), nil
}

func looksLikeHTML(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">")
}

func toState(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case stateClosed, "done", "resolved", "completed":
		return stateClosed
	}
	return stateOpen
}

func toIssueData(owner, repo string, issue *github.Issue) domain.IssueData {
	doc := richtext.FromMarkdown(issue.GetBody())
	id := IssueID(owner, repo, issue.GetNumber())

	data := domain.IssueData{
		ID:             id,
		Key:            id,
		Title:          issue.GetTitle(),
		Description:    richtext.PlainText(doc),
		DescriptionDoc: doc,
		Status:         issue.GetState(),
		Priority:       domain.PriorityUndefined,
		IssueType:      &domain.IssueTypeRef{ID: strings.ToLower(issueTypeName), Name: issueTypeName},
		CustomFields: map[string]any{
			CustomField_Owner:    owner,
			CustomField_Repo:     repo,
			CustomField_Number:   issue.GetNumber(),
			CustomField_GitHubID: issue.GetID(),
		},
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
		URL:       issue.GetHTMLURL(),
	}

	if issue.Assignee != nil {
		user := toIssueUser(issue.Assignee)
		data.Assignee = &user
	}
	if issue.User != nil {
		user := toIssueUser(issue.User)
		data.Reporter = &user
	}

	for _, label := range issue.Labels {
		data.Labels = append(data.Labels, label.GetName())
	}

	return data
}

func toIssueUser(u *github.User) domain.IssueUser {
	name := u.GetName()
	if name == "" {
		name = u.GetLogin()
	}
	return domain.IssueUser{ID: u.GetLogin(), Name: name, Email: u.GetEmail()}
}
