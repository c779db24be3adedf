package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andygrunwald/go-jira"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	"github.com/testplanit/issuebridge/pkg/integrations/base"
	"github.com/testplanit/issuebridge/pkg/richtext"
)

const (
	SettingKey_ProjectKey       = "projectKey"
	SettingKey_CloudID          = "cloudId"
	SettingKey_DefaultIssueType = "defaultIssueType"

	defaultIssueType  = "Task"
	customFieldPrefix = "customfield_"
)

// AtlassianAPIURL is the OAuth 2.0 (3LO) gateway. Tokens issued by Atlassian
// only work through it, addressed by cloud id.
var AtlassianAPIURL = "https://api.atlassian.com"

var searchFields = []string{"*all"}

type JiraAdapter struct {
	*base.Adapter

	siteURL          string
	cloudID          string
	projectKey       string
	defaultIssueType string

	mu     sync.RWMutex
	client *jira.Client
}

// NewJiraAdapter builds an adapter against a Jira Cloud or Server site. With
// API key credentials the email is the Basic auth username.
func NewJiraAdapter(config domain.AdapterConfig) (domain.IssueAdapter, error) {
	return newJiraAdapter(config)
}

func newJiraAdapter(config domain.AdapterConfig) (*JiraAdapter, error) {
	if config.BaseURL == "" && config.Setting(SettingKey_CloudID) == "" {
		return nil, &domain.ConfigurationError{Provider: domain.IntegrationProvider_Jira, Field: "baseUrl", Message: "a base URL or cloud id is required"}
	}

	adapter := &JiraAdapter{
		Adapter: base.NewAdapter(base.Config{
			AdapterConfig: config,
			APIKeyScheme:  base.APIKeyScheme_BasicEmail,
		}),
		siteURL:          strings.TrimRight(config.BaseURL, "/"),
		cloudID:          config.Setting(SettingKey_CloudID),
		projectKey:       config.Setting(SettingKey_ProjectKey),
		defaultIssueType: config.Setting(SettingKey_DefaultIssueType),
	}

	if adapter.defaultIssueType == "" {
		adapter.defaultIssueType = defaultIssueType
	}

	apiURL := adapter.siteURL
	if adapter.cloudID != "" {
		apiURL = gatewayURL(adapter.cloudID)
	}

	if err := adapter.setClient(apiURL); err != nil {
		return nil, err
	}

	return adapter, nil
}

func gatewayURL(cloudID string) string {
	return fmt.Sprintf("%s/ex/jira/%s", strings.TrimRight(AtlassianAPIURL, "/"), cloudID)
}

func (a *JiraAdapter) setClient(apiURL string) error {
	client, err := jira.NewClient(a.HTTPClient(), apiURL)
	if err != nil {
		return &domain.ConfigurationError{Provider: domain.IntegrationProvider_Jira, Field: "baseUrl", Message: err.Error()}
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	return nil
}

func (a *JiraAdapter) jiraClient() *jira.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.client
}

func (a *JiraAdapter) Capabilities() domain.IssueAdapterCapabilities {
	return domain.IssueAdapterCapabilities{
		CreateIssue:  true,
		UpdateIssue:  true,
		LinkIssue:    true,
		SyncIssue:    true,
		SearchIssues: true,
		Webhooks:     false,
		CustomFields: true,
		Attachments:  true,
	}
}

// Authenticate validates the credentials against /myself. OAuth tokens are
// routed through the Atlassian gateway, resolving the cloud id from the
// token's accessible resources when the integration does not pin one.
func (a *JiraAdapter) Authenticate(ctx context.Context, auth domain.AuthenticationData) error {
	return a.Adapter.Authenticate(ctx, auth, func(ctx context.Context) error {
		if auth.Type == domain.AuthenticationType_OAuth && a.cloudID == "" {
			resource, err := a.resolveAccessibleResource(ctx)
			if err != nil {
				return err
			}

			log.Info().
				Str("cloud_id", resource.ID).
				Str("site", resource.URL).
				Msg("Using Jira cloud site from accessible resources")

			a.cloudID = resource.ID
			if a.siteURL == "" {
				a.siteURL = strings.TrimRight(resource.URL, "/")
			}
			if err := a.setClient(gatewayURL(resource.ID)); err != nil {
				return err
			}
		}

		var user jira.User
		if err := a.call(ctx, "get current user", http.MethodGet, "rest/api/3/myself", nil, &user); err != nil {
			return err
		}

		if user.AccountID == "" && user.Name == "" {
			return fmt.Errorf("received invalid user information from Jira API")
		}

		return nil
	})
}

// resolveAccessibleResource picks the site matching the configured base URL,
// or the first one when none is configured.
func (a *JiraAdapter) resolveAccessibleResource(ctx context.Context) (JiraAccessibleResource, error) {
	var resources []JiraAccessibleResource

	err := a.MakeRequest(ctx, base.Request{
		Operation: "get accessible resources",
		Path:      strings.TrimRight(AtlassianAPIURL, "/") + "/oauth/token/accessible-resources",
	}, &resources)
	if err != nil {
		return JiraAccessibleResource{}, err
	}

	if len(resources) == 0 {
		return JiraAccessibleResource{}, fmt.Errorf("no accessible Jira resources available for this token")
	}

	if a.siteURL != "" {
		for _, resource := range resources {
			if strings.EqualFold(strings.TrimRight(resource.URL, "/"), a.siteURL) {
				return resource, nil
			}
		}
		return JiraAccessibleResource{}, fmt.Errorf("token has no access to Jira site %s", a.siteURL)
	}

	return resources[0], nil
}

func (a *JiraAdapter) GetIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	var raw issueResponse

	path := fmt.Sprintf("rest/api/3/issue/%s", url.PathEscape(issueID))
	if err := a.call(ctx, "get issue", http.MethodGet, path, nil, &raw); err != nil {
		return domain.IssueData{}, err
	}

	return a.toIssueData(raw)
}

func (a *JiraAdapter) CreateIssue(ctx context.Context, data domain.CreateIssueData) (domain.IssueData, error) {
	project := data.ProjectID
	if project == "" {
		project = a.projectKey
	}
	if project == "" {
		return domain.IssueData{}, &domain.ConfigurationError{Provider: domain.IntegrationProvider_Jira, Field: SettingKey_ProjectKey, Message: "project is required to create an issue"}
	}
	if strings.TrimSpace(data.Title) == "" {
		return domain.IssueData{}, fmt.Errorf("issue title is required")
	}

	issueType := data.IssueType
	if issueType == "" {
		issueType = a.defaultIssueType
	}

	fields := map[string]any{
		"project":     idOrKey(project),
		"summary":     data.Title,
		"issuetype":   idOrName(issueType),
		"description": richtext.ToADF(data.Document()),
	}

	if data.Priority != "" {
		fields["priority"] = idOrName(data.Priority)
	}
	if data.AssigneeID != "" {
		fields["assignee"] = map[string]string{"accountId": data.AssigneeID}
	}
	if len(data.Labels) > 0 {
		fields["labels"] = data.Labels
	}
	if data.ParentID != "" {
		fields["parent"] = idOrKey(data.ParentID)
	}
	for key, value := range data.CustomFields {
		fields[key] = value
	}

	var created createIssueResponse
	if err := a.call(ctx, "create issue", http.MethodPost, "rest/api/3/issue", issueRequest{Fields: fields}, &created); err != nil {
		return domain.IssueData{}, err
	}

	log.Info().Str("issue_key", created.Key).Str("project", project).Msg("Created Jira issue")

	id := created.Key
	if id == "" {
		id = created.ID
	}

	return a.GetIssue(ctx, id)
}

func (a *JiraAdapter) UpdateIssue(ctx context.Context, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	fields := map[string]any{}

	if data.Title != nil {
		fields["summary"] = *data.Title
	}
	if doc := data.Document(); doc != nil {
		fields["description"] = richtext.ToADF(doc)
	}
	if data.Priority != nil {
		fields["priority"] = idOrName(*data.Priority)
	}
	if data.AssigneeID != nil {
		if *data.AssigneeID == "" {
			fields["assignee"] = nil
		} else {
			fields["assignee"] = map[string]string{"accountId": *data.AssigneeID}
		}
	}
	if data.Labels != nil {
		fields["labels"] = data.Labels
	}
	for key, value := range data.CustomFields {
		fields[key] = value
	}

	path := fmt.Sprintf("rest/api/3/issue/%s", url.PathEscape(issueID))

	if len(fields) > 0 {
		if err := a.call(ctx, "update issue", http.MethodPut, path, issueRequest{Fields: fields}, nil); err != nil {
			return domain.IssueData{}, err
		}
	}

	if data.Status != nil && *data.Status != "" {
		if err := a.transitionTo(ctx, issueID, *data.Status); err != nil {
			return domain.IssueData{}, err
		}
	}

	return a.GetIssue(ctx, issueID)
}

// transitionTo moves the issue through the first transition whose target
// status or name matches, as Jira does not accept status writes directly.
func (a *JiraAdapter) transitionTo(ctx context.Context, issueID, status string) error {
	var transitions []jira.Transition

	err := a.Execute(ctx, "get transitions", func(ctx context.Context) error {
		result, resp, err := a.jiraClient().Issue.GetTransitionsWithContext(ctx, issueID)
		if err != nil {
			return a.serviceError("get transitions", resp, err)
		}
		transitions = result
		return nil
	})
	if err != nil {
		return err
	}

	transitionID := ""
	for _, transition := range transitions {
		if strings.EqualFold(transition.To.Name, status) || strings.EqualFold(transition.Name, status) {
			transitionID = transition.ID
			break
		}
	}

	if transitionID == "" {
		return fmt.Errorf("no valid transition found to status %q for issue %s", status, issueID)
	}

	return a.Execute(ctx, "transition issue", func(ctx context.Context) error {
		resp, err := a.jiraClient().Issue.DoTransitionWithContext(ctx, issueID, transitionID)
		if err != nil {
			return a.serviceError("transition issue", resp, err)
		}
		return nil
	})
}

func (a *JiraAdapter) DeleteIssue(ctx context.Context, issueID string) error {
	path := fmt.Sprintf("rest/api/3/issue/%s", url.PathEscape(issueID))
	return a.call(ctx, "delete issue", http.MethodDelete, path, nil, nil)
}

func (a *JiraAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	request := searchRequest{
		JQL:        BuildJQL(opts, a.projectKey),
		StartAt:    opts.Offset,
		MaxResults: opts.PageSize(),
		Fields:     searchFields,
	}

	var response searchResponse
	if err := a.call(ctx, "search issues", http.MethodPost, "rest/api/3/search", request, &response); err != nil {
		return domain.IssueSearchResult{}, err
	}

	issues := make([]domain.IssueData, 0, len(response.Issues))
	for _, raw := range response.Issues {
		issue, err := a.toIssueData(raw)
		if err != nil {
			return domain.IssueSearchResult{}, err
		}
		issues = append(issues, issue)
	}

	return domain.IssueSearchResult{
		Issues:  issues,
		Total:   response.Total,
		HasMore: response.StartAt+len(issues) < response.Total,
	}, nil
}

// LinkToTestCase adds a remote link pointing back at the test case. The
// global id makes repeated links to the same test case idempotent.
func (a *JiraAdapter) LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error {
	linkURL := domain.SettingString(metadata, "url")
	if linkURL == "" {
		return fmt.Errorf("test case url is required to link issue %s", issueID)
	}

	title := domain.SettingString(metadata, "title")
	if title == "" {
		title = "Test case " + testCaseID
	}

	link := &jira.RemoteLink{
		GlobalID:     "testcase:" + testCaseID,
		Relationship: "tested by",
		Application: &jira.RemoteLinkApplication{
			Type: "com.testplanit",
			Name: "TestPlanIt",
		},
		Object: &jira.RemoteLinkObject{
			URL:     linkURL,
			Title:   title,
			Summary: domain.SettingString(metadata, "summary"),
		},
	}

	return a.Execute(ctx, "link test case", func(ctx context.Context) error {
		_, resp, err := a.jiraClient().Issue.AddRemoteLinkWithContext(ctx, issueID, link)
		if err != nil {
			return a.serviceError("link test case", resp, err)
		}
		return nil
	})
}

func (a *JiraAdapter) SyncIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	return a.GetIssue(ctx, issueID)
}

func (a *JiraAdapter) GetProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project

	err := a.Execute(ctx, "get projects", func(ctx context.Context) error {
		list, resp, err := a.jiraClient().Project.GetListWithContext(ctx)
		if err != nil {
			return a.serviceError("get projects", resp, err)
		}

		projects = make([]domain.Project, 0, len(*list))
		for _, p := range *list {
			projects = append(projects, domain.Project{
				ID:   p.ID,
				Key:  p.Key,
				Name: p.Name,
				URL:  a.siteURL + "/browse/" + p.Key,
			})
		}
		return nil
	})

	return projects, err
}

// GetStatuses returns the statuses used by a project's workflows, or every
// status of the site when projectID is empty.
func (a *JiraAdapter) GetStatuses(ctx context.Context, projectID string) ([]domain.IssueStatus, error) {
	if projectID == "" {
		projectID = a.projectKey
	}

	if projectID == "" {
		var statuses []jira.Status
		err := a.Execute(ctx, "get statuses", func(ctx context.Context) error {
			result, resp, err := a.jiraClient().Status.GetAllStatusesWithContext(ctx)
			if err != nil {
				return a.serviceError("get statuses", resp, err)
			}
			statuses = result
			return nil
		})
		if err != nil {
			return nil, err
		}
		return toIssueStatuses(statuses), nil
	}

	var perType []projectStatuses
	path := fmt.Sprintf("rest/api/3/project/%s/statuses", url.PathEscape(projectID))
	if err := a.call(ctx, "get project statuses", http.MethodGet, path, nil, &perType); err != nil {
		return nil, err
	}

	var statuses []jira.Status
	for _, issueType := range perType {
		statuses = append(statuses, issueType.Statuses...)
	}

	return toIssueStatuses(statuses), nil
}

func toIssueStatuses(statuses []jira.Status) []domain.IssueStatus {
	seen := make(map[string]bool, len(statuses))
	result := make([]domain.IssueStatus, 0, len(statuses))

	for _, status := range statuses {
		if seen[status.ID] {
			continue
		}
		seen[status.ID] = true

		result = append(result, domain.IssueStatus{
			ID:       status.ID,
			Name:     status.Name,
			Category: status.StatusCategory.Key,
		})
	}

	return result
}

func (a *JiraAdapter) GetPriorities(ctx context.Context) ([]domain.IssuePriority, error) {
	var priorities []domain.IssuePriority

	err := a.Execute(ctx, "get priorities", func(ctx context.Context) error {
		result, resp, err := a.jiraClient().Priority.GetListWithContext(ctx)
		if err != nil {
			return a.serviceError("get priorities", resp, err)
		}

		priorities = make([]domain.IssuePriority, 0, len(result))
		for _, p := range result {
			priorities = append(priorities, domain.IssuePriority{ID: p.ID, Name: p.Name, IconURL: p.IconURL})
		}
		return nil
	})

	return priorities, err
}

func (a *JiraAdapter) GetIssueTypes(ctx context.Context, projectID string) ([]domain.IssueTypeRef, error) {
	if projectID == "" {
		projectID = a.projectKey
	}

	var issueTypes []jira.IssueType

	if projectID != "" {
		err := a.Execute(ctx, "get project", func(ctx context.Context) error {
			project, resp, err := a.jiraClient().Project.GetWithContext(ctx, projectID)
			if err != nil {
				return a.serviceError("get project", resp, err)
			}
			issueTypes = project.IssueTypes
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else if err := a.call(ctx, "get issue types", http.MethodGet, "rest/api/3/issuetype", nil, &issueTypes); err != nil {
		return nil, err
	}

	result := make([]domain.IssueTypeRef, 0, len(issueTypes))
	for _, t := range issueTypes {
		result = append(result, domain.IssueTypeRef{ID: t.ID, Name: t.Name, IconURL: t.IconURL})
	}

	return result, nil
}

func (a *JiraAdapter) SearchUsers(ctx context.Context, query string, limit int) ([]domain.IssueUser, error) {
	if limit <= 0 {
		limit = domain.DefaultSearchLimit
	}

	values := url.Values{}
	values.Set("query", query)
	values.Set("maxResults", fmt.Sprintf("%d", limit))

	var users []jira.User
	if err := a.call(ctx, "search users", http.MethodGet, "rest/api/3/user/search?"+values.Encode(), nil, &users); err != nil {
		return nil, err
	}

	result := make([]domain.IssueUser, 0, len(users))
	for _, u := range users {
		result = append(result, toIssueUser(&u))
	}

	return result, nil
}

// UploadAttachment buffers the content so a retried attempt can resend it.
func (a *JiraAdapter) UploadAttachment(ctx context.Context, issueID string, attachment domain.Attachment) (domain.AttachmentResult, error) {
	content, err := io.ReadAll(attachment.Content)
	if err != nil {
		return domain.AttachmentResult{}, fmt.Errorf("failed to read attachment %s: %w", attachment.FileName, err)
	}

	var result domain.AttachmentResult

	err = a.Execute(ctx, "upload attachment", func(ctx context.Context) error {
		attachments, resp, err := a.jiraClient().Issue.PostAttachmentWithContext(ctx, issueID, bytes.NewReader(content), attachment.FileName)
		if err != nil {
			return a.serviceError("upload attachment", resp, err)
		}

		if attachments == nil || len(*attachments) == 0 {
			return fmt.Errorf("jira returned no attachment for %s", attachment.FileName)
		}

		uploaded := (*attachments)[0]
		result = domain.AttachmentResult{ID: uploaded.ID, FileName: uploaded.Filename, URL: uploaded.Content}
		return nil
	})

	return result, err
}

// ValidateConfiguration checks that the configured project exists.
func (a *JiraAdapter) ValidateConfiguration(ctx context.Context) []string {
	if a.projectKey == "" {
		return nil
	}

	err := a.Execute(ctx, "get project", func(ctx context.Context) error {
		_, resp, err := a.jiraClient().Project.GetWithContext(ctx, a.projectKey)
		if err != nil {
			return a.serviceError("get project", resp, err)
		}
		return nil
	})
	if err != nil {
		return []string{fmt.Sprintf("project %s is not accessible: %v", a.projectKey, err)}
	}

	return nil
}

// call sends a request through go-jira's client so the response body is still
// readable when the status is not 2xx.
func (a *JiraAdapter) call(ctx context.Context, operation, method, path string, body any, out any) error {
	return a.Execute(ctx, operation, func(ctx context.Context) error {
		client := a.jiraClient()

		req, err := client.NewRequestWithContext(ctx, method, path, body)
		if err != nil {
			return fmt.Errorf("failed to create %s request: %w", operation, err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req, out)
		if err != nil {
			if resp != nil && resp.Response != nil {
				defer resp.Body.Close()
				if transportErr := a.TransportErrorFromResponse(operation, resp.Response); transportErr != nil {
					return transportErr
				}
			}
			return fmt.Errorf("jira %s failed: %w", operation, err)
		}

		if out == nil && resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		return nil
	})
}

// serviceError converts go-jira service errors. Those services already drained
// the body into err, so its text stands in for the body.
func (a *JiraAdapter) serviceError(operation string, resp *jira.Response, err error) error {
	if resp != nil && resp.Response != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		endpoint := ""
		if resp.Request != nil && resp.Request.URL != nil {
			endpoint = resp.Request.URL.String()
		}
		return a.NewTransportError(operation, endpoint, resp.StatusCode, []byte(err.Error()))
	}

	return fmt.Errorf("jira %s failed: %w", operation, err)
}

func (a *JiraAdapter) toIssueData(raw issueResponse) (domain.IssueData, error) {
	var fields issueFields
	if len(raw.Fields) > 0 {
		if err := json.Unmarshal(raw.Fields, &fields); err != nil {
			return domain.IssueData{}, fmt.Errorf("failed to decode fields of issue %s: %w", raw.Key, err)
		}
	}

	doc, err := richtext.ParseADF(fields.Description)
	if err != nil {
		log.Warn().Err(err).Str("issue_key", raw.Key).Msg("Failed to parse Jira description, keeping it empty")
		doc = richtext.NewDocument()
	}

	issue := domain.IssueData{
		ID:             raw.ID,
		Key:            raw.Key,
		Title:          fields.Summary,
		Description:    richtext.PlainText(doc),
		DescriptionDoc: doc,
		Labels:         fields.Labels,
		CustomFields:   customFields(raw.Fields),
		URL:            a.siteURL + "/browse/" + raw.Key,
	}

	if fields.Status != nil {
		issue.Status = fields.Status.Name
	}
	if fields.Priority != nil {
		issue.Priority = fields.Priority.Name
	}
	if fields.IssueType != nil {
		issue.IssueType = &domain.IssueTypeRef{
			ID:      fields.IssueType.ID,
			Name:    fields.IssueType.Name,
			IconURL: fields.IssueType.IconURL,
		}
	}
	if fields.Assignee != nil {
		user := toIssueUser(fields.Assignee)
		issue.Assignee = &user
	}
	if fields.Reporter != nil {
		user := toIssueUser(fields.Reporter)
		issue.Reporter = &user
	}
	if fields.Created != nil {
		issue.CreatedAt = time.Time(*fields.Created)
	}
	if fields.Updated != nil {
		issue.UpdatedAt = time.Time(*fields.Updated)
	}

	return issue, nil
}

// customFields copies every non-null customfield_* value.
func customFields(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}

	result := map[string]any{}
	for key, value := range all {
		if !strings.HasPrefix(key, customFieldPrefix) {
			continue
		}

		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil || decoded == nil {
			continue
		}
		result[key] = decoded
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

func toIssueUser(u *jira.User) domain.IssueUser {
	id := u.AccountID
	if id == "" {
		id = u.Name
	}
	return domain.IssueUser{ID: id, Name: u.DisplayName, Email: u.EmailAddress}
}

// idOrKey references a project or issue by numeric id or by key.
func idOrKey(value string) map[string]string {
	if isNumeric(value) {
		return map[string]string{"id": value}
	}
	return map[string]string{"key": value}
}

func idOrName(value string) map[string]string {
	if isNumeric(value) {
		return map[string]string{"id": value}
	}
	return map[string]string{"name": value}
}

func isNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
