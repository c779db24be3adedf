package azuredevops

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
	"github.com/testplanit/issuebridge/pkg/integrations/base"
	"github.com/testplanit/issuebridge/pkg/richtext"
)

const (
	SettingKey_Organization        = "organization"
	SettingKey_Project             = "project"
	SettingKey_DefaultWorkItemType = "defaultWorkItemType"

	CustomField_Project  = "project"
	CustomField_AreaPath = "areaPath"
	CustomField_Revision = "rev"

	APIVersion            = "7.0"
	DefaultWorkItemType   = "Task"
	MaxWorkItemsPerBatch  = 200
	jsonPatchContentType  = "application/json-patch+json"
	organizationURLFormat = "https://dev.azure.com/%s"
)

var priorities = []domain.IssuePriority{
	{ID: "1", Name: "Critical"},
	{ID: "2", Name: "High"},
	{ID: "3", Name: "Medium"},
	{ID: "4", Name: "Low"},
}

type AzureDevOpsAdapter struct {
	*base.Adapter

	project             string
	defaultWorkItemType string
}

// NewAzureDevOpsAdapter builds an adapter for the work items of one
// organization. The base URL is the organization URL; an organization name
// setting is enough for Azure DevOps Services.
func NewAzureDevOpsAdapter(config domain.AdapterConfig) (domain.IssueAdapter, error) {
	return newAzureDevOpsAdapter(config)
}

func newAzureDevOpsAdapter(config domain.AdapterConfig) (*AzureDevOpsAdapter, error) {
	if config.BaseURL == "" {
		organization := config.Setting(SettingKey_Organization)
		if organization == "" {
			return nil, &domain.ConfigurationError{Provider: domain.IntegrationProvider_AzureDevOps, Field: "baseUrl", Message: "organization URL or organization name is required"}
		}
		config.BaseURL = fmt.Sprintf(organizationURLFormat, url.PathEscape(organization))
	}

	workItemType := config.Setting(SettingKey_DefaultWorkItemType)
	if workItemType == "" {
		workItemType = DefaultWorkItemType
	}

	return &AzureDevOpsAdapter{
		Adapter: base.NewAdapter(base.Config{
			AdapterConfig: config,
			APIKeyScheme:  base.APIKeyScheme_BasicEmptyUser,
		}),
		project:             config.Setting(SettingKey_Project),
		defaultWorkItemType: workItemType,
	}, nil
}

func (a *AzureDevOpsAdapter) Capabilities() domain.IssueAdapterCapabilities {
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

func (a *AzureDevOpsAdapter) Authenticate(ctx context.Context, auth domain.AuthenticationData) error {
	return a.Adapter.Authenticate(ctx, auth, func(ctx context.Context) error {
		return a.MakeRequest(ctx, base.Request{
			Operation: "list projects",
			Path:      "_apis/projects",
			Query:     apiQuery("$top", "1"),
		}, nil)
	})
}

func (a *AzureDevOpsAdapter) GetIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	id, err := parseWorkItemID(issueID)
	if err != nil {
		return domain.IssueData{}, err
	}

	var item workItem

	err = a.MakeRequest(ctx, base.Request{
		Operation: "get work item",
		Path:      fmt.Sprintf("_apis/wit/workitems/%d", id),
		Query:     apiQuery("$expand", "all"),
	}, &item)
	if err != nil {
		return domain.IssueData{}, err
	}

	return a.toIssueData(&item), nil
}

func (a *AzureDevOpsAdapter) CreateIssue(ctx context.Context, data domain.CreateIssueData) (domain.IssueData, error) {
	project := data.ProjectID
	if project == "" {
		project = a.project
	}
	if project == "" {
		return domain.IssueData{}, &domain.ConfigurationError{Provider: a.Provider(), Field: SettingKey_Project, Message: "project is required to create a work item"}
	}
	if strings.TrimSpace(data.Title) == "" {
		return domain.IssueData{}, fmt.Errorf("work item title is required")
	}

	workItemType := data.IssueType
	if workItemType == "" {
		workItemType = a.defaultWorkItemType
	}

	ops := []patchOperation{
		addField(field_Title, data.Title),
	}

	if doc := data.Document(); !doc.IsEmpty() {
		ops = append(ops, addField(field_Description, richtext.ToHTML(doc)))
	}
	if data.Priority != "" {
		priority, err := priorityValue(data.Priority)
		if err != nil {
			return domain.IssueData{}, err
		}
		ops = append(ops, addField(field_Priority, priority))
	}
	if data.AssigneeID != "" {
		ops = append(ops, addField(field_AssignedTo, data.AssigneeID))
	}
	if len(data.Labels) > 0 {
		ops = append(ops, addField(field_Tags, joinTags(data.Labels)))
	}
	if data.ParentID != "" {
		parentID, err := parseWorkItemID(data.ParentID)
		if err != nil {
			return domain.IssueData{}, err
		}
		ops = append(ops, addRelation(relation_Parent, a.workItemURL(parentID), nil))
	}
	ops = append(ops, customFieldOps(data.CustomFields)...)

	var item workItem

	err := a.MakeRequest(ctx, base.Request{
		Operation:   "create work item",
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("%s/_apis/wit/workitems/$%s", url.PathEscape(project), url.PathEscape(workItemType)),
		Query:       apiQuery(),
		Body:        ops,
		ContentType: jsonPatchContentType,
	}, &item)
	if err != nil {
		return domain.IssueData{}, err
	}

	log.Info().
		Str("project", project).
		Int("work_item_id", item.ID).
		Msg("Created Azure DevOps work item")

	return a.toIssueData(&item), nil
}

func (a *AzureDevOpsAdapter) UpdateIssue(ctx context.Context, issueID string, data domain.UpdateIssueData) (domain.IssueData, error) {
	id, err := parseWorkItemID(issueID)
	if err != nil {
		return domain.IssueData{}, err
	}

	var ops []patchOperation

	if data.Title != nil {
		ops = append(ops, addField(field_Title, *data.Title))
	}
	if doc := data.Document(); doc != nil {
		ops = append(ops, addField(field_Description, richtext.ToHTML(doc)))
	}
	if data.Status != nil && *data.Status != "" {
		ops = append(ops, addField(field_State, *data.Status))
	}
	if data.Priority != nil && *data.Priority != "" {
		priority, err := priorityValue(*data.Priority)
		if err != nil {
			return domain.IssueData{}, err
		}
		ops = append(ops, addField(field_Priority, priority))
	}
	if data.AssigneeID != nil {
		if *data.AssigneeID == "" {
			ops = append(ops, patchOperation{Op: "remove", Path: "/fields/" + field_AssignedTo})
		} else {
			ops = append(ops, addField(field_AssignedTo, *data.AssigneeID))
		}
	}
	if data.Labels != nil {
		ops = append(ops, addField(field_Tags, joinTags(data.Labels)))
	}
	ops = append(ops, customFieldOps(data.CustomFields)...)

	if len(ops) == 0 {
		return a.GetIssue(ctx, issueID)
	}

	item, err := a.patchWorkItem(ctx, "update work item", id, ops)
	if err != nil {
		return domain.IssueData{}, err
	}

	return a.toIssueData(item), nil
}

func (a *AzureDevOpsAdapter) DeleteIssue(ctx context.Context, issueID string) error {
	id, err := parseWorkItemID(issueID)
	if err != nil {
		return err
	}

	return a.MakeRequest(ctx, base.Request{
		Operation: "delete work item",
		Method:    http.MethodDelete,
		Path:      fmt.Sprintf("_apis/wit/workitems/%d", id),
		Query:     apiQuery(),
	}, nil)
}

// SearchIssues runs a WIQL query for matching ids and then fetches only the
// requested page of work items, at most MaxWorkItemsPerBatch per call.
func (a *AzureDevOpsAdapter) SearchIssues(ctx context.Context, opts domain.IssueSearchOptions) (domain.IssueSearchResult, error) {
	project := opts.ProjectID
	if project == "" {
		project = a.project
	}

	path := "_apis/wit/wiql"
	if project != "" {
		path = url.PathEscape(project) + "/" + path
	}

	var found wiqlResponse

	err := a.MakeRequest(ctx, base.Request{
		Operation: "query work items",
		Method:    http.MethodPost,
		Path:      path,
		Query:     apiQuery(),
		Body:      wiqlRequest{Query: BuildWIQL(opts, a.project)},
	}, &found)
	if err != nil {
		return domain.IssueSearchResult{}, err
	}

	total := len(found.WorkItems)
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + opts.PageSize()
	if end > total {
		end = total
	}

	ids := make([]int, 0, end-start)
	for _, ref := range found.WorkItems[start:end] {
		ids = append(ids, ref.ID)
	}

	items, err := a.getWorkItems(ctx, ids)
	if err != nil {
		return domain.IssueSearchResult{}, err
	}

	issues := make([]domain.IssueData, 0, len(items))
	for _, item := range items {
		issues = append(issues, a.toIssueData(item))
	}

	return domain.IssueSearchResult{
		Issues:  issues,
		Total:   total,
		HasMore: end < total,
	}, nil
}

func (a *AzureDevOpsAdapter) getWorkItems(ctx context.Context, ids []int) ([]*workItem, error) {
	var items []*workItem

	for start := 0; start < len(ids); start += MaxWorkItemsPerBatch {
		end := start + MaxWorkItemsPerBatch
		if end > len(ids) {
			end = len(ids)
		}

		batch := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			batch = append(batch, strconv.Itoa(id))
		}

		var list workItemList

		err := a.MakeRequest(ctx, base.Request{
			Operation: "get work items",
			Path:      "_apis/wit/workitems",
			Query:     apiQuery("ids", strings.Join(batch, ","), "$expand", "all", "errorPolicy", "omit"),
		}, &list)
		if err != nil {
			return nil, err
		}

		for _, item := range list.Value {
			if item != nil {
				items = append(items, item)
			}
		}
	}

	return items, nil
}

// LinkToTestCase adds a hyperlink relation pointing at the test case.
func (a *AzureDevOpsAdapter) LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error {
	id, err := parseWorkItemID(issueID)
	if err != nil {
		return err
	}

	linkURL := domain.SettingString(metadata, "url")
	if linkURL == "" {
		return fmt.Errorf("test case %s has no url to link", testCaseID)
	}

	comment := domain.SettingString(metadata, "title")
	if comment == "" {
		comment = "Test case " + testCaseID
	}

	_, err = a.patchWorkItem(ctx, "link test case", id, []patchOperation{
		addRelation(relation_Hyperlink, linkURL, map[string]any{"comment": comment}),
	})
	return err
}

func (a *AzureDevOpsAdapter) SyncIssue(ctx context.Context, issueID string) (domain.IssueData, error) {
	return a.GetIssue(ctx, issueID)
}

// UploadAttachment uploads the file and then attaches it to the work item.
// When the second step fails the upload stays orphaned in the organization.
func (a *AzureDevOpsAdapter) UploadAttachment(ctx context.Context, issueID string, attachment domain.Attachment) (domain.AttachmentResult, error) {
	id, err := parseWorkItemID(issueID)
	if err != nil {
		return domain.AttachmentResult{}, err
	}

	content, err := io.ReadAll(attachment.Content)
	if err != nil {
		return domain.AttachmentResult{}, fmt.Errorf("failed to read attachment %s: %w", attachment.FileName, err)
	}

	path := "_apis/wit/attachments"
	if a.project != "" {
		path = url.PathEscape(a.project) + "/" + path
	}

	var reference attachmentReference

	err = a.MakeRequest(ctx, base.Request{
		Operation:   "upload attachment",
		Method:      http.MethodPost,
		Path:        path,
		Query:       apiQuery("fileName", attachment.FileName),
		RawBody:     content,
		ContentType: "application/octet-stream",
	}, &reference)
	if err != nil {
		return domain.AttachmentResult{}, err
	}

	_, err = a.patchWorkItem(ctx, "attach file", id, []patchOperation{
		addRelation(relation_Attachment, reference.URL, map[string]any{"name": attachment.FileName}),
	})
	if err != nil {
		log.Warn().
			Str("attachment_id", reference.ID).
			Int("work_item_id", id).
			Err(err).
			Msg("Attachment uploaded but not linked to work item")

		return domain.AttachmentResult{}, fmt.Errorf("attachment %s was uploaded as %s but could not be attached to work item %d, the upload is orphaned: %w", attachment.FileName, reference.ID, id, err)
	}

	return domain.AttachmentResult{
		ID:       reference.ID,
		FileName: attachment.FileName,
		URL:      reference.URL,
	}, nil
}

func (a *AzureDevOpsAdapter) GetProjects(ctx context.Context) ([]domain.Project, error) {
	var list teamProjectList

	err := a.MakeRequest(ctx, base.Request{
		Operation: "list projects",
		Path:      "_apis/projects",
		Query:     apiQuery(),
	}, &list)
	if err != nil {
		return nil, err
	}

	projects := make([]domain.Project, 0, len(list.Value))
	for _, p := range list.Value {
		projects = append(projects, domain.Project{
			ID:   p.ID,
			Key:  p.Name,
			Name: p.Name,
			URL:  a.BaseURL() + "/" + url.PathEscape(p.Name),
		})
	}

	return projects, nil
}

// GetStatuses lists the states of the default work item type.
func (a *AzureDevOpsAdapter) GetStatuses(ctx context.Context, projectID string) ([]domain.IssueStatus, error) {
	project, err := a.projectOrDefault(projectID)
	if err != nil {
		return nil, err
	}

	var list workItemStateList

	err = a.MakeRequest(ctx, base.Request{
		Operation: "list work item states",
		Path:      fmt.Sprintf("%s/_apis/wit/workitemtypes/%s/states", url.PathEscape(project), url.PathEscape(a.defaultWorkItemType)),
		Query:     apiQuery(),
	}, &list)
	if err != nil {
		return nil, err
	}

	statuses := make([]domain.IssueStatus, 0, len(list.Value))
	for _, s := range list.Value {
		statuses = append(statuses, domain.IssueStatus{ID: s.Name, Name: s.Name, Category: strings.ToLower(s.Category)})
	}

	return statuses, nil
}

func (a *AzureDevOpsAdapter) GetPriorities(ctx context.Context) ([]domain.IssuePriority, error) {
	return append([]domain.IssuePriority(nil), priorities...), nil
}

func (a *AzureDevOpsAdapter) GetIssueTypes(ctx context.Context, projectID string) ([]domain.IssueTypeRef, error) {
	project, err := a.projectOrDefault(projectID)
	if err != nil {
		return nil, err
	}

	var list workItemTypeList

	err = a.MakeRequest(ctx, base.Request{
		Operation: "list work item types",
		Path:      url.PathEscape(project) + "/_apis/wit/workitemtypes",
		Query:     apiQuery(),
	}, &list)
	if err != nil {
		return nil, err
	}

	types := make([]domain.IssueTypeRef, 0, len(list.Value))
	for _, t := range list.Value {
		if t.IsDisabled {
			continue
		}
		types = append(types, domain.IssueTypeRef{ID: t.Name, Name: t.Name, IconURL: t.Icon.URL})
	}

	return types, nil
}

func (a *AzureDevOpsAdapter) ValidateConfiguration(ctx context.Context) []string {
	if a.project == "" {
		return []string{"project is required"}
	}

	err := a.MakeRequest(ctx, base.Request{
		Operation: "get project",
		Path:      "_apis/projects/" + url.PathEscape(a.project),
		Query:     apiQuery(),
	}, nil)
	if err != nil {
		return []string{fmt.Sprintf("project %s is not accessible: %v", a.project, err)}
	}

	return nil
}

func (a *AzureDevOpsAdapter) patchWorkItem(ctx context.Context, operation string, id int, ops []patchOperation) (*workItem, error) {
	var item workItem

	err := a.MakeRequest(ctx, base.Request{
		Operation:   operation,
		Method:      http.MethodPatch,
		Path:        fmt.Sprintf("_apis/wit/workitems/%d", id),
		Query:       apiQuery(),
		Body:        ops,
		ContentType: jsonPatchContentType,
	}, &item)
	if err != nil {
		return nil, err
	}

	return &item, nil
}

func (a *AzureDevOpsAdapter) projectOrDefault(projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	if a.project != "" {
		return a.project, nil
	}
	return "", &domain.ConfigurationError{Provider: a.Provider(), Field: SettingKey_Project, Message: "project is required"}
}

func (a *AzureDevOpsAdapter) workItemURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", a.BaseURL(), id)
}

func (a *AzureDevOpsAdapter) toIssueData(item *workItem) domain.IssueData {
	fields := item.Fields

	data := domain.IssueData{
		ID:       strconv.Itoa(item.ID),
		Key:      strconv.Itoa(item.ID),
		Title:    fieldString(fields, field_Title),
		Status:   fieldString(fields, field_State),
		Priority: priorityName(fields[field_Priority]),
		URL:      item.Links.HTML.Href,
		CustomFields: map[string]any{
			CustomField_Revision: item.Rev,
		},
	}

	if project := fieldString(fields, field_TeamProject); project != "" {
		data.CustomFields[CustomField_Project] = project
		if data.URL == "" {
			data.URL = fmt.Sprintf("%s/%s/_workitems/edit/%d", a.BaseURL(), url.PathEscape(project), item.ID)
		}
	}
	if areaPath := fieldString(fields, field_AreaPath); areaPath != "" {
		data.CustomFields[CustomField_AreaPath] = areaPath
	}
	for key, value := range fields {
		if strings.HasPrefix(key, "Custom.") && value != nil {
			data.CustomFields[key] = value
		}
	}

	if description := fieldString(fields, field_Description); description != "" {
		doc, err := richtext.FromHTML(description)
		if err != nil {
			log.Warn().Int("work_item_id", item.ID).Err(err).Msg("Failed to parse work item description")
			doc = richtext.FromPlainText(description)
		}
		data.DescriptionDoc = doc
		data.Description = richtext.PlainText(doc)
	}

	if typeName := fieldString(fields, field_WorkItemType); typeName != "" {
		data.IssueType = &domain.IssueTypeRef{ID: typeName, Name: typeName}
	}

	data.Assignee = toIssueUser(fields[field_AssignedTo])
	data.Reporter = toIssueUser(fields[field_CreatedBy])
	data.Labels = splitTags(fieldString(fields, field_Tags))
	data.CreatedAt = fieldTime(fields, field_CreatedDate)
	data.UpdatedAt = fieldTime(fields, field_ChangedDate)

	return data
}

func apiQuery(pairs ...string) url.Values {
	query := url.Values{"api-version": {APIVersion}}
	for i := 0; i+1 < len(pairs); i += 2 {
		query.Set(pairs[i], pairs[i+1])
	}
	return query
}

func addField(name string, value any) patchOperation {
	return patchOperation{Op: "add", Path: "/fields/" + name, Value: value}
}

func addRelation(rel, target string, attributes map[string]any) patchOperation {
	return patchOperation{Op: "add", Path: "/relations/-", Value: workItemRelation{Rel: rel, URL: target, Attributes: attributes}}
}

// customFieldOps writes custom fields in a stable order so that requests are
// reproducible.
func customFieldOps(customFields map[string]any) []patchOperation {
	keys := make([]string, 0, len(customFields))
	for key := range customFields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ops := make([]patchOperation, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, addField(key, customFields[key]))
	}
	return ops
}

func parseWorkItemID(issueID string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(issueID), "#"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid work item id %q", issueID)
	}
	return id, nil
}

// priorityValue accepts either the numeric priority or its display name.
func priorityValue(priority string) (int, error) {
	for _, p := range priorities {
		if p.ID == priority || strings.EqualFold(p.Name, priority) {
			return strconv.Atoi(p.ID)
		}
	}
	return 0, fmt.Errorf("unknown work item priority %q", priority)
}

func priorityName(value any) string {
	var id string

	switch v := value.(type) {
	case float64:
		id = strconv.Itoa(int(v))
	case int:
		id = strconv.Itoa(v)
	case string:
		id = v
	}

	for _, p := range priorities {
		if p.ID == id {
			return p.Name
		}
	}
	return domain.PriorityUndefined
}

func joinTags(labels []string) string {
	return strings.Join(labels, "; ")
}

func splitTags(tags string) []string {
	var labels []string
	for _, tag := range strings.Split(tags, ";") {
		if tag = strings.TrimSpace(tag); tag != "" {
			labels = append(labels, tag)
		}
	}
	return labels
}

func fieldString(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func fieldTime(fields map[string]any, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, fieldString(fields, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

func toIssueUser(value any) *domain.IssueUser {
	identity, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	ref := identityRef{
		ID:          fieldString(identity, "id"),
		DisplayName: fieldString(identity, "displayName"),
		UniqueName:  fieldString(identity, "uniqueName"),
	}

	id := ref.UniqueName
	if id == "" {
		id = ref.ID
	}

	return &domain.IssueUser{ID: id, Name: ref.DisplayName, Email: ref.UniqueName}
}
