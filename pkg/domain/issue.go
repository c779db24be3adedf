package domain

import (
	"io"
	"time"

	"github.com/testplanit/issuebridge/pkg/richtext"
)

// PriorityUndefined is reported by providers without a priority concept.
const PriorityUndefined = "undefined"

type IssueUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type IssueTypeRef struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// IssueData is the provider neutral issue shape. Provider specific fields
// only ever appear in CustomFields.
type IssueData struct {
	ID             string             `json:"id"`
	Key            string             `json:"key,omitempty"`
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	DescriptionDoc *richtext.Document `json:"description_doc,omitempty"`
	Status         string             `json:"status"`
	Priority       string             `json:"priority,omitempty"`
	IssueType      *IssueTypeRef      `json:"issue_type,omitempty"`
	Assignee       *IssueUser         `json:"assignee,omitempty"`
	Reporter       *IssueUser         `json:"reporter,omitempty"`
	Labels         []string           `json:"labels,omitempty"`
	CustomFields   map[string]any     `json:"custom_fields,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	URL            string             `json:"url,omitempty"`
}

// RemoteRefs lists the identifiers a provider may echo back for this issue.
func (i IssueData) RemoteRefs() []string {
	refs := make([]string, 0, 2)
	if i.ID != "" {
		refs = append(refs, i.ID)
	}
	if i.Key != "" && i.Key != i.ID {
		refs = append(refs, i.Key)
	}
	return refs
}

// DescriptionHTML renders the structured description, falling back to the
// plain text one.
func (i IssueData) DescriptionHTML() string {
	if !i.DescriptionDoc.IsEmpty() {
		return richtext.ToHTML(i.DescriptionDoc)
	}
	if i.Description == "" {
		return ""
	}
	return richtext.ToHTML(richtext.FromPlainText(i.Description))
}

type CreateIssueData struct {
	ProjectID      string             `json:"project_id"`
	Title          string             `json:"title"`
	Description    string             `json:"description,omitempty"`
	DescriptionDoc *richtext.Document `json:"description_doc,omitempty"`
	IssueType      string             `json:"issue_type,omitempty"`
	Priority       string             `json:"priority,omitempty"`
	AssigneeID     string             `json:"assignee_id,omitempty"`
	Labels         []string           `json:"labels,omitempty"`
	ParentID       string             `json:"parent_id,omitempty"`
	CustomFields   map[string]any     `json:"custom_fields,omitempty"`
}

// Document returns the structured description, building one from the plain
// text description when needed.
func (c CreateIssueData) Document() *richtext.Document {
	if c.DescriptionDoc != nil {
		return c.DescriptionDoc
	}
	return richtext.FromPlainText(c.Description)
}

// UpdateIssueData carries only the fields to change; nil means unchanged.
type UpdateIssueData struct {
	Title          *string            `json:"title,omitempty"`
	Description    *string            `json:"description,omitempty"`
	DescriptionDoc *richtext.Document `json:"description_doc,omitempty"`
	Status         *string            `json:"status,omitempty"`
	Priority       *string            `json:"priority,omitempty"`
	AssigneeID     *string            `json:"assignee_id,omitempty"`
	Labels         []string           `json:"labels,omitempty"`
	CustomFields   map[string]any     `json:"custom_fields,omitempty"`
}

// Document returns the new structured description, or nil when the
// description is not being changed.
func (u UpdateIssueData) Document() *richtext.Document {
	if u.DescriptionDoc != nil {
		return u.DescriptionDoc
	}
	if u.Description != nil {
		return richtext.FromPlainText(*u.Description)
	}
	return nil
}

type IssueSearchOptions struct {
	Query     string   `json:"query,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	Status    []string `json:"status,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	FullSync  bool     `json:"full_sync,omitempty"`
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 100
)

// PageSize clamps Limit into (0, MaxSearchLimit].
func (o IssueSearchOptions) PageSize() int {
	switch {
	case o.Limit <= 0:
		return DefaultSearchLimit
	case o.Limit > MaxSearchLimit:
		return MaxSearchLimit
	}
	return o.Limit
}

type IssueSearchResult struct {
	Issues  []IssueData `json:"issues"`
	Total   int         `json:"total"`
	HasMore bool        `json:"has_more"`
}

type AuthenticationType string

const (
	AuthenticationType_OAuth  AuthenticationType = "oauth"
	AuthenticationType_APIKey AuthenticationType = "api_key"
	AuthenticationType_Basic  AuthenticationType = "basic"
)

type AuthenticationData struct {
	Type         AuthenticationType `json:"type"`
	AccessToken  string             `json:"access_token,omitempty"`
	RefreshToken string             `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	APIKey       string             `json:"api_key,omitempty"`
	Email        string             `json:"email,omitempty"`
	Username     string             `json:"username,omitempty"`
	Password     string             `json:"password,omitempty"`
}

type IssueAdapterCapabilities struct {
	CreateIssue  bool `json:"create_issue"`
	UpdateIssue  bool `json:"update_issue"`
	LinkIssue    bool `json:"link_issue"`
	SyncIssue    bool `json:"sync_issue"`
	SearchIssues bool `json:"search_issues"`
	Webhooks     bool `json:"webhooks"`
	CustomFields bool `json:"custom_fields"`
	Attachments  bool `json:"attachments"`
}

type Attachment struct {
	FileName    string
	ContentType string
	Content     io.Reader
}

type AttachmentResult struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

type Project struct {
	ID   string `json:"id"`
	Key  string `json:"key,omitempty"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type IssueStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type IssuePriority struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

type WebhookConfig struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// CachedIssue is an IssueData snapshot stored in the issue cache.
type CachedIssue struct {
	IssueData
	CachedAt      time.Time `json:"cached_at"`
	IntegrationID string    `json:"integration_id"`
}

// IntegrationMetadata is the provider summary cached alongside issues.
type IntegrationMetadata struct {
	Projects   []Project       `json:"projects,omitempty"`
	Statuses   []IssueStatus   `json:"statuses,omitempty"`
	Priorities []IssuePriority `json:"priorities,omitempty"`
	IssueTypes []IssueTypeRef  `json:"issue_types,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// Issue is a row of the local issue mirror.
type Issue struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Status           string         `json:"status"`
	Priority         string         `json:"priority"`
	ExternalID       string         `json:"external_id"`
	ExternalKey      string         `json:"external_key"`
	ExternalURL      string         `json:"external_url"`
	ExternalStatus   string         `json:"external_status"`
	ExternalData     map[string]any `json:"external_data"`
	IssueTypeID      string         `json:"issue_type_id"`
	IssueTypeName    string         `json:"issue_type_name"`
	IssueTypeIconURL string         `json:"issue_type_icon_url"`
	IntegrationID    string         `json:"integration_id"`
	ProjectID        string         `json:"project_id"`
	LastSyncedAt     *time.Time     `json:"last_synced_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RemoteID picks the identifier used to look the issue up remotely.
func (i Issue) RemoteID() string {
	switch {
	case i.ExternalID != "":
		return i.ExternalID
	case i.ExternalKey != "":
		return i.ExternalKey
	}
	return i.Name
}

// IssueUpdate holds the mirror columns refreshed by a sync.
type IssueUpdate struct {
	Name             string
	Title            string
	Description      string
	Status           string
	Priority         string
	ExternalID       string
	ExternalKey      string
	ExternalURL      string
	ExternalStatus   string
	ExternalData     map[string]any
	IssueTypeID      string
	IssueTypeName    string
	IssueTypeIconURL string
	LastSyncedAt     time.Time
}

// NewIssueUpdate maps a freshly synced remote issue onto the mirror columns.
func NewIssueUpdate(remote IssueData, syncedAt time.Time) IssueUpdate {
	name := remote.Key
	if name == "" {
		name = remote.ID
	}

	update := IssueUpdate{
		Name:           name,
		Title:          remote.Title,
		Description:    remote.DescriptionHTML(),
		Status:         remote.Status,
		Priority:       remote.Priority,
		ExternalID:     remote.ID,
		ExternalKey:    remote.Key,
		ExternalURL:    remote.URL,
		ExternalStatus: remote.Status,
		ExternalData:   remote.CustomFields,
		LastSyncedAt:   syncedAt,
	}

	if remote.IssueType != nil {
		update.IssueTypeID = remote.IssueType.ID
		update.IssueTypeName = remote.IssueType.Name
		update.IssueTypeIconURL = remote.IssueType.IconURL
	}

	return update
}

type IssueFilter struct {
	IntegrationID string
	ProjectID     string
}
