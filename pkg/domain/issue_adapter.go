package domain

import (
	"context"
)

// IssueAdapter is implemented by every issue tracker provider.
type IssueAdapter interface {
	Provider() IntegrationProvider
	Capabilities() IssueAdapterCapabilities

	Authenticate(ctx context.Context, auth AuthenticationData) error
	IsAuthenticated() bool

	GetIssue(ctx context.Context, issueID string) (IssueData, error)
	CreateIssue(ctx context.Context, data CreateIssueData) (IssueData, error)
	UpdateIssue(ctx context.Context, issueID string, data UpdateIssueData) (IssueData, error)
	DeleteIssue(ctx context.Context, issueID string) error
	SearchIssues(ctx context.Context, opts IssueSearchOptions) (IssueSearchResult, error)
	LinkToTestCase(ctx context.Context, issueID, testCaseID string, metadata map[string]any) error
	SyncIssue(ctx context.Context, issueID string) (IssueData, error)
}

type AdapterFactory func(config AdapterConfig) (IssueAdapter, error)

type ProjectLister interface {
	GetProjects(ctx context.Context) ([]Project, error)
}

type StatusLister interface {
	GetStatuses(ctx context.Context, projectID string) ([]IssueStatus, error)
}

type PriorityLister interface {
	GetPriorities(ctx context.Context) ([]IssuePriority, error)
}

type IssueTypeLister interface {
	GetIssueTypes(ctx context.Context, projectID string) ([]IssueTypeRef, error)
}

type UserSearcher interface {
	SearchUsers(ctx context.Context, query string, limit int) ([]IssueUser, error)
}

type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, issueID string, attachment Attachment) (AttachmentResult, error)
}

type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, config WebhookConfig) (string, error)
	UnregisterWebhook(ctx context.Context, webhookID string) error
}

// ConfigurationValidator lets an adapter report problems with its settings
// beyond what authentication already proves.
type ConfigurationValidator interface {
	ValidateConfiguration(ctx context.Context) []string
}

func AsProjectLister(adapter IssueAdapter) (ProjectLister, bool) {
	lister, ok := adapter.(ProjectLister)
	return lister, ok
}

func AsStatusLister(adapter IssueAdapter) (StatusLister, bool) {
	lister, ok := adapter.(StatusLister)
	return lister, ok
}

func AsPriorityLister(adapter IssueAdapter) (PriorityLister, bool) {
	lister, ok := adapter.(PriorityLister)
	return lister, ok
}

func AsIssueTypeLister(adapter IssueAdapter) (IssueTypeLister, bool) {
	lister, ok := adapter.(IssueTypeLister)
	return lister, ok
}

func AsUserSearcher(adapter IssueAdapter) (UserSearcher, bool) {
	searcher, ok := adapter.(UserSearcher)
	return searcher, ok
}

func AsConfigurationValidator(adapter IssueAdapter) (ConfigurationValidator, bool) {
	validator, ok := adapter.(ConfigurationValidator)
	return validator, ok
}

func AsAttachmentUploader(adapter IssueAdapter) (AttachmentUploader, bool) {
	if !adapter.Capabilities().Attachments {
		return nil, false
	}
	uploader, ok := adapter.(AttachmentUploader)
	return uploader, ok
}

func AsWebhookRegistrar(adapter IssueAdapter) (WebhookRegistrar, bool) {
	if !adapter.Capabilities().Webhooks {
		return nil, false
	}
	registrar, ok := adapter.(WebhookRegistrar)
	return registrar, ok
}

// UploadAttachment uploads through the adapter when it supports attachments.
func UploadAttachment(ctx context.Context, adapter IssueAdapter, issueID string, attachment Attachment) (AttachmentResult, error) {
	uploader, ok := AsAttachmentUploader(adapter)
	if !ok {
		return AttachmentResult{}, &UnsupportedOperationError{Provider: adapter.Provider(), Operation: "attachments"}
	}
	return uploader.UploadAttachment(ctx, issueID, attachment)
}

// RegisterWebhook registers a webhook when the adapter supports it.
func RegisterWebhook(ctx context.Context, adapter IssueAdapter, config WebhookConfig) (string, error) {
	registrar, ok := AsWebhookRegistrar(adapter)
	if !ok {
		return "", &UnsupportedOperationError{Provider: adapter.Provider(), Operation: "webhooks"}
	}
	return registrar.RegisterWebhook(ctx, config)
}

func UnregisterWebhook(ctx context.Context, adapter IssueAdapter, webhookID string) error {
	registrar, ok := AsWebhookRegistrar(adapter)
	if !ok {
		return &UnsupportedOperationError{Provider: adapter.Provider(), Operation: "webhooks"}
	}
	return registrar.UnregisterWebhook(ctx, webhookID)
}
