package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Repositories return ErrNotFound (possibly wrapped) when a row is missing.

type IntegrationRepository interface {
	GetByID(ctx context.Context, id string) (Integration, error)
	ListActive(ctx context.Context) ([]Integration, error)
	UpdateSettings(ctx context.Context, id string, settings map[string]any) error
	UpdateCredentials(ctx context.Context, id string, credentials json.RawMessage, status IntegrationStatus) error
	// PutOAuthState adds a pending state and drops the states that expired
	// before now, without touching the rest of the settings.
	PutOAuthState(ctx context.Context, id, state string, pending PendingOAuthState, now time.Time) error
	// TakeOAuthState removes a pending state and returns it. Concurrent callers
	// taking the same state get it at most once, the others get ErrNotFound.
	TakeOAuthState(ctx context.Context, id, state string) (PendingOAuthState, error)
}

type UserIntegrationAuthRepository interface {
	// GetActive returns the most recently updated active session of a user.
	GetActive(ctx context.Context, userID, integrationID string) (UserIntegrationAuth, error)
	// GetLatestActive returns the most recently updated active session of any user.
	GetLatestActive(ctx context.Context, integrationID string) (UserIntegrationAuth, error)
	DeactivateAll(ctx context.Context, userID, integrationID string) error
	// ReplaceActive deactivates the user's sessions and stores auth as the
	// only active one. Either both happen or neither does.
	ReplaceActive(ctx context.Context, auth UserIntegrationAuth) error
}

type IssueRepository interface {
	GetByID(ctx context.Context, id string) (Issue, error)
	Count(ctx context.Context, filter IssueFilter) (int, error)
	List(ctx context.Context, filter IssueFilter, offset, limit int) ([]Issue, error)
	// FindByExternalRef matches refs against external_id, external_key and
	// name, so a remote id may match a stored key and the other way around.
	FindByExternalRef(ctx context.Context, integrationID string, refs []string) (Issue, error)
	Update(ctx context.Context, id string, update IssueUpdate) error
}

// IssueIndexer pushes a local issue into the search index.
type IssueIndexer interface {
	IndexIssue(ctx context.Context, issueID string) error
}
