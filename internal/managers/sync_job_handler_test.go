package managers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type recordingProgress struct {
	updates []int
}

func (p *recordingProgress) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	p.updates = append(p.updates, percent)
	return nil
}

func TestSyncJobHandler_Dispatch(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration(),
		domain.Issue{ID: "row-1", IntegrationID: "int-1", ExternalID: "10001"},
	)
	f.adapter.issues["10001"] = domain.IssueData{ID: "10001", Key: "QA-1", Title: "One"}

	progress := &recordingProgress{}
	handler := NewSyncJobHandler(SyncJobHandlerDependencies{SyncService: f.service, Progress: progress})
	ctx := context.Background()

	err := handler.Handle(ctx, domain.SyncJob{
		ID:   "job-1",
		Type: domain.SyncJobType_Sync,
		Data: domain.SyncJobData{UserID: "user-1", IntegrationID: "int-1", Payload: json.RawMessage(`{"refresh_metadata":true}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{100}, progress.updates)
	assert.Contains(t, f.cache.metadata, "int-1")

	err = handler.Handle(ctx, domain.SyncJob{
		ID:   "job-2",
		Type: domain.SyncJobType_Refresh,
		Data: domain.SyncJobData{UserID: "user-1", IntegrationID: "int-1", IssueID: "row-1"},
	})
	require.NoError(t, err)

	createPayload, err := json.Marshal(domain.CreateIssueData{ProjectID: "QA", Title: "Queued bug"})
	require.NoError(t, err)

	err = handler.Handle(ctx, domain.SyncJob{
		ID:   "job-3",
		Type: domain.SyncJobType_Create,
		Data: domain.SyncJobData{UserID: "user-1", IntegrationID: "int-1", Payload: createPayload},
	})
	require.NoError(t, err)
	require.Len(t, f.adapter.created, 1)
	assert.Equal(t, "Queued bug", f.adapter.created[0].Title)

	err = handler.Handle(ctx, domain.SyncJob{
		ID:   "job-4",
		Type: domain.SyncJobType_Update,
		Data: domain.SyncJobData{UserID: "user-1", IntegrationID: "int-1", IssueID: "10001", Payload: json.RawMessage(`{"title":"Renamed"}`)},
	})
	require.NoError(t, err)
	require.NotNil(t, f.adapter.updated["10001"].Title)
	assert.Equal(t, "Renamed", *f.adapter.updated["10001"].Title)
}

func TestSyncJobHandler_Errors(t *testing.T) {
	f := newSyncFixture(t, apiKeyIntegration())
	handler := NewSyncJobHandler(SyncJobHandlerDependencies{SyncService: f.service})
	ctx := context.Background()

	err := handler.Handle(ctx, domain.SyncJob{Type: "export"})
	assert.ErrorContains(t, err, "unknown sync job type")

	err = handler.Handle(ctx, domain.SyncJob{
		Type: domain.SyncJobType_Create,
		Data: domain.SyncJobData{IntegrationID: "int-1", Payload: json.RawMessage(`{not json`)},
	})
	assert.ErrorContains(t, err, "failed to decode job payload")

	err = handler.Handle(ctx, domain.SyncJob{
		Type: domain.SyncJobType_Sync,
		Data: domain.SyncJobData{IntegrationID: "missing"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
