package managers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type recordingQueuer struct {
	calls []domain.SyncJobData
}

func (q *recordingQueuer) QueueSync(ctx context.Context, userID, integrationID, projectID string, opts domain.SyncOptions) (string, error) {
	q.calls = append(q.calls, domain.SyncJobData{UserID: userID, IntegrationID: integrationID, ProjectID: projectID})
	return "job", nil
}

func TestSyncScheduler_EnqueueDue(t *testing.T) {
	repo := newFakeIntegrationRepository(
		domain.Integration{ID: "a-jira", AuthType: domain.IntegrationAuthType_APIKey, Status: domain.IntegrationStatus_Active, Settings: map[string]any{"autoSync": true}},
		domain.Integration{ID: "b-github", AuthType: domain.IntegrationAuthType_OAuth2, Status: domain.IntegrationStatus_Active, Settings: map[string]any{"autoSync": "true"}},
		domain.Integration{ID: "c-no-session", AuthType: domain.IntegrationAuthType_OAuth2, Status: domain.IntegrationStatus_Active, Settings: map[string]any{"autoSync": true}},
		domain.Integration{ID: "d-manual", AuthType: domain.IntegrationAuthType_APIKey, Status: domain.IntegrationStatus_Active},
		domain.Integration{ID: "e-inactive", AuthType: domain.IntegrationAuthType_APIKey, Status: domain.IntegrationStatus_Inactive, Settings: map[string]any{"autoSync": true}},
	)

	auths := &fakeAuthRepository{sessions: []domain.UserIntegrationAuth{
		{ID: "s1", UserID: "user-7", IntegrationID: "b-github", IsActive: true},
	}}

	queuer := &recordingQueuer{}
	scheduler := NewSyncScheduler(SyncSchedulerDependencies{
		IntegrationRepository: repo,
		AuthRepository:        auths,
		Queuer:                queuer,
	})

	queued, err := scheduler.EnqueueDue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, queued)
	assert.Equal(t, []domain.SyncJobData{
		{UserID: SystemUserID, IntegrationID: "a-jira"},
		{UserID: "user-7", IntegrationID: "b-github"},
	}, queuer.calls)
}

func TestSyncScheduler_StartRejectsInvalidSchedule(t *testing.T) {
	scheduler := NewSyncScheduler(SyncSchedulerDependencies{
		IntegrationRepository: newFakeIntegrationRepository(),
		AuthRepository:        &fakeAuthRepository{},
		Queuer:                &recordingQueuer{},
		Schedule:              "every now and then",
	})

	assert.Error(t, scheduler.Start())

	valid := NewSyncScheduler(SyncSchedulerDependencies{
		IntegrationRepository: newFakeIntegrationRepository(),
		AuthRepository:        &fakeAuthRepository{},
		Queuer:                &recordingQueuer{},
	})
	require.NoError(t, valid.Start())
	valid.Stop()
}
