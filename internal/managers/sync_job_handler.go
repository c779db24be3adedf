package managers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID string, percent int) error
}

type SyncJobHandlerDependencies struct {
	SyncService *SyncService
	Progress    ProgressReporter
}

// SyncJobHandler runs queued sync jobs against the SyncService.
type SyncJobHandler struct {
	sync     *SyncService
	progress ProgressReporter
}

func NewSyncJobHandler(deps SyncJobHandlerDependencies) *SyncJobHandler {
	return &SyncJobHandler{
		sync:     deps.SyncService,
		progress: deps.Progress,
	}
}

func (h *SyncJobHandler) Handle(ctx context.Context, job domain.SyncJob) error {
	data := job.Data

	switch job.Type {
	case domain.SyncJobType_Sync:
		var opts domain.SyncOptions
		if err := decodePayload(data.Payload, &opts); err != nil {
			return err
		}

		opts.Progress = func(percent int) {
			if h.progress == nil {
				return
			}
			if err := h.progress.UpdateProgress(ctx, job.ID, percent); err != nil {
				log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to update job progress")
			}
		}

		result, err := h.sync.PerformSync(ctx, data.UserID, data.IntegrationID, data.ProjectID, opts)
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", job.ID).
				Str("integration_id", data.IntegrationID).
				Int("synced", result.SyncedCount).
				Msg("Sync aborted")
			return err
		}

		for _, syncErr := range result.Errors {
			log.Warn().Str("job_id", job.ID).Str("integration_id", data.IntegrationID).Msg(syncErr)
		}
		return nil

	case domain.SyncJobType_Refresh:
		_, err := h.sync.PerformIssueRefresh(ctx, data.UserID, data.IntegrationID, data.IssueID)
		return err

	case domain.SyncJobType_Create:
		var issue domain.CreateIssueData
		if err := decodePayload(data.Payload, &issue); err != nil {
			return err
		}

		_, err := h.sync.PerformCreateIssue(ctx, data.UserID, data.IntegrationID, issue)
		return err

	case domain.SyncJobType_Update:
		var update domain.UpdateIssueData
		if err := decodePayload(data.Payload, &update); err != nil {
			return err
		}

		_, err := h.sync.PerformUpdateIssue(ctx, data.UserID, data.IntegrationID, data.IssueID, update)
		return err
	}

	return fmt.Errorf("unknown sync job type %q", job.Type)
}

func decodePayload(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}
