package managers

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	SettingKey_AutoSync = "autoSync"

	DefaultSyncSchedule = "@every 30m"

	// SystemUserID owns scheduled syncs of integrations without OAuth sessions.
	SystemUserID = "system"
)

type SyncQueuer interface {
	QueueSync(ctx context.Context, userID, integrationID, projectID string, opts domain.SyncOptions) (string, error)
}

type SyncSchedulerDependencies struct {
	IntegrationRepository domain.IntegrationRepository
	AuthRepository        domain.UserIntegrationAuthRepository
	Queuer                SyncQueuer
	Schedule              string
}

// SyncScheduler periodically queues syncs of active integrations that have
// autoSync enabled.
type SyncScheduler struct {
	integrations domain.IntegrationRepository
	auths        domain.UserIntegrationAuthRepository
	queuer       SyncQueuer
	schedule     string
	cron         *cron.Cron
}

func NewSyncScheduler(deps SyncSchedulerDependencies) *SyncScheduler {
	schedule := deps.Schedule
	if schedule == "" {
		schedule = DefaultSyncSchedule
	}

	return &SyncScheduler{
		integrations: deps.IntegrationRepository,
		auths:        deps.AuthRepository,
		queuer:       deps.Queuer,
		schedule:     schedule,
		cron:         cron.New(),
	}
}

func (s *SyncScheduler) Start() error {
	err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.EnqueueDue(context.Background()); err != nil {
			log.Error().Err(err).Msg("Scheduled sync failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()

	log.Info().Str("schedule", s.schedule).Msg("Sync scheduler started")

	return nil
}

func (s *SyncScheduler) Stop() {
	s.cron.Stop()
}

// EnqueueDue queues one sync per eligible integration and returns how many
// were queued.
func (s *SyncScheduler) EnqueueDue(ctx context.Context) (int, error) {
	integrations, err := s.integrations.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list integrations: %w", err)
	}

	queued := 0
	for _, integration := range integrations {
		if !domain.SettingBool(integration.Settings, SettingKey_AutoSync) {
			continue
		}

		userID := SystemUserID
		if integration.AuthType == domain.IntegrationAuthType_OAuth2 {
			session, err := s.auths.GetLatestActive(ctx, integration.ID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					log.Debug().Str("integration_id", integration.ID).Msg("Skipping scheduled sync without an OAuth session")
					continue
				}
				return queued, fmt.Errorf("failed to load OAuth session: %w", err)
			}
			userID = session.UserID
		}

		jobID, err := s.queuer.QueueSync(ctx, userID, integration.ID, "", domain.SyncOptions{RefreshMetadata: true})
		if err != nil {
			log.Error().Err(err).Str("integration_id", integration.ID).Msg("Failed to queue scheduled sync")
			continue
		}

		log.Debug().
			Str("integration_id", integration.ID).
			Str("job_id", jobID).
			Msg("Scheduled sync queued")

		queued++
	}

	return queued, nil
}
