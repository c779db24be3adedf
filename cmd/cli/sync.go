package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/pkg/domain"
)

type syncOptions struct {
	userID          string
	projectID       string
	issueID         string
	refreshMetadata bool
	now             bool
}

func NewSyncCommand() *cobra.Command {
	var opts syncOptions

	cmd := &cobra.Command{
		Use:   "sync <integration-id>",
		Short: "Sync linked issues of an integration",
		Long: `Queue a sync of every issue linked to the integration, or of a single issue
with --issue. With --now the sync runs in this process instead of the worker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", managers.SystemUserID, "User whose credentials are used")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "Limit the sync to one external project")
	cmd.Flags().StringVar(&opts.issueID, "issue", "", "Refresh a single local issue")
	cmd.Flags().BoolVar(&opts.refreshMetadata, "refresh-metadata", false, "Refresh cached statuses, priorities and projects")
	cmd.Flags().BoolVar(&opts.now, "now", false, "Run the sync immediately instead of queueing it")

	return cmd
}

func runSync(cmd *cobra.Command, integrationID string, opts syncOptions) error {
	ctx := cmd.Context()

	container, err := loadContainer(ctx, false)
	if err != nil {
		return err
	}
	defer container.Close()

	syncService := container.SyncService

	if opts.issueID != "" {
		if !opts.now {
			jobID, err := syncService.QueueIssueRefresh(ctx, opts.userID, integrationID, opts.issueID)
			if err != nil {
				return err
			}
			fmt.Printf("Queued refresh job %s\n", jobID)
			return nil
		}

		issue, err := syncService.PerformIssueRefresh(ctx, opts.userID, integrationID, opts.issueID)
		if err != nil {
			return err
		}
		fmt.Printf("Refreshed %s: %s [%s]\n", issue.Key, issue.Title, issue.Status)
		return nil
	}

	syncOpts := domain.SyncOptions{RefreshMetadata: opts.refreshMetadata}

	if !opts.now {
		jobID, err := syncService.QueueSync(ctx, opts.userID, integrationID, opts.projectID, syncOpts)
		if err != nil {
			return err
		}
		fmt.Printf("Queued sync job %s\n", jobID)
		return nil
	}

	syncOpts.Progress = func(percent int) {
		log.Info().Int("percent", percent).Msg("Sync progress")
	}

	result, err := syncService.PerformSync(ctx, opts.userID, integrationID, opts.projectID, syncOpts)
	if err != nil {
		return err
	}

	fmt.Printf("Synced %d issues\n", result.SyncedCount)
	for _, syncErr := range result.Errors {
		fmt.Printf("   %s\n", syncErr)
	}

	return nil
}
