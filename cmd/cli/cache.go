package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis issue cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <integration-id>",
		Short: "Drop cached issues and metadata of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			container, err := loadContainer(ctx, false)
			if err != nil {
				return err
			}
			defer container.Close()

			removed, err := container.IssueCache.InvalidateIntegration(ctx, args[0])
			if err != nil {
				return err
			}

			container.IntegrationManager.ClearAdapter(args[0])

			fmt.Printf("Removed %d cache entries\n", removed)
			return nil
		},
	})

	var projectID string

	warmCmd := &cobra.Command{
		Use:   "warm <integration-id>",
		Short: "Preload the first page of issues and the project list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			container, err := loadContainer(ctx, false)
			if err != nil {
				return err
			}
			defer container.Close()

			adapter, err := container.IntegrationManager.GetAdapter(ctx, args[0])
			if err != nil {
				return err
			}

			warmed := container.IssueCache.WarmFromAdapter(ctx, args[0], projectID, adapter)

			fmt.Printf("Cached %d issues\n", warmed)
			return nil
		},
	}
	warmCmd.Flags().StringVar(&projectID, "project", "", "Limit to one external project")

	cmd.AddCommand(warmCmd)

	return cmd
}
