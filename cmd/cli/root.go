package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/testplanit/issuebridge/internal/config"
	"github.com/testplanit/issuebridge/internal/initialization"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "issuebridge",
		Short: "Issue tracker integration service",
		Long: `issuebridge links test management data to Jira, GitHub, Azure DevOps and
plain URL issue trackers. It serves the integration API, runs queued sync jobs
and schedules periodic syncs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewStartCommand())
	rootCmd.AddCommand(NewSyncCommand())
	rootCmd.AddCommand(NewValidateCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.AddCommand(NewKeysCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadContainer reads the configuration and connects to Postgres and Redis.
// The caller closes the container.
func loadContainer(ctx context.Context, server bool) (*initialization.Container, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(server); err != nil {
		return nil, err
	}

	return initialization.NewContainer(ctx, cfg)
}
