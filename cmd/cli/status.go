package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/testplanit/issuebridge/internal/managers"
	"github.com/testplanit/issuebridge/pkg/domain"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active integrations and sync queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}

	return cmd
}

func runStatus(ctx context.Context) error {
	container, err := loadContainer(ctx, false)
	if err != nil {
		return err
	}
	defer container.Close()

	integrations, err := container.IntegrationRepository.ListActive(ctx)
	if err != nil {
		return err
	}

	stats, err := container.Queue.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Active integrations (%d)\n", len(integrations))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "   ID\tNAME\tPROVIDER\tAUTH\tAUTO SYNC")
	for _, integration := range integrations {
		autoSync := domain.SettingBool(integration.Settings, managers.SettingKey_AutoSync)
		fmt.Fprintf(w, "   %s\t%s\t%s\t%s\t%t\n",
			integration.ID, integration.Name, integration.Provider, integration.AuthType, autoSync)
	}
	w.Flush()

	fmt.Println()
	fmt.Println("Sync queue")
	fmt.Printf("   Waiting:   %d\n", stats.Waiting)
	fmt.Printf("   Delayed:   %d\n", stats.Delayed)
	fmt.Printf("   Active:    %d\n", stats.Active)
	fmt.Printf("   Completed: %d\n", stats.Completed)
	fmt.Printf("   Failed:    %d\n", stats.Failed)

	return nil
}
