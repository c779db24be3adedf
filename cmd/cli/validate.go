package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <integration-id>",
		Short: "Check an integration's settings and credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			container, err := loadContainer(ctx, false)
			if err != nil {
				return err
			}
			defer container.Close()

			result, err := container.IntegrationManager.ValidateIntegration(ctx, args[0])
			if err != nil {
				return err
			}

			if result.Valid {
				fmt.Println("✅ Integration is valid")
				return nil
			}

			fmt.Println("❌ Integration is not valid")
			for _, validationErr := range result.Errors {
				fmt.Printf("   %s\n", validationErr)
			}

			return fmt.Errorf("integration %s failed validation", args[0])
		},
	}

	return cmd
}
