package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/testplanit/issuebridge/internal/config"
	"github.com/testplanit/issuebridge/internal/initialization"
)

func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate the encryption secret and an API signing key pair",
		Long: `Generate a credential encryption secret and an Ed25519 key pair. The public
key goes into the service configuration, the private key is given to the
application that signs API requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := initialization.GenerateAllKeys()
			if err != nil {
				return err
			}

			fmt.Printf("%s=%s\n", config.EnvVar("encryption_secret"), keys.EncryptionSecret)
			fmt.Printf("%s=%s\n", config.EnvVar("api_public_keys"), keys.APIPublicKey)
			fmt.Println()
			fmt.Println("# Signing key for the calling application, keep it secret:")
			fmt.Printf("API_SIGNING_PRIVATE_KEY=%s\n", keys.APIPrivateKey)

			return nil
		},
	}

	return cmd
}
