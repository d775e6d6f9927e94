package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/contexthub-ai/contexthub/internal/config"
)

func newGenerateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-keys",
		Short: "Generate fresh API, JWT, and encryption secrets",
		Long: "Prints export lines for API_KEY, JWT_SECRET_KEY, and JWT_ENCRYPTION_KEY.\n" +
			"Rotating JWT_ENCRYPTION_KEY invalidates every outstanding token.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}
			jwtSecret, err := config.GenerateRandomSecret()
			if err != nil {
				return err
			}
			encKey, err := config.GenerateEncryptionKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "export API_KEY=%s\n", apiKey)
			fmt.Fprintf(out, "export JWT_SECRET_KEY=%s\n", jwtSecret)
			fmt.Fprintf(out, "export JWT_ENCRYPTION_KEY=%s\n", encKey)
			return nil
		},
	}
}
