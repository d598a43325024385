package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/logging/fields"
	"github.com/dvlabs/dkg/operator/keys"
)

var keyOutputPath string

// generateOperatorKeysCmd is the command to generate operator private/public keys
var generateOperatorKeysCmd = &cobra.Command{
	Use:   "generate-operator-keys",
	Short: "generates dkg operator keys",
	Run: func(cmd *cobra.Command, args []string) {
		if err := logging.SetGlobalLogger("debug", "capital", "console", ""); err != nil {
			log.Fatal(err)
		}
		logger := zap.L().Named(logging.NameGenerateKeys)

		privateKey, err := keys.GenerateKey()
		if err != nil {
			logger.Fatal("failed to generate operator key", zap.Error(err))
		}

		if keyOutputPath != "" {
			if err := privateKey.Save(keyOutputPath); err != nil {
				logger.Fatal("failed to write operator key file", zap.Error(err))
			}
			logger.Info("operator key written", fields.Path(keyOutputPath))
		}

		fmt.Println("Private Key:", privateKey.Hex())
		fmt.Println("Address:", privateKey.Address().Hex())
	},
}

func init() {
	generateOperatorKeysCmd.Flags().StringVar(&keyOutputPath, "output-path", "", "Optional file to write the private key to")

	RootCmd.AddCommand(generateOperatorKeysCmd)
}
