package cli

import (
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dvlabs/dkg/cli/dkgnode"
)

// Logger is the default logger
var Logger *zap.Logger

// RootCmd represents the root command of DKG CLI
var RootCmd = &cobra.Command{
	Use:   "dkgnode",
	Short: "dkg-node",
	Long:  `DKG node is a CLI for running distributed key generation as part of a validator committee.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
	},
}

// Execute executes the root command
func Execute(appName, version string) {
	RootCmd.Short = appName
	RootCmd.Version = version

	if err := RootCmd.Execute(); err != nil {
		log.Fatal("failed to execute root command", zap.Error(err))
	}
}

func init() {
	RootCmd.AddCommand(dkgnode.StartNodeCmd)
}
