package commands

import (
	"github.com/spf13/cobra"
)

const defaultConfigFile = "config.yml"

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "router",
		Short:         "Route videos through ComfyUI workflows by resolution and transcode the result",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "path to the config file")

	rootCmd.AddCommand(
		newRunCommand(&configFile),
		newBatchCommand(&configFile),
		newWaitReadyCommand(&configFile),
		newHistoryCommand(&configFile),
	)

	return rootCmd
}
