package cmd

import (
	"github.com/spf13/cobra"

	"github.com/quietstream/nvr/config"
	"github.com/quietstream/nvr/internal/util"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "nvrd",
	Short: "Recording storage engine daemon and maintenance CLI",
	Long: `nvrd runs the recording storage engine: storing ingested streams in
raw sample files, enforcing per-stream retention, and serving
fragmented-MP4 playback over HTTP. It also exposes the maintenance operations an operator
runs by hand: registering streams, running fsck's crash-recovery scan
standalone, and triggering an out-of-cycle retention pass.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.InitLogger(verbose || config.GetLogLevel() == "debug")
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStreamCmd())
	rootCmd.AddCommand(newFsckCmd())
	rootCmd.AddCommand(newGCCmd())
}
