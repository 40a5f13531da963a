package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/weviu/apr-hunter-sub000/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	// Skips config loading so version works without a valid config.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "aprhunter %s (commit %s, built %s, %s)\n",
			version.Version, version.Commit, version.BuildDate, runtime.Version())
	},
}
