package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var runCollectInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collection scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("collect-interval") {
			if runCollectInterval <= 0 {
				return fmt.Errorf("--collect-interval must be positive")
			}
			a.Config.Scheduler.CollectInterval = runCollectInterval
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().DurationVar(&runCollectInterval, "collect-interval", 0, "Override scheduler.collect_interval")
}
