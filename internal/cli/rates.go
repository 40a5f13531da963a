package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weviu/apr-hunter-sub000/internal/app"
)

var (
	ratesAsset    string
	ratesPlatform string
	ratesLimit    int
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Display current rates, best APR first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ratesLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		return getApp().Rates(cmd.Context(), app.RatesOptions{
			Asset:    ratesAsset,
			Platform: ratesPlatform,
			Limit:    ratesLimit,
		})
	},
}

func init() {
	ratesCmd.Flags().StringVar(&ratesAsset, "asset", "", "Only show this asset")
	ratesCmd.Flags().StringVar(&ratesPlatform, "platform", "", "Only show this platform")
	ratesCmd.Flags().IntVar(&ratesLimit, "limit", 50, "Number of rows to display (0 for all)")
}
