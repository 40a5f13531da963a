package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weviu/apr-hunter-sub000/internal/app"
	"github.com/weviu/apr-hunter-sub000/internal/fetcher"
	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

var (
	historyAsset    string
	historyPlatform string
	historyChain    string
	historyLock     string
	historyFrom     string
	historyTo       string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display the APR change history of one offer",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := historyOptions()
		if err != nil {
			return err
		}
		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	addHistoryFlags(historyCmd)
}

func addHistoryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&historyAsset, "asset", "", "Asset symbol, e.g. ETH")
	cmd.Flags().StringVar(&historyPlatform, "platform", "", "Platform name, e.g. Binance")
	cmd.Flags().StringVar(&historyChain, "chain", "", "Chain (defaults to the asset's native chain)")
	cmd.Flags().StringVar(&historyLock, "lock", fetcher.LockFlexible, "Lock period, e.g. \"30 days\"")
	cmd.Flags().StringVar(&historyFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	cmd.Flags().StringVar(&historyTo, "to", "", "End timestamp (RFC3339, exclusive)")
}

func historyOptions() (app.HistoryOptions, error) {
	asset := fetcher.CanonicalAsset(historyAsset)
	chain := historyChain
	if chain == "" {
		chain = fetcher.ChainFor(asset)
	}
	opts := app.HistoryOptions{
		Key: storage.RateKey{Asset: asset, Platform: historyPlatform, Chain: chain, LockPeriod: historyLock},
	}

	if historyFrom != "" {
		from, err := time.Parse(time.RFC3339, historyFrom)
		if err != nil {
			return opts, fmt.Errorf("invalid --from value: %w", err)
		}
		opts.From = &from
	}
	if historyTo != "" {
		to, err := time.Parse(time.RFC3339, historyTo)
		if err != nil {
			return opts, fmt.Errorf("invalid --to value: %w", err)
		}
		opts.To = &to
	}
	return opts, nil
}
