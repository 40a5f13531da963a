package cli

import (
	"github.com/spf13/cobra"

	"github.com/weviu/apr-hunter-sub000/internal/app"
)

var (
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one offer's APR history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := historyOptions()
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			HistoryOptions: history,
			PNGPath:        exportPNGPath,
			CSVPath:        exportCSVPath,
			MaxPoints:      exportMaxPoints,
		})
	},
}

func init() {
	addHistoryFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (default 500)")
}
