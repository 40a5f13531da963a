package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

const defaultMaxPoints = 500

// Export renders one offer's APR history as CSV and/or PNG. The current row
// is appended as the final point.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultMaxPoints
	}

	gw, err := a.openPersistent(ctx)
	if err != nil {
		return err
	}
	defer gw.close()

	entries, err := a.loadHistory(ctx, gw, opts.HistoryOptions)
	if err != nil {
		return err
	}
	current, err := gw.FindCurrent(ctx, opts.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		entries = append(entries, storage.RateHistoryEntry{
			RateKey:    current.Key(),
			APR:        current.APR,
			APY:        current.APY,
			RecordedAt: current.LastUpdated,
		})
	}
	if len(entries) == 0 {
		a.Logger.Info().Str("key", opts.Key.String()).Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleHistory(entries, opts.MaxPoints)
	a.Logger.Info().Int("total", len(entries)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.Key, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleHistory(entries []storage.RateHistoryEntry, max int) []storage.RateHistoryEntry {
	if max <= 1 || len(entries) <= max {
		return entries
	}

	result := make([]storage.RateHistoryEntry, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeHistoryCSV(path string, entries []storage.RateHistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"recorded_at", "asset", "platform", "chain", "lock_period", "apr", "apy"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		apy := ""
		if e.APY != nil {
			apy = e.APY.String()
		}
		record := []string{
			e.RecordedAt.UTC().Format(time.RFC3339),
			e.Asset,
			e.Platform,
			e.Chain,
			e.LockPeriod,
			e.APR.String(),
			apy,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path string, key storage.RateKey, entries []storage.RateHistoryEntry) error {
	if len(entries) < 2 {
		return errors.New("at least two points are required to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(entries))
	apr := make([]float64, len(entries))
	for i, e := range entries {
		x[i] = e.RecordedAt
		apr[i] = e.APR.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f%%")
	}
	graph := chart.Chart{
		Title:  key.Asset + " on " + key.Platform + " (" + key.LockPeriod + ")",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "APR (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "APR",
				XValues: x,
				YValues: apr,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
