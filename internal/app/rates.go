package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

var errNoDatabase = errors.New("database not configured; set database.dsn")

func (a *App) openPersistent(ctx context.Context) (*gateway, error) {
	if a.DryRun || a.Config.Database.DSN == "" {
		return nil, errNoDatabase
	}
	return a.openGateway(ctx)
}

// Rates prints the current offers, best APR first.
func (a *App) Rates(ctx context.Context, opts RatesOptions) error {
	gw, err := a.openPersistent(ctx)
	if err != nil {
		return err
	}
	defer gw.close()

	current, err := gw.ListCurrent(ctx)
	if err != nil {
		return err
	}
	rows := filterRates(current, opts)
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no rates found")
		return nil
	}
	return printRates(a.Out, rows)
}

func filterRates(rates []storage.RateObservation, opts RatesOptions) []storage.RateObservation {
	out := make([]storage.RateObservation, 0, len(rates))
	for _, r := range rates {
		if opts.Asset != "" && !strings.EqualFold(opts.Asset, r.Asset) {
			continue
		}
		if opts.Platform != "" && !strings.EqualFold(opts.Platform, r.Platform) {
			continue
		}
		out = append(out, r)
	}
	sortByAPR(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func sortByAPR(rates []storage.RateObservation) {
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].APR.GreaterThan(rates[j].APR) })
}

func printRates(out io.Writer, rates []storage.RateObservation) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tPlatform\tChain\tLock\tAPR%\tAPY%\tRisk\tSource\tUpdated (UTC)")
	for _, r := range rates {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Asset,
			r.Platform,
			r.Chain,
			r.LockPeriod,
			r.APR.StringFixed(2),
			formatOptional(r.APY, 2),
			orDash(string(r.RiskLevel)),
			r.Source,
			formatTime(r.LastUpdated),
		)
	}
	return writer.Flush()
}

// History prints the change history of one offer.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	gw, err := a.openPersistent(ctx)
	if err != nil {
		return err
	}
	defer gw.close()

	entries, err := a.loadHistory(ctx, gw, opts)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no history found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Recorded (UTC)\tAPR%\tAPY%")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", formatTime(e.RecordedAt), e.APR.StringFixed(2), formatOptional(e.APY, 2))
	}
	return writer.Flush()
}

func (a *App) loadHistory(ctx context.Context, gw *gateway, opts HistoryOptions) ([]storage.RateHistoryEntry, error) {
	if opts.Key.Asset == "" || opts.Key.Platform == "" {
		return nil, errors.New("--asset and --platform are required")
	}
	from, to, err := historyWindow(opts, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return gw.ListHistory(ctx, opts.Key, from, to)
}

// historyWindow defaults to the 30 days ending now.
func historyWindow(opts HistoryOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
