package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Collect runs a single collect-and-evaluate cycle and prints the tally.
func (a *App) Collect(ctx context.Context) error {
	if !a.Config.Collection.Enabled {
		a.Logger.Warn().Msg("collection.enabled is false; collect skipped")
		fmt.Fprintln(a.Out, "collection.enabled is false; nothing collected")
		return nil
	}

	gw, err := a.openGateway(ctx)
	if err != nil {
		return err
	}
	defer gw.close()

	notifiers, closeNotifiers := a.newNotifiers()
	defer closeNotifiers()

	res, err := a.newService(gw, notifiers).RunCycle(ctx)
	if err != nil {
		return err
	}
	if res.LockHeld {
		fmt.Fprintln(a.Out, "another instance holds the collection lock; nothing collected")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Success\t%d\n", res.Success)
	fmt.Fprintf(writer, "Failed\t%d\n", res.Failed)
	fmt.Fprintf(writer, "Skipped\t%s\n", joinOrDash(res.Skipped))
	fmt.Fprintf(writer, "Rates\t%d\n", len(res.Rates))
	fmt.Fprintf(writer, "History\t%d\n", res.HistoryAppended)
	fmt.Fprintf(writer, "Alerts\t%d\n", res.AlertsTriggered)
	for _, msg := range res.Errors {
		fmt.Fprintf(writer, "Error\t%s\n", sanitizeInline(msg))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if a.DryRun {
		return printRates(a.Out, res.Rates)
	}
	return nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
