package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var syncShowSkips int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest new session log lines into the store",
	RunE:  runSync,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Drop derived data and re-ingest every log from the start",
	RunE:  runRebuild,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check cost rollups against per-message costs",
	RunE:  runReconcile,
}

func init() {
	syncCmd.Flags().IntVar(&syncShowSkips, "show-skips", 10, "Skipped lines to list")
	rootCmd.AddCommand(syncCmd, rebuildCmd, reconcileCmd)
}

func runSync(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		rep, err := a.svc.TriggerSync(ctx)
		if err != nil {
			return err
		}
		printSyncReport("SYNC", rep)
		return nil
	})
}

func runRebuild(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		rep, err := a.svc.Rebuild(ctx)
		if err != nil {
			return err
		}
		printSyncReport("REBUILD", rep)

		mismatches, err := a.svc.Reconcile(ctx)
		if err != nil {
			return err
		}
		if len(mismatches) > 0 {
			return fmt.Errorf("rollups disagree with message costs for %d projects", len(mismatches))
		}
		return nil
	})
}

func runReconcile(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		mismatches, err := a.svc.Reconcile(ctx)
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println(cli.OK("  Rollups match per-message costs."))
			return nil
		}

		rows := make([][]string, 0, len(mismatches))
		for _, m := range mismatches {
			rows = append(rows, []string{
				cli.Truncate(projectLabel(m.Project), 24),
				cli.FormatCost(m.RollupCost),
				cli.FormatCost(m.MessageCost),
				cli.FormatTokens(m.RollupTokens),
				cli.FormatTokens(m.MessageTokens),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Mismatched projects",
			Headers: []string{"Project", "Rollup Cost", "Message Cost", "Rollup Tokens", "Message Tokens"},
			Rows:    rows,
		}))
		return fmt.Errorf("%d projects out of balance, run `tally rebuild`", len(mismatches))
	})
}

func printSyncReport(title string, rep model.SyncReport) {
	fmt.Println()
	fmt.Println(cli.RenderTitle(title + "  " + cli.FormatDuration(rep.Duration)))
	fmt.Println()

	rows := [][]string{
		{"Files scanned", cli.FormatNumber(int64(rep.FilesScanned))},
		{"Files unchanged", cli.FormatNumber(int64(rep.FilesUnchanged))},
		{"Files reset", cli.FormatNumber(int64(rep.FilesReset))},
		{"Bytes read", cli.FormatBytes(rep.BytesRead)},
		cli.SeparatorRow,
		{"Lines ingested", cli.FormatNumber(int64(rep.LinesIngested))},
		{"Messages inserted", cli.FormatNumber(int64(rep.MessagesInserted))},
		{"Lines ignored", cli.FormatNumber(int64(rep.LinesIgnored))},
		{"Lines skipped", cli.FormatNumber(int64(rep.LinesSkipped))},
		{"Files errored", cli.FormatNumber(int64(len(rep.FilesErrored)))},
	}
	fmt.Print(cli.RenderTable(cli.Table{Headers: []string{"Metric", "Value"}, Rows: rows}))

	for i, s := range rep.Skips {
		if i >= syncShowSkips {
			fmt.Println(cli.Muted(fmt.Sprintf("  ... %d more skipped lines", rep.LinesSkipped-i)))
			break
		}
		fmt.Println(cli.Warn(fmt.Sprintf("  skipped %s@%d: %s", s.Path, s.Offset, s.Reason)))
	}
	for _, fe := range rep.FilesErrored {
		fmt.Println(cli.Error(fmt.Sprintf("  error %s: %s", fe.Path, fe.Err)))
	}
	if rep.Canceled {
		fmt.Println(cli.Warn("  canceled; progress so far is kept"))
	}
}
