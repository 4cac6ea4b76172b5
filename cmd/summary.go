package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Spend, tokens and sessions for the selected window",
	RunE:  runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}

		r := window()
		sessions, err := a.svc.ListSessions(ctx, model.SessionFilter{Project: flagProject, Since: r.Since, Until: r.Until})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("\n  No sessions found in the selected window.")
			return nil
		}

		var (
			tokens   model.TokenCounts
			msgs     int
			unpriced int
		)
		for _, s := range sessions {
			tokens = tokens.Add(s.Tokens)
			msgs += s.MessageCount
			unpriced += s.UnpricedMessages
		}

		totals, _, err := a.svc.GetCostBreakdown(ctx, projectDir(ctx, a), r)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("TALLY  " + windowLabel()))
		fmt.Println()

		rows := [][]string{
			{"Sessions", cli.FormatNumber(int64(len(sessions)))},
			{"Messages", cli.FormatNumber(int64(msgs))},
			cli.SeparatorRow,
			{"Input Tokens", cli.FormatTokens(tokens.Input)},
			{"Output Tokens", cli.FormatTokens(tokens.Output)},
			{"Cache Write", cli.FormatTokens(tokens.CacheWrite)},
			{"Cache Read", cli.FormatTokens(tokens.CacheRead)},
			cli.SeparatorRow,
			{"Input Cost", cli.FormatCost(totals.InputCost)},
			{"Output Cost", cli.FormatCost(totals.OutputCost)},
			{"Cache Cost", cli.FormatCost(totals.CacheReadCost + totals.CacheWriteCost)},
			{"Total Cost", cli.FormatCost(totals.TotalCost)},
		}
		if flagDays > 0 {
			perDay := totals.TotalCost / model.Money(flagDays)
			rows = append(rows, []string{"Cost/day", cli.FormatCost(perDay)})
		}

		fmt.Print(cli.RenderTable(cli.Table{Headers: []string{"Metric", "Value"}, Rows: rows}))
		if unpriced > 0 {
			fmt.Println(cli.Warn(fmt.Sprintf("\n  %d messages used models with no configured price", unpriced)))
		}
		return nil
	})
}

// projectDir resolves --project to the raw project directory name the
// rollups are keyed by. Display names are matched through the sessions.
func projectDir(ctx context.Context, a *app) string {
	if flagProject == "" {
		return ""
	}
	sessions, err := a.svc.ListSessions(ctx, model.SessionFilter{Project: flagProject, Limit: 1})
	if err != nil || len(sessions) == 0 {
		return flagProject
	}
	return sessions[0].Project
}
