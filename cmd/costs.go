package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/query"
)

var costsGroupBy string

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Cost summary grouped by project, model, session or day",
	RunE:  runCosts,
}

func init() {
	costsCmd.Flags().StringVarP(&costsGroupBy, "by", "b", "project", "Grouping: project, model, session or day")
	rootCmd.AddCommand(costsCmd)
}

func runCosts(_ *cobra.Command, _ []string) error {
	groupBy := model.CostGroupBy(strings.ToLower(costsGroupBy))
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		r := window()

		sum, err := a.svc.GetCostSummary(ctx, r, groupBy)
		if err != nil {
			return err
		}
		if len(sum.Lines) == 0 {
			fmt.Println("\n  No spend in the selected window.")
			return nil
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("COSTS BY %s  %s", strings.ToUpper(string(groupBy)), windowLabel())))
		fmt.Println()
		fmt.Print(cli.RenderTable(costLinesTable(sum, groupBy)))

		if err := printTokenTypeCosts(ctx, a, r); err != nil {
			return err
		}
		if sum.Unpriced > 0 {
			fmt.Println(cli.Warn(fmt.Sprintf("  %d messages used models with no configured price", sum.Unpriced)))
		}
		return nil
	})
}

func costLinesTable(sum model.CostSummary, groupBy model.CostGroupBy) cli.Table {
	rows := make([][]string, 0, len(sum.Lines)+2)
	for _, l := range sum.Lines {
		key := l.Key
		switch groupBy {
		case model.GroupByModel:
			key = shortModel(key)
		case model.GroupByProject:
			key = cli.Truncate(projectLabel(key), 28)
		}
		rows = append(rows, []string{
			key,
			cli.FormatNumber(int64(l.Messages)),
			cli.FormatTokens(l.Tokens.Total()),
			cli.FormatCost(l.Cost),
			share(l.Cost, sum.Total),
		})
	}
	rows = append(rows, cli.SeparatorRow)
	rows = append(rows, []string{"TOTAL", "", "", cli.FormatCost(sum.Total), ""})

	return cli.Table{
		Headers: []string{strings.ToUpper(string(groupBy)[:1]) + string(groupBy)[1:], "Messages", "Tokens", "Cost", "Share"},
		Rows:    rows,
	}
}

func printTokenTypeCosts(ctx context.Context, a *app, r query.Range) error {
	totals, models, err := a.svc.GetCostBreakdown(ctx, projectDir(ctx, a), r)
	if err != nil {
		return err
	}
	if totals.TotalCost == 0 {
		return nil
	}

	typeRows := [][]string{
		{"Input", cli.FormatCost(totals.InputCost), share(totals.InputCost, totals.TotalCost)},
		{"Output", cli.FormatCost(totals.OutputCost), share(totals.OutputCost, totals.TotalCost)},
		{"Cache Write", cli.FormatCost(totals.CacheWriteCost), share(totals.CacheWriteCost, totals.TotalCost)},
		{"Cache Read", cli.FormatCost(totals.CacheReadCost), share(totals.CacheReadCost, totals.TotalCost)},
		cli.SeparatorRow,
		{"TOTAL", cli.FormatCost(totals.TotalCost), ""},
	}
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "By Token Type",
		Headers: []string{"Type", "Cost", "Share"},
		Rows:    typeRows,
	}))

	modelRows := make([][]string, 0, len(models)+2)
	for _, mc := range models {
		name := shortModel(mc.Model)
		if mc.Unpriced > 0 && mc.TotalCost == 0 {
			name += " (unpriced)"
		}
		modelRows = append(modelRows, []string{
			name,
			cli.FormatCost(mc.InputCost),
			cli.FormatCost(mc.OutputCost),
			cli.FormatCost(mc.CacheReadCost + mc.CacheWriteCost),
			cli.FormatCost(mc.TotalCost),
		})
	}
	modelRows = append(modelRows, cli.SeparatorRow)
	modelRows = append(modelRows, []string{
		"TOTAL",
		cli.FormatCost(totals.InputCost),
		cli.FormatCost(totals.OutputCost),
		cli.FormatCost(totals.CacheReadCost + totals.CacheWriteCost),
		cli.FormatCost(totals.TotalCost),
	})
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "By Model",
		Headers: []string{"Model", "Input", "Output", "Cache", "Total"},
		Rows:    modelRows,
	}))
	return nil
}

func share(part, total model.Money) string {
	if total <= 0 {
		return ""
	}
	return cli.FormatPercent(float64(part) / float64(total))
}

func shortModel(name string) string {
	// "claude-opus-4-6" -> "opus-4-6"
	return strings.TrimPrefix(name, "claude-")
}
