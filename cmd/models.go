package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Model usage and configured prices",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}

		sum, err := a.svc.GetCostSummary(ctx, window(), model.GroupByModel)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("MODEL USAGE  " + windowLabel()))
		fmt.Println()

		rows := make([][]string, 0, len(sum.Lines))
		for _, l := range sum.Lines {
			price := "yes"
			if _, ok := a.svc.Pricing.Lookup(l.Key); !ok {
				price = cli.Warn("missing")
			}
			rows = append(rows, []string{
				shortModel(l.Key),
				cli.FormatNumber(int64(l.Messages)),
				cli.FormatTokens(l.Tokens.Input),
				cli.FormatTokens(l.Tokens.Output),
				cli.FormatCost(l.Cost),
				share(l.Cost, sum.Total),
				price,
			})
		}
		if len(rows) > 0 {
			fmt.Print(cli.RenderTable(cli.Table{
				Headers: []string{"Model", "Calls", "Input", "Output", "Cost", "Share", "Priced"},
				Rows:    rows,
			}))
			fmt.Println()
		}

		priceRows := make([][]string, 0)
		for _, name := range a.svc.Pricing.Models() {
			u, _ := a.svc.Pricing.Lookup(name)
			priceRows = append(priceRows, []string{
				shortModel(name),
				perMTok(u.Input),
				perMTok(u.Output),
				perMTok(u.CacheRead),
				perMTok(u.CacheWrite),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Pricing ($/MTok)",
			Headers: []string{"Model", "Input", "Output", "Cache Read", "Cache Write"},
			Rows:    priceRows,
		}))
		return nil
	})
}

// perMTok renders a per-token picodollar rate as dollars per million tokens.
func perMTok(unit int64) string {
	return fmt.Sprintf("$%.2f", float64(unit)/1_000_000)
}
