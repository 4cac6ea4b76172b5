package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Daily spend from the cost rollups",
	RunE:  runDaily,
}

func init() {
	rootCmd.AddCommand(dailyCmd)
}

func runDaily(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}

		sum, err := a.svc.GetCostSummary(ctx, window(), model.GroupByDay)
		if err != nil {
			return err
		}
		if len(sum.Lines) == 0 {
			fmt.Println("\n  No data for the selected period.")
			return nil
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("DAILY SPEND  " + windowLabel()))
		fmt.Println()

		spark := make([]float64, 0, len(sum.Lines))
		rows := make([][]string, 0, len(sum.Lines)+2)
		for _, l := range sum.Lines {
			day := ""
			if d, err := time.Parse("2006-01-02", l.Key); err == nil {
				day = d.Weekday().String()[:3]
			}
			spark = append(spark, l.Cost.USD())
			rows = append(rows, []string{
				l.Key,
				day,
				cli.FormatNumber(int64(l.Messages)),
				cli.FormatTokens(l.Tokens.Total()),
				cli.FormatCost(l.Cost),
			})
		}
		rows = append(rows, cli.SeparatorRow)
		rows = append(rows, []string{"TOTAL", "", "", "", cli.FormatCost(sum.Total)})

		fmt.Print(cli.RenderTable(cli.Table{
			Headers:  []string{"Date", "Day", "Messages", "Tokens", "Cost"},
			Rows:     rows,
			LeftCols: map[int]bool{1: true},
		}))
		fmt.Printf("\n  %s  %s\n", cli.Muted("trend"), cli.RenderSparkline(spark))
		return nil
	})
}
