package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var hourlyCmd = &cobra.Command{
	Use:   "hourly",
	Short: "Prompts and spend by hour of day",
	RunE:  runHourly,
}

func init() {
	rootCmd.AddCommand(hourlyCmd)
}

type hourBucket struct {
	prompts int
	cost    model.Money
}

func runHourly(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		r := window()
		msgs, err := a.store.MessagesInRange(ctx, r.Since, r.Until)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("\n  No messages in the selected window.")
			return nil
		}

		var hours [24]hourBucket
		for _, m := range msgs {
			h := m.Timestamp.Local().Hour()
			if m.Role == model.RoleUser {
				hours[h].prompts++
			}
			if m.Billed {
				hours[h].cost += m.Cost
			}
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("ACTIVITY BY HOUR  %s (local time)", windowLabel())))
		fmt.Println()

		maxPrompts, peak := 0, 0
		for h, b := range hours {
			if b.prompts > maxPrompts {
				maxPrompts, peak = b.prompts, h
			}
		}

		const maxBarWidth = 40
		for h, b := range hours {
			barLen := 0
			if maxPrompts > 0 {
				barLen = b.prompts * maxBarWidth / maxPrompts
			}
			fmt.Printf("  %02d:00 │ %6s │ %8s │ %s\n",
				h, cli.FormatNumber(int64(b.prompts)), cli.FormatCost(b.cost), strings.Repeat("█", barLen))
		}

		fmt.Printf("\n  Peak: %02d:00 (%s prompts)\n\n", peak, cli.FormatNumber(int64(hours[peak].prompts)))
		return nil
	})
}
