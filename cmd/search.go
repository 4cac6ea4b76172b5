package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
)

var searchContext int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over message content",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchContext, "context", "C", 0, "Messages of context on each side of a hit")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(_ *cobra.Command, args []string) error {
	q := strings.Join(args, " ")
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		hits, err := a.svc.SearchMessages(ctx, q, searchContext)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Printf("\n  No messages match %q.\n", q)
			return nil
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("SEARCH  %q (%d hits)", q, len(hits))))
		fmt.Println()

		for _, h := range hits {
			fmt.Println(cli.Muted(fmt.Sprintf("  %s  %s  %s  %s",
				cli.FormatTime(h.Message.Timestamp),
				cli.Truncate(projectLabel(h.Project), 20),
				cli.Truncate(h.SessionID, 8),
				h.Message.Role)))
			if searchContext == 0 {
				fmt.Printf("    %s\n\n", h.Snippet)
				continue
			}
			for _, m := range h.Context {
				marker := " "
				if m.ID == h.Message.ID {
					marker = ">"
				}
				fmt.Printf("  %s %-9s %s\n", marker, m.Role, cli.Truncate(oneLine(m.Content), 160))
			}
			fmt.Println()
		}
		return nil
	})
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
