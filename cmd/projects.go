package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Project spend ranking",
	RunE:  runProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		r := window()

		sum, err := a.svc.GetCostSummary(ctx, r, model.GroupByProject)
		if err != nil {
			return err
		}
		if len(sum.Lines) == 0 {
			fmt.Println("\n  No project data in the selected window.")
			return nil
		}

		sessions, err := a.svc.ListSessions(ctx, model.SessionFilter{Since: r.Since, Until: r.Until})
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		branches := make(map[string]map[string]bool)
		for _, s := range sessions {
			counts[s.Project]++
			if s.Branch == "" {
				continue
			}
			if branches[s.Project] == nil {
				branches[s.Project] = make(map[string]bool)
			}
			branches[s.Project][s.Branch] = true
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("PROJECTS  " + windowLabel()))
		fmt.Println()

		rows := make([][]string, 0, len(sum.Lines))
		for _, l := range sum.Lines {
			rows = append(rows, []string{
				cli.Truncate(projectLabel(l.Key), 24),
				cli.FormatNumber(int64(counts[l.Key])),
				cli.FormatNumber(int64(len(branches[l.Key]))),
				cli.FormatNumber(int64(l.Messages)),
				cli.FormatTokens(l.Tokens.Total()),
				cli.FormatCost(l.Cost),
			})
		}

		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Project", "Sessions", "Branches", "Messages", "Tokens", "Cost"},
			Rows:    rows,
		}))
		return nil
	})
}
