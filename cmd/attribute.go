package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/attribution"
	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
)

var (
	attributeRepo string
	attributeList bool
)

var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Link git commits to the sessions that produced them",
	RunE:  runAttribute,
}

var churnCmd = &cobra.Command{
	Use:   "churn",
	Short: "Lines from attributed commits rewritten within the lookback window",
	RunE:  runChurn,
}

func init() {
	attributeCmd.Flags().StringVar(&attributeRepo, "repo", "", "Git checkout for --project (default: the sessions' working directory)")
	attributeCmd.Flags().BoolVar(&attributeList, "list", false, "List stored links instead of recomputing")
	rootCmd.AddCommand(attributeCmd, churnCmd)
}

func runAttribute(_ *cobra.Command, _ []string) error {
	if attributeRepo != "" && flagProject == "" {
		return errors.New("--repo requires --project")
	}
	return withApp(func(ctx context.Context, a *app) error {
		if attributeList {
			return listLinks(ctx, a)
		}
		if err := a.refresh(ctx); err != nil {
			return err
		}

		eng := a.attribution()
		var results []attribution.Result
		if flagProject != "" {
			project := projectDir(ctx, a)
			repo := attributeRepo
			if repo == "" {
				repo = attribution.WorkDir(projectSessions(ctx, a, project))
			}
			if repo == "" {
				return fmt.Errorf("no working directory recorded for %s, pass --repo", flagProject)
			}
			res, err := eng.Run(ctx, project, attribution.GitLog{Dir: repo})
			if err != nil {
				return err
			}
			results = append(results, res)
		} else {
			var err error
			results, err = a.svc.Attribute(ctx, eng)
			if err != nil {
				return err
			}
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("ATTRIBUTION"))
		fmt.Println()

		rows := make([][]string, 0, len(results))
		for _, r := range results {
			status := cli.OK("ok")
			if r.Degraded {
				status = cli.Warn("degraded")
			}
			rows = append(rows, []string{
				cli.Truncate(projectLabel(r.Project), 24),
				cli.FormatNumber(int64(r.Sessions)),
				cli.FormatNumber(int64(r.Commits)),
				cli.FormatNumber(int64(r.Links)),
				cli.FormatNumber(int64(r.Churn)),
				status,
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Project", "Sessions", "Commits", "Links", "Churn", "Status"},
			Rows:    rows,
		}))
		for _, r := range results {
			if r.Err != nil {
				fmt.Println(cli.Muted("  " + r.Err.Error()))
			}
		}
		return nil
	})
}

func listLinks(ctx context.Context, a *app) error {
	if flagProject == "" {
		return errors.New("--list requires --project")
	}
	links, err := a.svc.GetAttribution(ctx, projectDir(ctx, a), window())
	if err != nil {
		return err
	}
	if len(links) == 0 {
		fmt.Println("\n  No attributed commits in the selected window.")
		return nil
	}

	rows := make([][]string, 0, len(links))
	for _, l := range links {
		rows = append(rows, []string{
			l.CommitHash[:min(len(l.CommitHash), 10)],
			cli.FormatTime(l.CommitTime),
			cli.Truncate(l.SessionID, 8),
			l.Basis,
			cli.FormatDuration(secs(l.DistanceSecs)),
		})
	}
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:    "Commits  " + windowLabel(),
		Headers:  []string{"Commit", "Time", "Session", "Basis", "Distance"},
		Rows:     rows,
		LeftCols: map[int]bool{1: true, 2: true, 3: true},
	}))
	return nil
}

func runChurn(_ *cobra.Command, _ []string) error {
	if flagProject == "" {
		return errors.New("churn requires --project")
	}
	return withApp(func(ctx context.Context, a *app) error {
		records, err := a.svc.GetChurn(ctx, projectDir(ctx, a), window())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("\n  No churn recorded in the selected window. Run `tally attribute` first.")
			return nil
		}

		bySession := make(map[string]int)
		rows := make([][]string, 0, len(records))
		for _, c := range records {
			lines := c.OriginalEnd - c.OriginalStart + 1
			bySession[c.SessionID] += lines
			rows = append(rows, []string{
				cli.Truncate(c.File, 32),
				fmt.Sprintf("%d-%d", c.OriginalStart, c.OriginalEnd),
				c.OriginalCommit[:min(len(c.OriginalCommit), 8)],
				c.ChurnCommit[:min(len(c.ChurnCommit), 8)],
				cli.Truncate(c.SessionID, 8),
				cli.FormatDuration(c.ChurnTime.Sub(c.OriginalTime)),
			})
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("CHURN  %s  %d events", windowLabel(), len(records))))
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Headers:  []string{"File", "Lines", "Original", "Rewritten", "Session", "After"},
			Rows:     rows,
			LeftCols: map[int]bool{2: true, 3: true, 4: true},
		}))
		fmt.Printf("  %d sessions had lines rewritten\n", len(bySession))
		return nil
	})
}

func projectSessions(ctx context.Context, a *app, project string) []model.Session {
	sessions, err := a.svc.ListSessions(ctx, model.SessionFilter{Project: project})
	if err != nil {
		a.log.WithError(err).Warn("listing sessions")
	}
	return sessions
}

func secs(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
