package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/source"
	"github.com/theirongolddev/tally/internal/store"
)

var (
	sessionsLimit  int
	sessionsBranch string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Session list with details",
	RunE:  runSessions,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Number of sessions to show")
	sessionsCmd.Flags().StringVarP(&sessionsBranch, "branch", "b", "", "Filter to git branch")
	sessionsCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(_ *cobra.Command, _ []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := a.refresh(ctx); err != nil {
			return err
		}
		r := window()
		sessions, err := a.svc.ListSessions(ctx, model.SessionFilter{
			Project: flagProject,
			Branch:  sessionsBranch,
			Since:   r.Since,
			Until:   r.Until,
			Limit:   sessionsLimit,
		})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("\n  No sessions in the selected window.")
			return nil
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("SESSIONS  %s (showing %d)", windowLabel(), len(sessions))))
		fmt.Println()

		rows := make([][]string, 0, len(sessions))
		for _, s := range sessions {
			branch := s.Branch
			if branch == "" {
				branch = "-"
			}
			rows = append(rows, []string{
				cli.Truncate(s.ID, 8),
				cli.FormatTime(s.FirstSeen),
				cli.Truncate(s.ProjectName, 16),
				cli.Truncate(branch, 16),
				cli.FormatDuration(s.LastSeen.Sub(s.FirstSeen)),
				cli.FormatNumber(int64(s.MessageCount)),
				cli.FormatTokens(s.Tokens.Total()),
				cli.FormatCost(s.Cost),
			})
		}

		fmt.Print(cli.RenderTable(cli.Table{
			Headers:  []string{"ID", "Start", "Project", "Branch", "Duration", "Msgs", "Tokens", "Cost"},
			Rows:     rows,
			LeftCols: map[int]bool{1: true, 2: true, 3: true},
		}))
		return nil
	})
}

func runSessionShow(_ *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		sess, msgs, err := a.svc.GetSession(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle("SESSION  " + cli.Truncate(sess.ID, 36)))
		fmt.Printf("  Project: %s\n", sess.ProjectName)
		if sess.Cwd != "" {
			fmt.Printf("  Cwd:     %s\n", sess.Cwd)
		}
		if sess.Branch != "" {
			fmt.Printf("  Branch:  %s\n", sess.Branch)
		}
		fmt.Printf("  Span:    %s .. %s\n", cli.FormatTime(sess.FirstSeen), cli.FormatTime(sess.LastSeen))
		fmt.Printf("  Cost:    %s (%s tokens)\n\n", cli.FormatCost(sess.Cost), cli.FormatTokens(sess.Tokens.Total()))

		for _, m := range msgs {
			header := fmt.Sprintf("  [%s] %s", m.Timestamp.Local().Format("15:04:05"), m.Role)
			if m.Model != "" {
				header += " " + shortModel(m.Model)
			}
			if m.Billed && m.Cost > 0 {
				header += " " + cli.FormatCost(m.Cost)
			}
			fmt.Println(cli.Muted(header))
			if m.Content != "" {
				fmt.Printf("    %s\n", cli.Truncate(m.Content, 240))
			}
			if !hasToolUse(m) {
				continue
			}
			calls, err := a.store.ToolCalls(ctx, m.ID)
			if err != nil {
				return err
			}
			for _, tc := range calls {
				if tc.Phase != model.PhaseInvocation {
					continue
				}
				line := fmt.Sprintf("    %s %s", cli.Muted(tc.Category), tc.Name)
				if tc.DurationMs > 0 {
					line += " " + cli.FormatDuration(time.Duration(tc.DurationMs)*time.Millisecond)
				}
				if len(tc.Files) > 0 {
					line += " " + cli.Muted(strings.Join(tc.Files, ", "))
				}
				if tc.IsError {
					line += " " + cli.Error("failed")
				}
				fmt.Println(line)
			}
		}
		return nil
	})
}

func hasToolUse(m model.Message) bool {
	for _, b := range m.Blocks {
		if b.Kind == model.BlockToolUse {
			return true
		}
	}
	return false
}

// projectLabel turns a raw project directory name into its display name.
func projectLabel(dir string) string {
	return source.DecodeProjectName(dir)
}
