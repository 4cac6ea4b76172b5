package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/attribution"
	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/health"
	"github.com/theirongolddev/tally/internal/model"
)

var (
	healthAt   string
	healthRepo string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Record and review structural code-health metrics",
}

var healthRecordCmd = &cobra.Command{
	Use:   "record name=value...",
	Short: "Append a metrics snapshot for --project",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHealthRecord,
}

var healthCaptureCmd = &cobra.Command{
	Use:   "capture -- command [args...]",
	Short: "Run an analyzer that prints a JSON metrics object and record its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHealthCapture,
}

var healthTrendCmd = &cobra.Command{
	Use:   "trend",
	Short: "Show metric snapshots for --project over time",
	RunE:  runHealthTrend,
}

func init() {
	healthRecordCmd.Flags().StringVar(&healthAt, "at", "", "Snapshot time, RFC3339 (default now)")
	healthCaptureCmd.Flags().StringVar(&healthRepo, "repo", "", "Checkout to analyze (default: the sessions' working directory)")
	healthCmd.AddCommand(healthRecordCmd, healthCaptureCmd, healthTrendCmd)
	rootCmd.AddCommand(healthCmd)
}

// parseMetrics reads name=value pairs.
func parseMetrics(args []string) (map[string]float64, error) {
	metrics := make(map[string]float64, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("metric %q: want name=value", arg)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", name, err)
		}
		metrics[name] = v
	}
	return metrics, nil
}

func snapshotTime() (time.Time, error) {
	if healthAt == "" {
		return time.Now(), nil
	}
	ts, err := time.Parse(time.RFC3339, healthAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return ts, nil
}

func runHealthRecord(_ *cobra.Command, args []string) error {
	if flagProject == "" {
		return errors.New("health record requires --project")
	}
	metrics, err := parseMetrics(args)
	if err != nil {
		return err
	}
	ts, err := snapshotTime()
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app) error {
		snap, err := a.svc.Health.RecordSnapshot(ctx, projectDir(ctx, a), metrics, ts)
		if err != nil {
			return err
		}
		fmt.Printf("  Recorded snapshot %s (%d metrics) at %s\n", snap.ID, len(snap.Metrics), cli.FormatTime(snap.Timestamp))
		return nil
	})
}

func runHealthCapture(_ *cobra.Command, args []string) error {
	if flagProject == "" {
		return errors.New("health capture requires --project")
	}
	return withApp(func(ctx context.Context, a *app) error {
		project := projectDir(ctx, a)
		dir := healthRepo
		if dir == "" {
			dir = attribution.WorkDir(projectSessions(ctx, a, project))
		}
		if dir == "" {
			return fmt.Errorf("no working directory recorded for %s, pass --repo", flagProject)
		}
		snap, err := a.svc.Health.Capture(ctx, health.CommandAnalyzer{Command: args}, project, dir, time.Now())
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	})
}

func runHealthTrend(_ *cobra.Command, _ []string) error {
	if flagProject == "" {
		return errors.New("health trend requires --project")
	}
	return withApp(func(ctx context.Context, a *app) error {
		snaps, err := a.svc.GetHealthTrend(ctx, projectDir(ctx, a), window())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("\n  No health snapshots in the selected window.")
			return nil
		}

		series := make(map[string][]float64)
		for _, s := range snaps {
			for name, v := range s.Metrics {
				series[name] = append(series[name], v)
			}
		}
		names := make([]string, 0, len(series))
		for name := range series {
			names = append(names, name)
		}
		sort.Strings(names)

		net := make(map[string]float64)
		for _, d := range health.Deltas(snaps) {
			net[d.Metric] += d.Change
		}

		fmt.Println()
		fmt.Println(cli.RenderTitle(fmt.Sprintf("HEALTH  %s  %d snapshots", windowLabel(), len(snaps))))
		fmt.Println()

		rows := make([][]string, 0, len(names))
		for _, name := range names {
			vals := series[name]
			rows = append(rows, []string{
				name,
				strconv.FormatFloat(vals[0], 'f', -1, 64),
				strconv.FormatFloat(vals[len(vals)-1], 'f', -1, 64),
				cli.FormatChange(net[name]),
				cli.RenderSparkline(vals),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Headers:  []string{"Metric", "First", "Latest", "Change", "Trend"},
			Rows:     rows,
			LeftCols: map[int]bool{4: true},
		}))
		fmt.Printf("  %s .. %s\n", cli.FormatTime(snaps[0].Timestamp), cli.FormatTime(snaps[len(snaps)-1].Timestamp))
		return nil
	})
}

func printSnapshot(s model.HealthSnapshot) {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, strconv.FormatFloat(s.Metrics[name], 'f', -1, 64)})
	}
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Snapshot " + s.ID,
		Headers: []string{"Metric", "Value"},
		Rows:    rows,
	}))
}
