// Package cmd implements the tally CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/attribution"
	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/health"
	"github.com/theirongolddev/tally/internal/pipeline"
	"github.com/theirongolddev/tally/internal/query"
	"github.com/theirongolddev/tally/internal/store"
)

var (
	flagDays        int
	flagProject     string
	flagDataDir     string
	flagDBPath      string
	flagVerbose     bool
	flagQuiet       bool
	flagNoSync      bool
	flagNoSubagents bool
)

var rootCmd = &cobra.Command{
	Use:           "tally",
	Short:         "Coding-assistant usage ledger",
	Long:          "Index coding-assistant session logs and report spend, commit attribution and code health.",
	RunE:          runSummary,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.Error("  error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&flagDays, "days", "n", 30, "Time window in days (0 for all time)")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "Filter to project")
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", "", "Session log root (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "SQLite database path (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVar(&flagNoSync, "no-sync", false, "Report from the store without syncing first")
	rootCmd.PersistentFlags().BoolVar(&flagNoSubagents, "no-subagents", false, "Exclude subagent logs")
}

// app bundles everything a command needs.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	store  *store.Store
	engine *pipeline.Engine
	svc    *query.Service
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case flagVerbose:
		log.SetLevel(logrus.DebugLevel)
	case flagQuiet:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// openApp loads config, applies flag overrides and opens the store.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.General.DataDir = flagDataDir
	}
	if flagDBPath != "" {
		cfg.General.DBPath = flagDBPath
	}

	log := newLogger()
	st, err := store.Open(cfg.General.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.General.DBPath, err)
	}
	if st.SchemaReset() {
		log.Info("store schema changed, derived data will be rebuilt")
	}

	pricing := cfg.PriceTable()
	engine := pipeline.NewEngine(pipeline.Config{
		Store:            st,
		Pricing:          pricing,
		Workers:          cfg.Sync.Workers,
		BatchSize:        cfg.Sync.BatchSize,
		ExcludeSubagents: flagNoSubagents,
		Logger:           log,
		Progress:         progressPrinter(),
	})

	return &app{
		cfg:    cfg,
		log:    log,
		store:  st,
		engine: engine,
		svc: &query.Service{
			Store:   st,
			Engine:  engine,
			Health:  &health.Recorder{Store: st, Backoff: cfg.Attribution.RetryBackoff.Duration},
			Pricing: pricing,
			Root:    cfg.General.DataDir,
		},
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}

func (a *app) attribution() *attribution.Engine {
	return &attribution.Engine{
		Store:    a.store,
		Logger:   a.log,
		Lookback: a.cfg.Attribution.ChurnLookback(),
		Backoff:  a.cfg.Attribution.RetryBackoff.Duration,
	}
}

// withApp runs fn with an open app and a context canceled on SIGINT/SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a)
}

// refresh brings the store up to date before a report unless --no-sync.
func (a *app) refresh(ctx context.Context) error {
	if flagNoSync {
		return nil
	}
	rep, err := a.svc.TriggerSync(ctx)
	if err != nil {
		return err
	}
	if !flagQuiet && rep.MessagesInserted > 0 {
		fmt.Fprintf(os.Stderr, "  Synced %s new messages from %d files\n",
			cli.FormatNumber(int64(rep.MessagesInserted)), rep.FilesScanned-rep.FilesUnchanged)
	}
	for _, fe := range rep.FilesErrored {
		a.log.WithField("file", fe.Path).Warn(fe.Err)
	}
	return nil
}

func progressPrinter() pipeline.ProgressFunc {
	return func(current, total int) {
		if flagQuiet || total < 50 {
			return
		}
		if current%50 == 0 || current == total {
			fmt.Fprintf(os.Stderr, "\r  Syncing %s", cli.RenderProgressBar(current, total, 24))
		}
		if current == total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// window returns the reporting range selected by --days.
func window() query.Range {
	if flagDays <= 0 {
		return query.Range{}
	}
	now := time.Now()
	return query.Range{Since: now.AddDate(0, 0, -flagDays), Until: now}
}

func windowLabel() string {
	if flagDays <= 0 {
		return "All time"
	}
	return fmt.Sprintf("Last %dd", flagDays)
}
