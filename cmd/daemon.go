package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/tally/internal/cli"
	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/daemon"
)

var (
	flagDaemonInterval time.Duration
	flagDaemonDetach   bool
	flagDaemonPIDFile  string
	flagDaemonLogFile  string
	flagDaemonRuns     int
	flagDaemonChild    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the log root and keep the store current",
	RunE:  runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and sync status",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	defaultPID := filepath.Join(config.CacheDir(), "tallyd.pid")
	defaultLog := filepath.Join(config.CacheDir(), "tallyd.log")

	daemonCmd.PersistentFlags().DurationVar(&flagDaemonInterval, "interval", 0, "Full rescan interval (default from config)")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonPIDFile, "pid-file", defaultPID, "PID file path")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonLogFile, "log-file", defaultLog, "Log file path for detached mode")
	daemonCmd.PersistentFlags().IntVar(&flagDaemonRuns, "runs", 50, "Recent runs kept in the status file")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Run daemon as a background process")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "Internal: mark detached child process")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if flagDaemonDetach && flagDaemonChild {
		return errors.New("--detach and --child are mutually exclusive")
	}
	files := currentDaemonFiles()
	if flagDaemonDetach {
		return files.spawn()
	}
	return files.serve()
}

// daemonFiles are the on-disk artifacts of one daemon instance.
type daemonFiles struct {
	pid   string
	state string // status JSON rewritten by the daemon after every run
	log   string // detached stdout/stderr
}

func currentDaemonFiles() daemonFiles {
	return daemonFiles{pid: flagDaemonPIDFile, state: flagDaemonPIDFile + ".json", log: flagDaemonLogFile}
}

// spawn re-executes the current binary as a detached child.
func (f daemonFiles) spawn() error {
	if err := f.claim(); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.log), 0o750); err != nil {
		return fmt.Errorf("create daemon log directory: %w", err)
	}

	//nolint:gosec // daemon log path is configured by the local user
	out, err := os.OpenFile(f.log, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer func() { _ = out.Close() }()

	child := exec.Command(exe, append(filterDetachArg(os.Args[1:]), "--child")...) //nolint:gosec // re-exec of the current invocation
	child.Stdout, child.Stderr = out, out
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}

	fmt.Printf("  Started daemon (pid %d)\n", child.Process.Pid)
	fmt.Printf("  PID file: %s\n", f.pid)
	fmt.Printf("  Log: %s\n", f.log)
	return nil
}

// serve runs the daemon in this process until SIGINT or SIGTERM.
func (f daemonFiles) serve() error {
	if err := f.claim(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.pid), 0o750); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	if err := os.WriteFile(f.pid, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer f.remove()

	return withApp(func(ctx context.Context, a *app) error {
		interval := flagDaemonInterval
		if interval == 0 {
			interval = a.cfg.Sync.Interval.Duration
		}
		svc := daemon.New(daemon.Config{
			Root:      a.cfg.General.DataDir,
			Engine:    a.engine,
			Workers:   a.cfg.Sync.Workers,
			QueueSize: a.cfg.Sync.QueueSize,
			Debounce:  a.cfg.Sync.Debounce.Duration,
			Interval:  interval,
			StatePath: f.state,
			RunBuffer: flagDaemonRuns,
			Logger:    a.log,
		})

		a.log.WithFields(logrus.Fields{"root": a.cfg.General.DataDir, "db": a.cfg.General.DBPath}).Info("tally daemon started")
		fmt.Printf("  Watching %s, full rescan every %s\n", a.cfg.General.DataDir, interval)
		fmt.Printf("  Stop with: tally daemon stop --pid-file %s\n", f.pid)

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		a.log.Info("tally daemon stopped")
		return nil
	})
}

// running returns the recorded pid when that process is still alive.
func (f daemonFiles) running() (int, bool) {
	//nolint:gosec // daemon pid path is configured by the local user
	data, err := os.ReadFile(f.pid)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

// claim fails if another daemon owns the files and clears stale ones.
func (f daemonFiles) claim() error {
	if pid, alive := f.running(); alive && pid != os.Getpid() {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	f.remove()
	return nil
}

func (f daemonFiles) remove() {
	_ = os.Remove(f.pid)
	_ = os.Remove(f.state)
}

func runDaemonStatus(_ *cobra.Command, _ []string) error {
	f := currentDaemonFiles()
	pid, alive := f.running()
	switch {
	case pid == 0:
		fmt.Println("  Daemon: not running")
		return nil
	case !alive:
		fmt.Printf("  Daemon: stale pid file (pid %d not alive)\n", pid)
		return nil
	}

	fmt.Printf("  Daemon PID: %d\n", pid)
	st, err := daemon.ReadStatus(f.state)
	if err != nil {
		fmt.Printf("  Status: unavailable (%v)\n", err)
		return nil
	}
	printDaemonStatus(st)
	return nil
}

func printDaemonStatus(st daemon.Status) {
	fmt.Printf("  Root: %s\n", st.Root)
	fmt.Printf("  Up since: %s (%s)\n", cli.FormatTime(st.StartedAt), cli.FormatAgo(st.StartedAt))
	fmt.Printf("  Watching: %d directories, %d files pending\n", st.Watching, st.Pending)
	fmt.Printf("  Last sync: %s\n", cli.FormatAgo(st.LastRunAt))
	fmt.Printf("  Runs: %s  inserted %s  skipped %s  errors %s  dropped %s\n",
		cli.FormatNumber(st.Totals.Runs),
		cli.FormatNumber(st.Totals.Inserted),
		cli.FormatNumber(st.Totals.Skipped),
		cli.FormatNumber(st.Totals.Errors),
		cli.FormatNumber(st.Totals.Dropped))
	if st.LastError != "" {
		fmt.Println(cli.Warn("  Last error: " + st.LastError))
	}
	if len(st.Recent) == 0 {
		return
	}

	recent := st.Recent[max(0, len(st.Recent)-10):]
	rows := make([][]string, 0, len(recent))
	for _, r := range recent {
		status := cli.OK("ok")
		switch {
		case r.Err != "":
			status = cli.Error("error")
		case r.Reset:
			status = cli.Warn("reset")
		}
		rows = append(rows, []string{
			cli.FormatTime(r.At),
			cli.Truncate(filepath.Base(r.Path), 40),
			cli.FormatNumber(int64(r.Inserted)),
			cli.FormatNumber(int64(r.Skipped)),
			cli.FormatDuration(r.Duration),
			status,
		})
	}
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:    "Recent syncs",
		Headers:  []string{"At", "File", "Inserted", "Skipped", "Took", "Status"},
		Rows:     rows,
		LeftCols: map[int]bool{1: true},
	}))
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	f := currentDaemonFiles()
	pid, alive := f.running()
	if !alive {
		f.remove()
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon process: %w", err)
	}

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(8 * time.Second)
	for {
		select {
		case <-timeout:
			return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
		case <-ticker.C:
			if processAlive(pid) {
				continue
			}
			f.remove()
			fmt.Printf("  Stopped daemon (pid %d)\n", pid)
			return nil
		}
	}
}

// filterDetachArg drops --detach so the child runs in the foreground.
func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != "--detach" && !strings.HasPrefix(a, "--detach=") {
			out = append(out, a)
		}
	}
	return out
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
