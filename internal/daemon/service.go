// Package daemon keeps the store current by watching the log root and
// syncing changed files in the background.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/pipeline"
)

// Config controls the daemon runtime behavior.
type Config struct {
	Root      string
	Engine    *pipeline.Engine
	Workers   int
	QueueSize int
	Debounce  time.Duration
	Interval  time.Duration // periodic full sync
	StatePath string        // status JSON, rewritten after every run
	RunBuffer int           // recent runs kept in the status
	Logger    *logrus.Logger
}

// Run records one file sync performed by the daemon.
type Run struct {
	ID       int64         `json:"id"`
	Path     string        `json:"path"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns"`
	Inserted int           `json:"inserted"`
	Skipped  int           `json:"skipped"`
	Reset    bool          `json:"reset,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Totals accumulates counters since the daemon started.
type Totals struct {
	Runs     int64 `json:"runs"`
	Inserted int64 `json:"inserted"`
	Skipped  int64 `json:"skipped"`
	Errors   int64 `json:"errors"`
	Dropped  int64 `json:"dropped"` // enqueues refused by a full queue
}

// Status is the snapshot written to the state file.
type Status struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	Root        string    `json:"root"`
	IntervalSec int       `json:"interval_sec"`
	Watching    int       `json:"watching"`
	Pending     int       `json:"pending"`
	LastRunAt   time.Time `json:"last_run_at"`
	LastError   string    `json:"last_error,omitempty"`
	Totals      Totals    `json:"totals"`
	Recent      []Run     `json:"recent"`
}

// Service runs the watcher, the periodic ticker and the sync workers.
type Service struct {
	cfg   Config
	log   *logrus.Logger
	queue *pipeline.TaskQueue

	mu        sync.Mutex
	startedAt time.Time
	watching  map[string]bool
	lastRunAt time.Time
	lastError string
	totals    Totals
	nextRunID int64
	runs      []Run
}

// New returns a daemon service with defaults filled in.
func New(cfg Config) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Interval < time.Second {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RunBuffer < 1 {
		cfg.RunBuffer = 50
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		queue:     pipeline.NewTaskQueue(cfg.QueueSize, cfg.Debounce),
		startedAt: time.Now(),
		watching:  make(map[string]bool),
	}
}

// Run watches and syncs until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	s.watchTree(w, s.cfg.Root)
	s.writeStatus()

	work := make(chan string)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.watchLoop(ctx, w) })
	g.Go(func() error { return s.scanLoop(ctx, w) })
	g.Go(func() error {
		defer close(work)
		return s.dispatch(ctx, work)
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for path := range work {
				s.syncOne(ctx, path)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchTree adds dir and every directory below it to w.
func (s *Service) watchTree(w *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are picked up by the periodic scan
		}
		s.mu.Lock()
		seen := s.watching[path]
		s.mu.Unlock()
		if seen {
			return nil
		}
		if err := w.Add(path); err != nil {
			s.log.WithError(err).WithField("dir", path).Warn("cannot watch directory")
			return nil
		}
		s.mu.Lock()
		s.watching[path] = true
		s.mu.Unlock()
		return nil
	})
}

func (s *Service) watchLoop(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("watcher error")
		}
	}
}

func (s *Service) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		s.mu.Lock()
		delete(s.watching, ev.Name)
		s.mu.Unlock()
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			s.watchTree(w, ev.Name)
			s.enqueueDir(ev.Name)
			return
		}
	}
	if (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) && strings.HasSuffix(ev.Name, ".jsonl") {
		s.enqueue(ev.Name)
	}
}

func (s *Service) enqueue(path string) {
	if s.queue.Enqueue(path, time.Now()) {
		return
	}
	s.mu.Lock()
	s.totals.Dropped++
	s.mu.Unlock()
	s.log.WithField("file", path).Debug("sync queue full, deferring to periodic sync")
}

// scanLoop syncs the whole root at startup and on every interval. The scan
// bypasses the queue, so files whose events were dropped are still covered.
func (s *Service) scanLoop(ctx context.Context, w *fsnotify.Watcher) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.fullSync(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Also catches a root that did not exist at startup.
			s.watchTree(w, s.cfg.Root)
		}
	}
}

func (s *Service) fullSync(ctx context.Context) {
	rep, err := s.cfg.Engine.Sync(ctx, s.cfg.Root)
	if errors.Is(err, context.Canceled) {
		return
	}
	s.finish(s.cfg.Root, rep, err)
}

// enqueueDir queues the log files of a directory created after startup;
// files written before its watch was added raise no events.
func (s *Service) enqueueDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			s.enqueue(path)
		}
		return nil
	})
}

// dispatch hands due paths to the workers.
func (s *Service) dispatch(ctx context.Context, work chan<- string) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, path := range s.queue.Ready(time.Now()) {
			select {
			case work <- path:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := time.Hour
		if next, ok := s.queue.NextDue(); ok {
			wait = max(time.Until(next), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.queue.Wake():
		case <-timer.C:
		}
	}
}

func (s *Service) syncOne(ctx context.Context, path string) {
	rep, err := s.cfg.Engine.SyncFile(ctx, s.cfg.Root, path)
	if errors.Is(err, pipeline.ErrNotLogFile) || errors.Is(err, context.Canceled) {
		return
	}
	s.finish(path, rep, err)
}

// finish records a sync of path unless it found nothing to do.
func (s *Service) finish(path string, rep model.SyncReport, err error) {
	run := Run{
		Path:     path,
		At:       time.Now(),
		Duration: rep.Duration,
		Inserted: rep.MessagesInserted,
		Skipped:  rep.LinesSkipped,
		Reset:    rep.FilesReset > 0,
	}
	switch {
	case err != nil:
		run.Err = err.Error()
	case len(rep.FilesErrored) > 0:
		run.Err = rep.FilesErrored[0].Err
	}
	if run.Err == "" && run.Inserted == 0 && run.Skipped == 0 && !run.Reset {
		return
	}

	s.recordRun(run)
	s.writeStatus()

	entry := s.log.WithFields(logrus.Fields{"file": path, "inserted": run.Inserted, "skipped": run.Skipped})
	if run.Err != "" {
		entry.WithField("reason", run.Err).Warn("sync failed")
	} else {
		entry.Debug("synced")
	}
}

func (s *Service) recordRun(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRunID++
	r.ID = s.nextRunID
	s.lastRunAt = r.At
	s.totals.Runs++
	s.totals.Inserted += int64(r.Inserted)
	s.totals.Skipped += int64(r.Skipped)
	if r.Err != "" {
		s.totals.Errors++
		s.lastError = r.Err
	}

	s.runs = append(s.runs, r)
	if len(s.runs) > s.cfg.RunBuffer {
		s.runs = s.runs[len(s.runs)-s.cfg.RunBuffer:]
	}
}

// Status returns the current status snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]Run, len(s.runs))
	copy(runs, s.runs)
	return Status{
		PID:         os.Getpid(),
		StartedAt:   s.startedAt,
		Root:        s.cfg.Root,
		IntervalSec: int(s.cfg.Interval.Seconds()),
		Watching:    len(s.watching),
		Pending:     s.queue.Len(),
		LastRunAt:   s.lastRunAt,
		LastError:   s.lastError,
		Totals:      s.totals,
		Recent:      runs,
	}
}

func (s *Service) writeStatus() {
	if s.cfg.StatePath == "" {
		return
	}
	if err := WriteStatus(s.cfg.StatePath, s.Status()); err != nil {
		s.log.WithError(err).Warn("writing daemon status")
	}
}

// WriteStatus replaces the status file at path.
func WriteStatus(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStatus loads a status file written by a running daemon.
func ReadStatus(path string) (Status, error) {
	var st Status
	data, err := os.ReadFile(path) //nolint:gosec // daemon state path is configured by the local user
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decoding %s: %w", path, err)
	}
	return st, nil
}
