// Package pipeline runs incremental ingestion of session logs into the store.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/cost"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/skipcache"
	"github.com/theirongolddev/tally/internal/source"
	"github.com/theirongolddev/tally/internal/store"
)

// ErrNotLogFile is returned by SyncFile for paths outside the log layout.
var ErrNotLogFile = errors.New("not a session log file")

// ErrRollupDrift is returned by Rebuild when incremental rollups disagree
// with a recompute from billed messages.
var ErrRollupDrift = errors.New("rollups diverge from recompute")

// ProgressFunc is called during a sync to report progress.
// current is the number of files processed so far, total is the total count.
type ProgressFunc func(current, total int)

// Config configures an Engine.
type Config struct {
	Store   *store.Store
	Pricing config.PricingTable

	Workers          int // parallel files; default GOMAXPROCS
	BatchSize        int // lines per write transaction; default 500
	ExcludeSubagents bool

	Logger   *logrus.Logger
	Progress ProgressFunc
}

// Engine syncs log files into the store. Distinct files are processed in
// parallel; lines within one file strictly in order.
type Engine struct {
	cfg Config
	log *logrus.Logger

	mu    sync.Mutex
	paths map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an engine, filling defaults for unset fields.
func NewEngine(cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Engine{cfg: cfg, log: log, paths: make(map[string]*pathLock)}
}

// lock serializes work on one path; it returns the unlock func.
func (e *Engine) lock(path string) func() {
	e.mu.Lock()
	pl, ok := e.paths[path]
	if !ok {
		pl = &pathLock{}
		e.paths[path] = pl
	}
	pl.refs++
	e.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		e.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(e.paths, path)
		}
		e.mu.Unlock()
	}
}

// Sync ingests everything new under root. Per-file failures are recorded in
// the report; the returned error is non-nil only for a failed scan or a
// canceled context.
func (e *Engine) Sync(ctx context.Context, root string) (model.SyncReport, error) {
	report := model.SyncReport{StartedAt: time.Now()}

	files, err := source.ScanDir(root)
	if err != nil {
		return report, fmt.Errorf("scanning %s: %w", root, err)
	}

	var todo []source.DiscoveredFile
	for _, f := range files {
		if e.cfg.ExcludeSubagents && f.IsSubagent {
			continue
		}
		todo = append(todo, f)
	}

	var (
		mu   sync.Mutex
		done int
		g    errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)

	for _, df := range todo {
		if ctx.Err() != nil {
			break
		}
		df := df
		g.Go(func() error {
			rep := e.syncFile(ctx, df)

			mu.Lock()
			defer mu.Unlock()
			report.Merge(rep)
			done++
			if e.cfg.Progress != nil {
				e.cfg.Progress(done, len(todo))
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(report.StartedAt)
	if err := ctx.Err(); err != nil {
		report.Canceled = true
		return report, err
	}

	e.log.WithFields(logrus.Fields{
		"files":     report.FilesScanned,
		"unchanged": report.FilesUnchanged,
		"inserted":  report.MessagesInserted,
		"skipped":   report.LinesSkipped,
		"errored":   len(report.FilesErrored),
	}).Debug("sync complete")
	return report, nil
}

// SyncFile ingests one file identified by path under root.
func (e *Engine) SyncFile(ctx context.Context, root, path string) (model.SyncReport, error) {
	df, ok := source.Classify(root, path)
	if !ok {
		return model.SyncReport{}, fmt.Errorf("%s: %w", path, ErrNotLogFile)
	}
	if e.cfg.ExcludeSubagents && df.IsSubagent {
		return model.SyncReport{}, nil
	}
	rep := e.syncFile(ctx, df)
	rep.StartedAt = time.Now().Add(-rep.Duration)
	if err := ctx.Err(); err != nil {
		rep.Canceled = true
		return rep, err
	}
	return rep, nil
}

// Rebuild drops all derived state, re-ingests from root and checks the
// resulting rollups against a recompute.
func (e *Engine) Rebuild(ctx context.Context, root string) (model.SyncReport, error) {
	if err := e.cfg.Store.ResetDerived(ctx); err != nil {
		return model.SyncReport{}, fmt.Errorf("resetting store: %w", err)
	}
	e.log.Info("derived state dropped, resyncing")
	rep, err := e.Sync(ctx, root)
	if err != nil {
		return rep, err
	}
	return rep, e.verifyRollups(ctx)
}

// verifyRollups recomputes the rollup table from billed messages and fails
// if any bucket differs from what incremental ingestion produced. The store
// keeps the recomputed buckets either way.
func (e *Engine) verifyRollups(ctx context.Context) error {
	incremental, err := e.cfg.Store.Rollups(ctx, store.RollupFilter{})
	if err != nil {
		return err
	}
	if err := e.cfg.Store.RecomputeRollups(ctx); err != nil {
		return fmt.Errorf("recomputing rollups: %w", err)
	}
	recomputed, err := e.cfg.Store.Rollups(ctx, store.RollupFilter{})
	if err != nil {
		return err
	}
	diff := diffRollups(incremental, recomputed)
	if len(diff) == 0 {
		return nil
	}
	e.log.WithField("buckets", diff).Warn("incremental rollups diverged from recompute")
	return fmt.Errorf("%w: %d buckets (first %s)", ErrRollupDrift, len(diff), diff[0])
}

// diffRollups returns the date/project/model keys whose buckets differ
// between a and b, including buckets present on one side only.
func diffRollups(a, b []model.CostRollup) []string {
	key := func(r model.CostRollup) string { return r.Date + "/" + r.Project + "/" + r.Model }
	byKey := make(map[string]model.CostRollup, len(b))
	for _, r := range b {
		byKey[key(r)] = r
	}
	var diff []string
	for _, r := range a {
		k := key(r)
		other, ok := byKey[k]
		delete(byKey, k)
		if !ok || other != r {
			diff = append(diff, k)
		}
	}
	for k := range byKey {
		diff = append(diff, k)
	}
	sort.Strings(diff)
	return diff
}

// fileSync is the state of one file's ingestion run.
type fileSync struct {
	e    *Engine
	df   source.DiscoveredFile
	f    *os.File
	info os.FileInfo
	log  *logrus.Entry

	pending []store.Record
	lines   int  // lines consumed since the last commit
	reset   bool // next commit may lower the stored offset
	rep     model.SyncReport
}

func (e *Engine) syncFile(ctx context.Context, df source.DiscoveredFile) model.SyncReport {
	start := time.Now()
	unlock := e.lock(df.Path)
	defer unlock()

	fs := &fileSync{e: e, df: df, log: e.log.WithField("file", df.Path)}
	fs.rep.FilesScanned = 1
	fs.run(ctx)
	fs.rep.Duration = time.Since(start)
	return fs.rep
}

func (fs *fileSync) fail(err error) {
	fs.log.WithError(err).Warn("file sync failed")
	fs.rep.FilesErrored = append(fs.rep.FilesErrored, model.FileError{Path: fs.df.Path, Err: err.Error()})
}

func (fs *fileSync) run(ctx context.Context) {
	f, err := os.Open(fs.df.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			fs.fail(err)
		}
		return
	}
	defer func() { _ = f.Close() }()
	fs.f = f

	info, err := f.Stat()
	if err != nil {
		fs.fail(err)
		return
	}
	fs.info = info

	prev, found, err := fs.e.cfg.Store.Ledger().Get(ctx, fs.df.Path)
	if err != nil {
		fs.fail(err)
		return
	}
	d, err := skipcache.Check(prev, found, info, f)
	if err != nil {
		fs.fail(err)
		return
	}

	switch d.Action {
	case skipcache.Skip:
		fs.rep.FilesUnchanged = 1
		return
	case skipcache.Reset:
		fs.reset = true
		if found {
			fs.rep.FilesReset = 1
			fs.log.WithField("offset", prev.Offset).Info("file prefix changed, rereading from start")
		}
	}

	fs.read(ctx, d.Offset)
}

// read consumes complete lines in [offset, size). A trailing line without
// a newline is left for the next run.
func (fs *fileSync) read(ctx context.Context, offset int64) {
	size := fs.info.Size()
	r := bufio.NewReaderSize(io.NewSectionReader(fs.f, offset, size-offset), 256*1024)
	pos := offset
	complete := true

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lineOffset := pos
			pos += int64(len(line))
			fs.consume(bytes.TrimRight(line, "\r\n"), lineOffset)

			if fs.lines >= fs.e.cfg.BatchSize {
				if !fs.commit(ctx, pos, false) || ctx.Err() != nil {
					fs.rep.BytesRead = pos - offset
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// Unreadable mid-read: end of stream at the last full line.
				fs.log.WithError(err).WithField("offset", pos).Warn("read stopped early")
				complete = false
			}
			break
		}
	}

	fs.rep.BytesRead = pos - offset
	fs.commit(ctx, pos, complete)
}

func (fs *fileSync) consume(line []byte, offset int64) {
	fs.lines++
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	p, err := source.Parse(line, fs.df.Context(offset))
	switch {
	case errors.Is(err, source.ErrIgnoredKind):
		fs.rep.LinesIgnored++
		return
	case err != nil:
		fs.log.WithFields(logrus.Fields{"offset": offset, "reason": err.Error()}).Debug("line skipped")
		fs.rep.AddSkip(model.LineSkip{Path: fs.df.Path, Offset: offset, Reason: err.Error()})
		return
	}

	cost.Apply(&p.Message, fs.e.cfg.Pricing)
	fs.pending = append(fs.pending, store.Record{
		Session: model.Session{
			ID:          p.Session.ID,
			Project:     p.Session.Project,
			ProjectName: p.Session.ProjectName,
			Cwd:         p.Session.Cwd,
			Branch:      p.Session.Branch,
		},
		Message:   p.Message,
		ToolCalls: p.ToolCalls,
	})
	fs.rep.LinesIngested++
}

// commit writes pending records and the progress entry for pos in one
// transaction. final marks the commit that covers the file as observed,
// which lets the next run skip it while size and mtime hold.
func (fs *fileSync) commit(ctx context.Context, pos int64, final bool) bool {
	if ctx.Err() != nil {
		return false
	}
	fp, err := skipcache.Fingerprint(fs.f, pos)
	if err != nil {
		fs.fail(err)
		return false
	}

	entry := skipcache.Entry{
		Path:        fs.df.Path,
		Offset:      pos,
		Fingerprint: fp,
		Size:        -1,
		LastSynced:  time.Now(),
	}
	if final {
		entry.Size = fs.info.Size()
		entry.MtimeNs = fs.info.ModTime().UnixNano()
	}

	res, err := fs.e.cfg.Store.ApplyBatch(ctx, store.Batch{
		Records:       fs.pending,
		Progress:      &entry,
		ResetProgress: fs.reset,
	})
	if err != nil {
		fs.fail(fmt.Errorf("writing batch at offset %d: %w", pos, err))
		return false
	}

	fs.rep.MessagesInserted += res.Inserted
	fs.pending = fs.pending[:0]
	fs.lines = 0
	fs.reset = false
	return true
}
