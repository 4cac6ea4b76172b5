package attribution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/retry"
	"github.com/theirongolddev/tally/internal/store"
)

// Engine recomputes attribution links and churn for projects.
type Engine struct {
	Store    *store.Store
	Logger   *logrus.Logger
	Lookback time.Duration // churn horizon
	Backoff  time.Duration // wait before retrying the commit log
}

// Result describes one project's run. Degraded is set when the commit log
// could not be read; the project's previous links are left untouched.
type Result struct {
	Project  string
	Sessions int
	Commits  int
	Links    int
	Churn    int
	Degraded bool
	Err      error
}

// LogOpener returns the commit log for a project's working directory.
type LogOpener func(dir string) CommitLog

func (e *Engine) logger() *logrus.Logger {
	if e.Logger == nil {
		return logrus.New()
	}
	return e.Logger
}

// Run attributes project's commits to its sessions and replaces the stored
// links and churn records. Only store failures are returned as errors.
func (e *Engine) Run(ctx context.Context, project string, log CommitLog) (Result, error) {
	res := Result{Project: project}
	entry := e.logger().WithField("project", project)

	sessions, err := e.Store.ListSessions(ctx, model.SessionFilter{Project: project})
	if err != nil {
		return res, fmt.Errorf("loading sessions for %s: %w", project, err)
	}
	res.Sessions = len(sessions)
	if len(sessions) == 0 {
		return res, nil
	}

	since, until := span(sessions)
	if !until.IsZero() {
		until = until.Add(e.Lookback)
	}
	var commits []Commit
	err = retry.Once(ctx, e.Backoff, func(ctx context.Context) error {
		var err error
		commits, err = log.Commits(ctx, since, until)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Degraded, res.Err = true, err
		entry.WithError(err).Warn("commit log unavailable, attribution skipped")
		return res, nil
	}
	res.Commits = len(commits)

	links := Attribute(project, sessions, commits)
	churn := DetectChurn(links, commits, e.Lookback)
	res.Links, res.Churn = len(links), len(churn)

	if err := e.Store.ReplaceAttribution(ctx, project, links); err != nil {
		return res, fmt.Errorf("saving attribution for %s: %w", project, err)
	}
	if err := e.Store.ReplaceChurn(ctx, project, churn); err != nil {
		return res, fmt.Errorf("saving churn for %s: %w", project, err)
	}

	entry.WithFields(logrus.Fields{
		"commits": res.Commits,
		"links":   res.Links,
		"churn":   res.Churn,
	}).Debug("attribution complete")
	return res, nil
}

// RunAll runs every known project, opening each one's commit log at the
// working directory its sessions were recorded in. A failing project is
// reported in its Result and does not stop the others.
func (e *Engine) RunAll(ctx context.Context, open LogOpener) ([]Result, error) {
	projects, err := e.Store.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	var results []Result
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		sessions, err := e.Store.ListSessions(ctx, model.SessionFilter{Project: p})
		if err != nil {
			return results, err
		}
		dir := WorkDir(sessions)
		if dir == "" {
			results = append(results, Result{Project: p, Sessions: len(sessions), Degraded: true,
				Err: fmt.Errorf("%s: no working directory recorded: %w", p, ErrNoRepository)})
			continue
		}
		res, err := e.Run(ctx, p, open(dir))
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// WorkDir returns the working directory most sessions ran in, preferring
// the lexically smallest on ties.
func WorkDir(sessions []model.Session) string {
	counts := make(map[string]int)
	for _, s := range sessions {
		if s.Cwd != "" {
			counts[s.Cwd]++
		}
	}
	dirs := make([]string, 0, len(counts))
	for d := range counts {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if counts[dirs[i]] != counts[dirs[j]] {
			return counts[dirs[i]] > counts[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})
	if len(dirs) == 0 {
		return ""
	}
	return dirs[0]
}

// span returns the earliest start and latest end over sessions with a
// recorded window.
func span(sessions []model.Session) (since, until time.Time) {
	for _, s := range sessions {
		if s.FirstSeen.IsZero() {
			continue
		}
		if since.IsZero() || s.FirstSeen.Before(since) {
			since = s.FirstSeen
		}
		if s.LastSeen.After(until) {
			until = s.LastSeen
		}
	}
	return since, until
}
