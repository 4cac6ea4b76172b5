// Package attribution links commits to the sessions that produced them and
// detects later churn of the lines those commits introduced.
package attribution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoRepository is returned when a project directory is not a git work tree.
var ErrNoRepository = errors.New("not a git repository")

// Hunk is one changed region of a file, in unified diff coordinates.
// A zero line count means the side is empty (pure insertion or deletion),
// and its start is the line the change follows.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
}

// FileChange is one file's hunks within a commit.
type FileChange struct {
	OldPath string // empty when the file was added
	Path    string // empty when the file was deleted
	Hunks   []Hunk
}

// Commit is one commit with its zero-context diff against its first parent.
type Commit struct {
	Hash   string
	Time   time.Time
	Branch string // ref the commit was reached from, empty if unknown
	Files  []FileChange
}

// CommitLog supplies commits for a project. Implementations are read-only.
type CommitLog interface {
	Commits(ctx context.Context, since, until time.Time) ([]Commit, error)
}

// GitLog reads commits from a local git repository.
type GitLog struct {
	Dir string
}

// recordSep starts each commit header in the log output.
const recordSep = "\x1e"

// Commits runs git log over every ref. Zero bounds are open.
func (g GitLog) Commits(ctx context.Context, since, until time.Time) ([]Commit, error) {
	check := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	check.Dir = g.Dir
	if err := check.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", g.Dir, ErrNoRepository)
	}

	args := []string{
		"log", "--all", "--source", "-p", "--unified=0", "--no-color", "--no-renames",
		"--format=" + recordSep + "%H%x1f%ct%x1f%S",
	}
	// No --since: git stops walking a history at the first commit older than
	// it, so commits behind a skewed or rebased one would be lost.
	if !until.IsZero() {
		args = append(args, "--until="+until.UTC().Format(time.RFC3339))
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log in %s: %w: %s", g.Dir, err, strings.TrimSpace(stderr.String()))
	}
	commits, err := ParseLog(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	return inRange(commits, since, until), nil
}

// inRange keeps the commits whose commit time lies in [since, until].
// Zero bounds are open.
func inRange(commits []Commit, since, until time.Time) []Commit {
	out := commits[:0]
	for _, c := range commits {
		if !since.IsZero() && c.Time.Before(since) {
			continue
		}
		if !until.IsZero() && c.Time.After(until) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ParseLog parses the output of GitLog's git log invocation. Commits are
// returned oldest first.
func ParseLog(r io.Reader) ([]Commit, error) {
	var (
		commits []Commit
		cur     *Commit
		file    *FileChange
		header  bool // between "diff --git" and the first hunk
	)
	flush := func() {
		if cur == nil {
			return
		}
		commits = append(commits, *cur)
		cur, file = nil, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, recordSep):
			flush()
			c, err := parseHeader(strings.TrimPrefix(line, recordSep))
			if err != nil {
				return nil, err
			}
			cur = &c
		case cur == nil:
			continue
		case strings.HasPrefix(line, "diff --git "):
			cur.Files = append(cur.Files, FileChange{})
			file = &cur.Files[len(cur.Files)-1]
			header = true
		case file == nil:
			continue
		case header && strings.HasPrefix(line, "--- "):
			file.OldPath = diffPath(line[4:], "a/")
		case header && strings.HasPrefix(line, "+++ "):
			file.Path = diffPath(line[4:], "b/")
		case strings.HasPrefix(line, "@@ "):
			header = false
			h, ok := parseHunk(line)
			if ok {
				file.Hunks = append(file.Hunks, h)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading git log: %w", err)
	}
	flush()

	for i := range commits {
		commits[i].Files = dropEmpty(commits[i].Files)
	}
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].Time.Equal(commits[j].Time) {
			return commits[i].Time.Before(commits[j].Time)
		}
		return commits[i].Hash < commits[j].Hash
	})
	return commits, nil
}

func parseHeader(s string) (Commit, error) {
	parts := strings.SplitN(s, "\x1f", 3)
	if len(parts) < 2 {
		return Commit{}, fmt.Errorf("malformed commit header %q", s)
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Commit{}, fmt.Errorf("commit %s: bad timestamp %q", parts[0], parts[1])
	}
	c := Commit{Hash: parts[0], Time: time.Unix(secs, 0).UTC()}
	if len(parts) == 3 {
		c.Branch = branchName(parts[2])
	}
	return c, nil
}

// branchName reduces a --source ref to a branch name.
func branchName(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, p := range []string{"refs/heads/", "refs/remotes/"} {
		if strings.HasPrefix(ref, p) {
			ref = strings.TrimPrefix(ref, p)
			if p == "refs/remotes/" {
				if i := strings.IndexByte(ref, '/'); i >= 0 {
					ref = ref[i+1:]
				}
			}
			return ref
		}
	}
	if strings.HasPrefix(ref, "refs/") {
		return ""
	}
	return ref
}

func diffPath(s, prefix string) string {
	s = strings.TrimSuffix(s, "\t")
	if s == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(s, prefix)
}

// parseHunk parses "@@ -a[,b] +c[,d] @@ ...".
func parseHunk(line string) (Hunk, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") || !strings.HasPrefix(fields[2], "+") {
		return Hunk{}, false
	}
	oldStart, oldLines, ok1 := parseRange(fields[1][1:])
	newStart, newLines, ok2 := parseRange(fields[2][1:])
	if !ok1 || !ok2 {
		return Hunk{}, false
	}
	return Hunk{OldStart: oldStart, OldLines: oldLines, NewStart: newStart, NewLines: newLines}, true
}

func parseRange(s string) (start, count int, ok bool) {
	count = 1
	if i := strings.IndexByte(s, ','); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return 0, 0, false
		}
		count = n
		s = s[:i]
	}
	start, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return start, count, true
}

func dropEmpty(files []FileChange) []FileChange {
	out := files[:0]
	for _, f := range files {
		if len(f.Hunks) > 0 {
			out = append(out, f)
		}
	}
	return out
}
