package attribution

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/store"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func session(id, branch string, start, end time.Time, tokens int64) model.Session {
	return model.Session{
		ID: id, Project: "proj", ProjectName: "proj", Branch: branch,
		FirstSeen: start, LastSeen: end,
		Tokens: model.TokenCounts{Output: tokens},
	}
}

func commit(hash, branch string, ts time.Time, files ...FileChange) Commit {
	return Commit{Hash: hash, Branch: branch, Time: ts, Files: files}
}

func TestAttribute_WindowBoundary(t *testing.T) {
	t1 := t0.Add(time.Hour)
	sessions := []model.Session{session("s1", "main", t0, t1, 10)}
	commits := []Commit{
		commit("inside", "main", t0.Add(30*time.Minute)),
		commit("at-end", "main", t1),
		commit("after", "main", t1.Add(time.Second)),
		commit("other-branch", "feature", t0.Add(10*time.Minute)),
	}

	links := Attribute("proj", sessions, commits)
	require.Len(t, links, 2)
	assert.Equal(t, "inside", links[0].CommitHash)
	assert.Equal(t, "s1", links[0].SessionID)
	assert.Equal(t, BasisWindowBranch, links[0].Basis)
	assert.Zero(t, links[0].DistanceSecs)
	assert.Equal(t, "at-end", links[1].CommitHash)
	assert.Equal(t, int64(1800), links[1].DistanceSecs)
}

func TestAttribute_UnknownBranchIsNotAFilter(t *testing.T) {
	sessions := []model.Session{session("s1", "", t0, t0.Add(time.Hour), 10)}
	links := Attribute("proj", sessions, []Commit{commit("c1", "feature", t0.Add(time.Minute))})
	require.Len(t, links, 1)
	assert.Equal(t, BasisWindow, links[0].Basis)

	sessions = []model.Session{session("s1", "main", t0, t0.Add(time.Hour), 10)}
	links = Attribute("proj", sessions, []Commit{commit("c1", "", t0.Add(time.Minute))})
	require.Len(t, links, 1)
	assert.Equal(t, BasisWindow, links[0].Basis)
}

func TestAttribute_TieBreaks(t *testing.T) {
	ct := t0.Add(time.Hour)

	// Nearest midpoint wins: s-near's midpoint is the commit time.
	sessions := []model.Session{
		session("s-far", "main", t0, t0.Add(4*time.Hour), 1000),
		session("s-near", "main", t0.Add(30*time.Minute), t0.Add(90*time.Minute), 1),
	}
	links := Attribute("proj", sessions, []Commit{commit("c", "main", ct)})
	require.Len(t, links, 1)
	assert.Equal(t, "s-near", links[0].SessionID)

	// Equal distance: more tokens wins.
	sessions = []model.Session{
		session("s-a", "main", t0, t0.Add(2*time.Hour), 5),
		session("s-b", "main", t0, t0.Add(2*time.Hour), 50),
	}
	links = Attribute("proj", sessions, []Commit{commit("c", "main", ct)})
	require.Len(t, links, 1)
	assert.Equal(t, "s-b", links[0].SessionID)

	// Equal distance and tokens: lowest id wins regardless of input order.
	sessions = []model.Session{
		session("s-z", "main", t0, t0.Add(2*time.Hour), 5),
		session("s-m", "main", t0, t0.Add(2*time.Hour), 5),
	}
	links = Attribute("proj", sessions, []Commit{commit("c", "main", ct)})
	require.Len(t, links, 1)
	assert.Equal(t, "s-m", links[0].SessionID)
}

func TestAttribute_Deterministic(t *testing.T) {
	sessions := []model.Session{
		session("s1", "main", t0, t0.Add(2*time.Hour), 5),
		session("s2", "main", t0.Add(time.Hour), t0.Add(3*time.Hour), 5),
		session("s3", "", t0.Add(30*time.Minute), t0.Add(5*time.Hour), 9),
	}
	var commits []Commit
	for i := 0; i < 12; i++ {
		commits = append(commits, commit(string(rune('a'+i)), "main", t0.Add(time.Duration(i)*25*time.Minute)))
	}

	first := Attribute("proj", sessions, commits)
	reversed := append([]model.Session(nil), sessions...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Attribute("proj", sessions, commits))
		assert.Equal(t, first, Attribute("proj", reversed, commits))
	}
}

func TestDetectChurn_LookbackBoundary(t *testing.T) {
	lookback := 90 * 24 * time.Hour
	orig := commit("orig", "main", t0, FileChange{Path: "a.go", Hunks: []Hunk{{OldStart: 0, OldLines: 0, NewStart: 10, NewLines: 5}}})
	edit := func(hash string, ts time.Time, path string, start, n int) Commit {
		return commit(hash, "main", ts, FileChange{OldPath: path, Path: path, Hunks: []Hunk{{OldStart: start, OldLines: n, NewStart: start, NewLines: n}}})
	}
	commits := []Commit{
		orig,
		edit("overlap", t0.Add(24*time.Hour), "a.go", 12, 2),
		edit("disjoint", t0.Add(48*time.Hour), "a.go", 20, 3),
		edit("other-file", t0.Add(48*time.Hour), "b.go", 10, 5),
		edit("boundary", t0.Add(lookback), "a.go", 14, 1),
		edit("beyond", t0.Add(lookback+24*time.Hour), "a.go", 10, 1),
	}
	links := []model.AttributionLink{{CommitHash: "orig", Project: "proj", SessionID: "s1"}}

	churn := DetectChurn(links, commits, lookback)
	require.Len(t, churn, 2)
	assert.Equal(t, "overlap", churn[0].ChurnCommit)
	assert.Equal(t, 10, churn[0].OriginalStart)
	assert.Equal(t, 14, churn[0].OriginalEnd)
	assert.Equal(t, 12, churn[0].ChurnStart)
	assert.Equal(t, 13, churn[0].ChurnEnd)
	assert.Equal(t, "s1", churn[0].SessionID)
	assert.Equal(t, "boundary", churn[1].ChurnCommit)
}

func TestDetectChurn_InsertionAndDeletion(t *testing.T) {
	orig := commit("orig", "main", t0, FileChange{Path: "a.go", Hunks: []Hunk{
		{OldStart: 3, OldLines: 2, NewStart: 2, NewLines: 0}, // pure deletion introduces nothing
		{OldStart: 9, OldLines: 0, NewStart: 8, NewLines: 3},
	}})
	insert := commit("insert", "main", t0.Add(time.Hour), FileChange{OldPath: "a.go", Path: "a.go", Hunks: []Hunk{
		{OldStart: 9, OldLines: 0, NewStart: 10, NewLines: 4},
	}})
	links := []model.AttributionLink{{CommitHash: "orig", Project: "proj", SessionID: "s1"}}

	churn := DetectChurn(links, []Commit{orig, insert}, 24*time.Hour)
	require.Len(t, churn, 1)
	assert.Equal(t, 9, churn[0].ChurnStart)
	assert.Equal(t, 9, churn[0].ChurnEnd)
}

const sampleLog = "\x1eaaa111\x1f1748772000\x1frefs/heads/main\n" +
	"\n" +
	"diff --git a/internal/x.go b/internal/x.go\n" +
	"index 111..222 100644\n" +
	"--- a/internal/x.go\n" +
	"+++ b/internal/x.go\n" +
	"@@ -10,2 +10,3 @@ func x() {\n" +
	"-old\n" +
	"--- a line that looks like a header\n" +
	"+new\n" +
	"+new\n" +
	"+new\n" +
	"@@ -40 +41,0 @@\n" +
	"-gone\n" +
	"diff --git a/new.go b/new.go\n" +
	"new file mode 100644\n" +
	"--- /dev/null\n" +
	"+++ b/new.go\n" +
	"@@ -0,0 +1,4 @@\n" +
	"+package x\n" +
	"+\n" +
	"+func y() {}\n" +
	"+\n" +
	"diff --git a/img.png b/img.png\n" +
	"Binary files differ\n" +
	"\x1ebbb000\x1f1748768400\x1frefs/remotes/origin/feature/login\n" +
	"\n" +
	"diff --git a/old.go b/old.go\n" +
	"deleted file mode 100644\n" +
	"--- a/old.go\n" +
	"+++ /dev/null\n" +
	"@@ -1,2 +0,0 @@\n" +
	"-a\n" +
	"-b\n"

func TestParseLog(t *testing.T) {
	commits, err := ParseLog(strings.NewReader(sampleLog))
	require.NoError(t, err)
	require.Len(t, commits, 2)

	// Oldest first.
	first, second := commits[0], commits[1]
	assert.Equal(t, "bbb000", first.Hash)
	assert.Equal(t, "feature/login", first.Branch)
	require.Len(t, first.Files, 1)
	assert.Equal(t, FileChange{OldPath: "old.go", Path: "", Hunks: []Hunk{{OldStart: 1, OldLines: 2, NewStart: 0, NewLines: 0}}}, first.Files[0])

	assert.Equal(t, "aaa111", second.Hash)
	assert.Equal(t, "main", second.Branch)
	assert.Equal(t, time.Unix(1748772000, 0).UTC(), second.Time)
	require.Len(t, second.Files, 2, "binary file without hunks is dropped")
	assert.Equal(t, "internal/x.go", second.Files[0].OldPath)
	assert.Equal(t, "internal/x.go", second.Files[0].Path)
	assert.Equal(t, []Hunk{
		{OldStart: 10, OldLines: 2, NewStart: 10, NewLines: 3},
		{OldStart: 40, OldLines: 1, NewStart: 41, NewLines: 0},
	}, second.Files[0].Hunks)
	assert.Equal(t, FileChange{Path: "new.go", Hunks: []Hunk{{OldStart: 0, OldLines: 0, NewStart: 1, NewLines: 4}}}, second.Files[1])
}

func TestInRange_FiltersOnCommitTimeNotLogOrder(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 6, 1, h, 0, 0, 0, time.UTC) }
	// A rebased commit sits between newer ones in log order.
	log := "\x1ec3\x1f" + strconv.FormatInt(at(12).Unix(), 10) + "\x1fmain\n" +
		"\x1ec2\x1f" + strconv.FormatInt(at(2).Unix(), 10) + "\x1fmain\n" +
		"\x1ec1\x1f" + strconv.FormatInt(at(11).Unix(), 10) + "\x1fmain\n"
	commits, err := ParseLog(strings.NewReader(log))
	require.NoError(t, err)
	require.Len(t, commits, 3)

	hashes := func(cs []Commit) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Hash)
		}
		return out
	}
	assert.Equal(t, []string{"c1", "c3"}, hashes(inRange(commits, at(10), time.Time{})))
	assert.Equal(t, []string{"c1"}, hashes(inRange(commits, at(10), at(11))))
	assert.Len(t, inRange(commits, time.Time{}, time.Time{}), 3)
}

func TestParseLog_BadHeader(t *testing.T) {
	_, err := ParseLog(strings.NewReader("\x1eabc\x1fnot-a-time\x1fmain\n"))
	assert.Error(t, err)
}

type fakeLog struct {
	commits []Commit
	fails   int
	calls   int
}

func (f *fakeLog) Commits(context.Context, time.Time, time.Time) ([]Commit, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("git unavailable")
	}
	return f.commits, nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tally.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store, id, branch string, start, end time.Time) {
	t.Helper()
	sess := model.Session{ID: id, Project: "proj", ProjectName: "proj", Branch: branch, Cwd: "/work/proj"}
	_, err := s.ApplyBatch(context.Background(), store.Batch{Records: []store.Record{
		{Session: sess, Message: model.Message{ID: id + "-1", SessionID: id, Role: model.RoleUser, Timestamp: start}},
		{Session: sess, Message: model.Message{ID: id + "-2", SessionID: id, Role: model.RoleUser, Timestamp: end}},
	}})
	require.NoError(t, err)
}

func TestEngine_Run(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s, "s1", "main", t0, t0.Add(time.Hour))

	log := &fakeLog{fails: 1, commits: []Commit{
		commit("c1", "main", t0.Add(10*time.Minute), FileChange{Path: "a.go", Hunks: []Hunk{{NewStart: 1, NewLines: 10}}}),
		commit("c2", "main", t0.Add(48*time.Hour), FileChange{OldPath: "a.go", Path: "a.go", Hunks: []Hunk{{OldStart: 5, OldLines: 1, NewStart: 5, NewLines: 1}}}),
	}}
	e := &Engine{Store: s, Lookback: 90 * 24 * time.Hour, Backoff: time.Millisecond}

	res, err := e.Run(ctx, "proj", log)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, 2, log.calls, "one retry after the first failure")
	assert.Equal(t, 1, res.Links)
	assert.Equal(t, 1, res.Churn)

	links, err := s.Links(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "s1", links[0].SessionID)

	churn, err := s.Churn(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, churn, 1)
	assert.Equal(t, "c2", churn[0].ChurnCommit)

	// Rerunning replaces rather than appends.
	_, err = e.Run(ctx, "proj", &fakeLog{commits: log.commits})
	require.NoError(t, err)
	links, err = s.Links(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestEngine_DegradedKeepsPreviousLinks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s, "s1", "main", t0, t0.Add(time.Hour))
	e := &Engine{Store: s, Lookback: time.Hour, Backoff: time.Millisecond}

	_, err := e.Run(ctx, "proj", &fakeLog{commits: []Commit{commit("c1", "main", t0.Add(time.Minute))}})
	require.NoError(t, err)

	broken := &fakeLog{fails: 10}
	res, err := e.Run(ctx, "proj", broken)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Error(t, res.Err)
	assert.Equal(t, 2, broken.calls)

	links, err := s.Links(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestEngine_RunAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	seed(t, s, "s1", "main", t0, t0.Add(time.Hour))

	var dirs []string
	e := &Engine{Store: s, Lookback: time.Hour}
	results, err := e.RunAll(ctx, func(dir string) CommitLog {
		dirs = append(dirs, dir)
		return &fakeLog{commits: []Commit{commit("c1", "main", t0.Add(time.Minute))}}
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"/work/proj"}, dirs)
	assert.Equal(t, 1, results[0].Links)
}

func TestGitLog_NotARepository(t *testing.T) {
	_, err := GitLog{Dir: t.TempDir()}.Commits(context.Background(), time.Time{}, time.Time{})
	require.ErrorIs(t, err, ErrNoRepository)
}
