package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tally/internal/cost"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/skipcache"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func rec(id, session string, ts time.Time, opts ...func(*Record)) Record {
	r := Record{
		Session: model.Session{ID: session, Project: "proj", ProjectName: "proj", Branch: "main"},
		Message: model.Message{ID: id, SessionID: session, Role: model.RoleUser, Timestamp: ts, Content: "msg " + id},
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

func billed(modelName, requestID string, tokens model.TokenCounts, amount model.Money) func(*Record) {
	return func(r *Record) {
		r.Message.Role = model.RoleAssistant
		r.Message.Model = modelName
		r.Message.RequestID = requestID
		r.Message.Tokens = tokens
		r.Message.Cost = amount
		r.Message.CostStatus = model.CostPriced
	}
}

func count(t *testing.T, s *Store, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(q, args...).Scan(&n))
	return n
}

func TestApplyBatch_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	b := Batch{Records: []Record{
		rec("u1", "s1", t0),
		rec("a1", "s1", t0.Add(time.Second), billed("m", "r1", model.TokenCounts{Input: 10, Output: 5}, 100)),
		rec("a2", "s1", t0.Add(2*time.Second), billed("m", "r2", model.TokenCounts{Input: 20}, 200)),
	}}

	res, err := s.ApplyBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	first, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	rollups, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)

	res, err = s.ApplyBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Duplicates)

	second, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 3, second.MessageCount)
	assert.Equal(t, model.Money(300), second.Cost)
	assert.Equal(t, model.TokenCounts{Input: 30, Output: 5}, second.Tokens)
	assert.True(t, second.FirstSeen.Equal(t0))
	assert.True(t, second.LastSeen.Equal(t0.Add(2*time.Second)))

	again, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)
	assert.Equal(t, rollups, again)
	assert.Equal(t, 3, count(t, s, "SELECT COUNT(*) FROM messages"))
}

func TestApplyBatch_OrdinalsFollowIngestionOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	// Timestamps run backwards; ordinals must not.
	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("c", "s1", t0.Add(2*time.Second)),
		rec("b", "s1", t0.Add(time.Second)),
	}})
	require.NoError(t, err)
	_, err = s.ApplyBatch(ctx, Batch{Records: []Record{rec("a", "s1", t0)}})
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"c", "b", "a"} {
		assert.Equal(t, want, msgs[i].ID)
		assert.Equal(t, int64(i+1), msgs[i].Ordinal)
	}
}

func TestApplyBatch_ParentLinks(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("p", "s1", t0),
		rec("child", "s1", t0, func(r *Record) { r.Message.ParentID = "p" }),
		rec("orphan", "s1", t0, func(r *Record) { r.Message.ParentID = "missing" }),
		rec("cross", "s2", t0, func(r *Record) { r.Message.ParentID = "p" }),
	}})
	require.NoError(t, err)

	byID := func(session string) map[string]model.Message {
		msgs, err := s.Messages(ctx, session)
		require.NoError(t, err)
		out := make(map[string]model.Message)
		for _, m := range msgs {
			out[m.ID] = m
		}
		return out
	}
	s1 := byID("s1")
	assert.True(t, s1["child"].ParentResolved)
	assert.False(t, s1["orphan"].ParentResolved)
	assert.Equal(t, "missing", s1["orphan"].ParentID)
	assert.False(t, byID("s2")["cross"].ParentResolved, "parent in another session stays unresolved")
}

func TestApplyBatch_SupersededUsage(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("a1", "s1", t0, billed("m", "req", model.TokenCounts{Input: 10, Output: 1}, 11)),
		rec("a2", "s1", t0.Add(time.Second), billed("m", "req", model.TokenCounts{Input: 10, Output: 40}, 50)),
	}})
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, model.Money(50), sess.Cost, "latest chunk carries the usage")
	assert.Equal(t, model.TokenCounts{Input: 10, Output: 40}, sess.Tokens)

	rollups, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, 1, rollups[0].Messages)
	assert.Equal(t, model.Money(50), rollups[0].Cost)

	totals, err := s.MessageCostTotals(ctx)
	require.NoError(t, err)
	assert.Empty(t, cost.Reconcile(rollups, totals))
}

func TestRecomputeRollups_MatchesIncremental(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	unpriced := func(r *Record) {
		r.Message.Role = model.RoleAssistant
		r.Message.Model = "mystery"
		r.Message.Tokens = model.TokenCounts{Output: 9}
		r.Message.CostStatus = model.CostUnpriced
	}
	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("a1", "s1", t0, billed("m", "r1", model.TokenCounts{Input: 1}, 3)),
		rec("a2", "s1", t0.Add(24*time.Hour), billed("m", "r2", model.TokenCounts{Input: 2}, 6)),
		rec("a3", "s2", t0, billed("n", "r3", model.TokenCounts{Output: 7}, 70)),
		rec("a4", "s2", t0, unpriced),
		rec("a5", "s3", time.Time{}, billed("m", "r5", model.TokenCounts{Input: 4}, 12)),
	}})
	require.NoError(t, err)

	incremental, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)

	require.NoError(t, s.RecomputeRollups(ctx))
	recomputed, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)
	assert.Equal(t, incremental, recomputed)

	totals, err := s.MessageCostTotals(ctx)
	require.NoError(t, err)
	assert.Empty(t, cost.Reconcile(recomputed, totals))

	var unpricedCount int
	for _, r := range recomputed {
		unpricedCount += r.Unpriced
	}
	assert.Equal(t, 1, unpricedCount)

	proj, err := s.Rollups(ctx, RollupFilter{Project: "proj", Since: "2025-06-02"})
	require.NoError(t, err)
	require.Len(t, proj, 1)
	assert.Equal(t, model.Money(6), proj[0].Cost)
}

func TestReadsSeeCommittedStateDuringWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("m1", "s1", t0, func(r *Record) { r.Message.Content = "first committed line" }),
	}})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	wrote := make(chan error, 1)
	go func() {
		wrote <- s.write(ctx, func(tx *sql.Tx) error {
			r := rec("m2", "s1", t0.Add(time.Second), func(r *Record) { r.Message.Content = "second pending line" })
			if _, err := applyRecord(ctx, tx, r); err != nil {
				return err
			}
			close(entered)
			<-release
			return nil
		})
	}()
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("write transaction did not start")
	}

	type snapshot struct {
		sess    model.Session
		first   []model.SearchHit
		pending []model.SearchHit
		err     error
	}
	read := make(chan snapshot, 1)
	go func() {
		var snap snapshot
		if snap.sess, snap.err = s.GetSession(ctx, "s1"); snap.err == nil {
			if snap.first, snap.err = s.Search(ctx, "first", 0, 10); snap.err == nil {
				snap.pending, snap.err = s.Search(ctx, "pending", 0, 10)
			}
		}
		read <- snap
	}()

	select {
	case snap := <-read:
		require.NoError(t, snap.err)
		assert.Equal(t, 1, snap.sess.MessageCount)
		assert.Len(t, snap.first, 1)
		assert.Empty(t, snap.pending)
	case <-time.After(2 * time.Second):
		t.Fatal("reads blocked behind an open write")
	}

	close(release)
	require.NoError(t, <-wrote)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)
	hits, err := s.Search(ctx, "pending", 0, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSupersede_AcrossMidnightLeavesNoEmptyBucket(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	late := time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC)
	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("c1", "s1", late, billed("m", "r1", model.TokenCounts{Output: 5}, 50)),
		rec("c2", "s1", late.Add(2*time.Second), billed("m", "r1", model.TokenCounts{Output: 8}, 80)),
	}})
	require.NoError(t, err)

	incremental, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)
	require.Len(t, incremental, 1)
	assert.Equal(t, "2025-06-02", incremental[0].Date)
	assert.Equal(t, model.Money(80), incremental[0].Cost)
	assert.Equal(t, 0, count(t, s, "SELECT COUNT(*) FROM cost_rollups WHERE messages = 0"))

	require.NoError(t, s.RecomputeRollups(ctx))
	recomputed, err := s.Rollups(ctx, RollupFilter{})
	require.NoError(t, err)
	assert.Equal(t, incremental, recomputed)
}

func TestSearch_IndexConsistentWithBase(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("m1", "s1", t0, func(r *Record) { r.Message.Content = "set up the sqlite migration" }),
		rec("m2", "s1", t0, func(r *Record) { r.Message.Content = "unrelated" }),
		rec("m3", "s1", t0, func(r *Record) { r.Message.Content = "the migration failed" }),
		rec("m4", "s1", t0, func(r *Record) { r.Message.Content = "数据库迁移完成" }),
	}})
	require.NoError(t, err)

	hits, err := s.Search(ctx, "migration", 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Contains(t, h.Snippet, ">>>migration<<<")
		assert.Equal(t, "proj", h.Project)
		assert.NotEmpty(t, h.Context)
	}

	hits, err = s.Search(ctx, "sqlite migration", 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Message.ID)
	require.Len(t, hits[0].Context, 1)

	hits, err = s.Search(ctx, "unrelated", 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	ids := []string{}
	for _, m := range hits[0].Context {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)

	hits, err = s.Search(ctx, "迁移", 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m4", hits[0].Message.ID)

	_, err = s.db.Exec("INSERT INTO messages_fts(messages_fts) VALUES('integrity-check')")
	require.NoError(t, err)

	require.NoError(t, s.ResetDerived(ctx))
	_, err = s.db.Exec("INSERT INTO messages_fts(messages_fts) VALUES('integrity-check')")
	require.NoError(t, err)
	hits, err = s.Search(ctx, "migration", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_CJKWildcardsMatchLiterally(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("m1", "s1", t0, func(r *Record) { r.Message.Content = "迁移进度 100% 完成" }),
		rec("m2", "s1", t0, func(r *Record) { r.Message.Content = "迁移进度 1000 完成" }),
		rec("m3", "s1", t0, func(r *Record) { r.Message.Content = "数据库迁移完成" }),
		rec("m4", "s1", t0, func(r *Record) { r.Message.Content = `路径 C:\数据` }),
	}})
	require.NoError(t, err)

	hits, err := s.Search(ctx, "100% 完成", 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Message.ID)

	hits, err = s.Search(ctx, "%完成", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, "迁_完成", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, `C:\数据`, 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m4", hits[0].Message.ID)
}

func TestToolCalls_PairingAndCascade(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	use := rec("a1", "s1", t0, func(r *Record) {
		r.ToolCalls = []model.ToolCall{{
			ID: "tu1", MessageID: "a1", SessionID: "s1", Phase: model.PhaseInvocation,
			Name: "Edit", Category: "edit", Files: []string{"/a.go"}, Timestamp: t0,
		}}
	})
	result := rec("u2", "s1", t0.Add(1500*time.Millisecond), func(r *Record) {
		r.ToolCalls = []model.ToolCall{{
			ID: "tu1#result", MessageID: "u2", SessionID: "s1", Phase: model.PhaseResult,
			Timestamp: t0.Add(1500 * time.Millisecond),
		}}
	})
	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{use, result}})
	require.NoError(t, err)

	calls, err := s.ToolCalls(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1500), calls[0].DurationMs)
	assert.Equal(t, []string{"/a.go"}, calls[0].Files)

	results, err := s.ToolCalls(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Edit", results[0].Name)
	assert.Equal(t, "edit", results[0].Category)

	require.NoError(t, s.ResetDerived(ctx))
	assert.Zero(t, count(t, s, "SELECT COUNT(*) FROM tool_calls"))
}

func TestApplyBatch_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{
		Records:  []Record{rec("m1", "s1", t0)},
		Progress: &skipcache.Entry{Path: "/f", Offset: 100, Fingerprint: "x"},
	})
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, Batch{
		Records:  []Record{rec("m2", "s1", t0)},
		Progress: &skipcache.Entry{Path: "/f", Offset: 50, Fingerprint: "y"},
	})
	require.ErrorIs(t, err, skipcache.ErrRegression)

	assert.Equal(t, 1, count(t, s, "SELECT COUNT(*) FROM messages"))
	e, found, err := s.Ledger().Get(ctx, "/f")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), e.Offset)
}

func TestListSessions_Filter(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{
		rec("m1", "early", t0),
		rec("m2", "late", t0.Add(48*time.Hour)),
		rec("m3", "other", t0, func(r *Record) {
			r.Session.Project = "elsewhere"
			r.Session.ProjectName = "elsewhere"
			r.Session.Branch = "dev"
		}),
	}})
	require.NoError(t, err)

	all, err := s.ListSessions(ctx, model.SessionFilter{Project: "proj"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "late", all[0].ID)

	recent, err := s.ListSessions(ctx, model.SessionFilter{Since: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "late", recent[0].ID)

	dev, err := s.ListSessions(ctx, model.SessionFilter{Branch: "dev"})
	require.NoError(t, err)
	require.Len(t, dev, 1)

	_, err = s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	projects, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"elsewhere", "proj"}, projects)
}

func TestHealthSnapshots(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	snap := func(id string, ts time.Time, v float64) model.HealthSnapshot {
		return model.HealthSnapshot{ID: id, Project: "p", Timestamp: ts, Metrics: map[string]float64{"complexity": v}}
	}
	require.NoError(t, s.InsertHealthSnapshot(ctx, snap("b", t0.Add(time.Hour), 2)))
	require.NoError(t, s.InsertHealthSnapshot(ctx, snap("a", t0, 1)))

	err := s.InsertHealthSnapshot(ctx, snap("c", t0, 99))
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.HealthSnapshots(ctx, "p", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 1.0, got[0].Metrics["complexity"], "duplicate did not overwrite")

	require.NoError(t, s.ResetDerived(ctx))
	got, err = s.HealthSnapshots(ctx, "p", t0.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1, "rebuild keeps health snapshots")
}

func TestAttributionAndChurn_Replace(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	links := []model.AttributionLink{
		{CommitHash: "c2", Project: "p", SessionID: "s1", Basis: "window", CommitTime: t0.Add(time.Hour)},
		{CommitHash: "c1", Project: "p", SessionID: "s1", Basis: "window", CommitTime: t0},
	}
	require.NoError(t, s.ReplaceAttribution(ctx, "p", links))
	require.NoError(t, s.ReplaceAttribution(ctx, "p", links[:1]))

	got, err := s.Links(ctx, "p", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].CommitHash)

	churn := []model.ChurnRecord{{
		Project: "p", OriginalCommit: "c2", ChurnCommit: "c3", SessionID: "s1", File: "a.go",
		OriginalStart: 1, OriginalEnd: 5, ChurnStart: 2, ChurnEnd: 3,
		OriginalTime: t0.Add(time.Hour), ChurnTime: t0.Add(2 * time.Hour),
	}}
	require.NoError(t, s.ReplaceChurn(ctx, "p", churn))
	gotChurn, err := s.Churn(ctx, "p", t0, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, gotChurn, 1)
	assert.Equal(t, churn[0], gotChurn[0])
}

func TestOpen_SchemaVersionBumpResetsDerived(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	_, err := s.ApplyBatch(ctx, Batch{Records: []Record{rec("m1", "s1", t0)}})
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE meta SET value = '0' WHERE key = 'schema_version'")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.True(t, reopened.SchemaReset())
	assert.Zero(t, count(t, reopened, "SELECT COUNT(*) FROM messages"))
}
