package health

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tally/internal/store"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tally.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &Recorder{Store: s, Backoff: time.Millisecond}
}

func TestRecordSnapshot_AppendOnly(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	snap, err := r.RecordSnapshot(ctx, "proj", map[string]float64{"complexity": 12.5}, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)

	_, err = r.RecordSnapshot(ctx, "proj", map[string]float64{"complexity": 99}, t0)
	require.ErrorIs(t, err, ErrSnapshotExists)

	// Same timestamp on another project is fine.
	_, err = r.RecordSnapshot(ctx, "other", map[string]float64{"complexity": 1}, t0)
	require.NoError(t, err)

	trend, err := r.Trend(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, 12.5, trend[0].Metrics["complexity"])
}

func TestRecordSnapshot_RejectsNonFinite(t *testing.T) {
	r := newRecorder(t)
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := r.RecordSnapshot(context.Background(), "proj", map[string]float64{"m": v}, t0)
		assert.ErrorIs(t, err, ErrInvalidMetric)
	}
}

func TestTrend_OrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	for _, d := range []int{3, 1, 2, 5} {
		_, err := r.RecordSnapshot(ctx, "proj", map[string]float64{"loc": float64(d * 100)}, t0.Add(time.Duration(d)*24*time.Hour))
		require.NoError(t, err)
	}

	trend, err := r.Trend(ctx, "proj", t0.Add(24*time.Hour), t0.Add(3*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, trend, 3)
	for i, want := range []float64{100, 200, 300} {
		assert.Equal(t, want, trend[i].Metrics["loc"])
	}

	deltas := Deltas(trend)
	require.Len(t, deltas, 2)
	assert.Equal(t, "loc", deltas[0].Metric)
	assert.Equal(t, 100.0, deltas[0].Change)
}

type stubAnalyzer struct {
	fails int
	calls int
}

func (s *stubAnalyzer) Analyze(context.Context, string) (map[string]float64, error) {
	s.calls++
	if s.calls <= s.fails {
		return nil, errors.New("analyzer crashed")
	}
	return map[string]float64{"functions": 42}, nil
}

func TestCapture(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	a := &stubAnalyzer{fails: 1}
	snap, err := r.Capture(ctx, a, "proj", "/work/proj", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 42.0, snap.Metrics["functions"])

	a = &stubAnalyzer{fails: 2}
	_, err = r.Capture(ctx, a, "proj", "/work/proj", t0.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, 2, a.calls)
}
