// Package health records externally computed structural metrics as an
// append-only time series per project.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/retry"
	"github.com/theirongolddev/tally/internal/store"
)

var (
	// ErrSnapshotExists is returned when a snapshot for the same project and
	// timestamp was already recorded. Snapshots are never overwritten.
	ErrSnapshotExists = errors.New("health snapshot already exists")

	// ErrInvalidMetric is returned for NaN or infinite metric values.
	ErrInvalidMetric = errors.New("invalid metric value")
)

// Analyzer computes structural metrics for a project checkout.
type Analyzer interface {
	Analyze(ctx context.Context, dir string) (map[string]float64, error)
}

// Recorder persists snapshots in the store.
type Recorder struct {
	Store   *store.Store
	Backoff time.Duration // wait before retrying the analyzer
}

// RecordSnapshot appends metrics for project at ts.
func (r *Recorder) RecordSnapshot(ctx context.Context, project string, metrics map[string]float64, ts time.Time) (model.HealthSnapshot, error) {
	if project == "" {
		return model.HealthSnapshot{}, errors.New("health snapshot needs a project")
	}
	for name, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.HealthSnapshot{}, fmt.Errorf("%s = %v: %w", name, v, ErrInvalidMetric)
		}
	}

	snap := model.HealthSnapshot{
		ID:        uuid.NewString(),
		Project:   project,
		Timestamp: ts.UTC(),
		Metrics:   copyMetrics(metrics),
	}
	if err := r.Store.InsertHealthSnapshot(ctx, snap); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.HealthSnapshot{}, fmt.Errorf("%s at %s: %w", project, snap.Timestamp.Format(time.RFC3339), ErrSnapshotExists)
		}
		return model.HealthSnapshot{}, err
	}
	return snap, nil
}

// Trend returns project's snapshots in [since, until] ordered by timestamp.
// Zero bounds are open.
func (r *Recorder) Trend(ctx context.Context, project string, since, until time.Time) ([]model.HealthSnapshot, error) {
	return r.Store.HealthSnapshots(ctx, project, since, until)
}

// Capture runs a, retrying once, and records its metrics at ts.
func (r *Recorder) Capture(ctx context.Context, a Analyzer, project, dir string, ts time.Time) (model.HealthSnapshot, error) {
	var metrics map[string]float64
	err := retry.Once(ctx, r.Backoff, func(ctx context.Context) error {
		var err error
		metrics, err = a.Analyze(ctx, dir)
		return err
	})
	if err != nil {
		return model.HealthSnapshot{}, fmt.Errorf("analyzing %s: %w", project, err)
	}
	return r.RecordSnapshot(ctx, project, metrics, ts)
}

// Delta is the change of one metric between consecutive snapshots.
type Delta struct {
	Metric string
	From   time.Time
	To     time.Time
	Change float64
}

// Deltas returns per-metric changes between consecutive snapshots, for
// metrics present in both. Snapshots must be ordered by timestamp.
func Deltas(snaps []model.HealthSnapshot) []Delta {
	var out []Delta
	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		for _, name := range sortedKeys(cur.Metrics) {
			old, ok := prev.Metrics[name]
			if !ok {
				continue
			}
			out = append(out, Delta{Metric: name, From: prev.Timestamp, To: cur.Timestamp, Change: cur.Metrics[name] - old})
		}
	}
	return out
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
