// Package query is the read and trigger surface consumed by the command
// line and any other front end.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/theirongolddev/tally/internal/attribution"
	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/cost"
	"github.com/theirongolddev/tally/internal/health"
	"github.com/theirongolddev/tally/internal/model"
	"github.com/theirongolddev/tally/internal/pipeline"
	"github.com/theirongolddev/tally/internal/store"
)

// DefaultSearchLimit caps SearchMessages results.
const DefaultSearchLimit = 50

// Range is a time window; zero bounds are open.
type Range struct {
	Since time.Time
	Until time.Time
}

// Service answers queries over one store.
type Service struct {
	Store   *store.Store
	Engine  *pipeline.Engine
	Health  *health.Recorder
	Pricing config.PricingTable
	Root    string // log root synced by TriggerSync and Rebuild
}

// ListSessions returns sessions matching f, most recent first.
func (s *Service) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error) {
	return s.Store.ListSessions(ctx, f)
}

// GetSession returns one session with its messages.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, []model.Message, error) {
	sess, err := s.Store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, nil, err
	}
	msgs, err := s.Store.Messages(ctx, id)
	return sess, msgs, err
}

// GetCostSummary groups spend in r by project, model, session or day.
// Project, model and day groupings read the daily rollups, so their bounds
// are whole UTC days; session grouping reads billed messages directly.
func (s *Service) GetCostSummary(ctx context.Context, r Range, groupBy model.CostGroupBy) (model.CostSummary, error) {
	sum := model.CostSummary{GroupBy: groupBy, Since: r.Since, Until: r.Until}

	var lines []model.CostLine
	switch groupBy {
	case model.GroupBySession:
		var err error
		lines, err = s.Store.CostBySession(ctx, r.Since, r.Until)
		if err != nil {
			return sum, err
		}
	case model.GroupByProject, model.GroupByModel, model.GroupByDay:
		rollups, err := s.Store.Rollups(ctx, rollupFilter("", r))
		if err != nil {
			return sum, err
		}
		lines = groupRollups(rollups, groupBy)
	default:
		return sum, fmt.Errorf("unknown cost grouping %q", groupBy)
	}

	for _, l := range lines {
		sum.Total += l.Cost
		sum.Unpriced += l.Unpriced
	}
	sum.Lines = lines
	return sum, nil
}

// GetCostBreakdown splits spend in r by token kind and model.
func (s *Service) GetCostBreakdown(ctx context.Context, project string, r Range) (pipeline.TokenTypeCosts, []pipeline.ModelCostBreakdown, error) {
	rollups, err := s.Store.Rollups(ctx, rollupFilter(project, r))
	if err != nil {
		return pipeline.TokenTypeCosts{}, nil, err
	}
	totals, rows := pipeline.CostBreakdown(rollups, s.Pricing)
	return totals, rows, nil
}

// SearchMessages runs a full-text query; each hit carries contextWindow
// messages on either side.
func (s *Service) SearchMessages(ctx context.Context, query string, contextWindow int) ([]model.SearchHit, error) {
	return s.Store.Search(ctx, query, contextWindow, DefaultSearchLimit)
}

// GetAttribution returns project's commit links in r.
func (s *Service) GetAttribution(ctx context.Context, project string, r Range) ([]model.AttributionLink, error) {
	return s.Store.Links(ctx, project, r.Since, r.Until)
}

// GetChurn returns project's churn events in r.
func (s *Service) GetChurn(ctx context.Context, project string, r Range) ([]model.ChurnRecord, error) {
	return s.Store.Churn(ctx, project, r.Since, r.Until)
}

// GetHealthTrend returns project's snapshots in r, oldest first.
func (s *Service) GetHealthTrend(ctx context.Context, project string, r Range) ([]model.HealthSnapshot, error) {
	return s.Health.Trend(ctx, project, r.Since, r.Until)
}

// TriggerSync ingests everything new under the log root.
func (s *Service) TriggerSync(ctx context.Context) (model.SyncReport, error) {
	return s.Engine.Sync(ctx, s.Root)
}

// Rebuild drops all derived state and resyncs from the log root.
func (s *Service) Rebuild(ctx context.Context) (model.SyncReport, error) {
	return s.Engine.Rebuild(ctx, s.Root)
}

// Attribute recomputes attribution and churn for every project using the
// git history of each project's working directory.
func (s *Service) Attribute(ctx context.Context, e *attribution.Engine) ([]attribution.Result, error) {
	return e.RunAll(ctx, func(dir string) attribution.CommitLog {
		return attribution.GitLog{Dir: dir}
	})
}

// Reconcile compares rollups against billed per-message costs. An empty
// result means the two agree exactly.
func (s *Service) Reconcile(ctx context.Context) ([]cost.Mismatch, error) {
	rollups, err := s.Store.Rollups(ctx, store.RollupFilter{})
	if err != nil {
		return nil, err
	}
	totals, err := s.Store.MessageCostTotals(ctx)
	if err != nil {
		return nil, err
	}
	return cost.Reconcile(rollups, totals), nil
}

func rollupFilter(project string, r Range) store.RollupFilter {
	f := store.RollupFilter{Project: project}
	if !r.Since.IsZero() {
		f.Since = cost.RollupDate(r.Since)
	}
	if !r.Until.IsZero() {
		f.Until = cost.RollupDate(r.Until)
	}
	return f
}

func groupRollups(rollups []model.CostRollup, groupBy model.CostGroupBy) []model.CostLine {
	byKey := make(map[string]*model.CostLine)
	for _, r := range rollups {
		var key string
		switch groupBy {
		case model.GroupByProject:
			key = r.Project
		case model.GroupByModel:
			key = r.Model
		default:
			key = r.Date
		}
		l, ok := byKey[key]
		if !ok {
			l = &model.CostLine{Key: key}
			byKey[key] = l
		}
		l.Tokens = l.Tokens.Add(r.Tokens)
		l.Cost += r.Cost
		l.Messages += r.Messages
		l.Unpriced += r.Unpriced
	}

	lines := make([]model.CostLine, 0, len(byKey))
	for _, l := range byKey {
		lines = append(lines, *l)
	}
	if groupBy == model.GroupByDay {
		sort.Slice(lines, func(i, j int) bool { return lines[i].Key < lines[j].Key })
		return lines
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Cost != lines[j].Cost {
			return lines[i].Cost > lines[j].Cost
		}
		return lines[i].Key < lines[j].Key
	})
	return lines
}
