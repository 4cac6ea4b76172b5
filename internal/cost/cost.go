// Package cost prices token usage and reconciles rollups against per-message costs.
package cost

import (
	"sort"
	"time"

	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/model"
)

// Result is the outcome of pricing one usage record.
type Result struct {
	Amount   model.Money
	Unpriced bool // model absent from the pricing table; Amount is meaningless
}

// Cost prices tokens for model against table. An unknown model yields
// Unpriced rather than a zero amount.
func Cost(modelName string, tokens model.TokenCounts, table config.PricingTable) Result {
	rates, ok := table.Lookup(modelName)
	if !ok {
		return Result{Unpriced: true}
	}
	amount := tokens.Input*rates.Input +
		tokens.Output*rates.Output +
		tokens.CacheRead*rates.CacheRead +
		tokens.CacheWrite*rates.CacheWrite
	return Result{Amount: model.Money(amount)}
}

// Apply prices msg in place. Messages with neither a model nor tokens are
// not billable and keep CostNone.
func Apply(msg *model.Message, table config.PricingTable) {
	if msg.Model == "" && msg.Tokens.IsZero() {
		msg.Cost = 0
		msg.CostStatus = model.CostNone
		return
	}
	r := Cost(msg.Model, msg.Tokens, table)
	if r.Unpriced {
		msg.Cost = 0
		msg.CostStatus = model.CostUnpriced
		return
	}
	msg.Cost = r.Amount
	msg.CostStatus = model.CostPriced
}

// RollupDate is the bucket date for a timestamp (UTC calendar day).
func RollupDate(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// Billable reports whether msg contributes to a cost rollup.
func Billable(msg model.Message) bool {
	return msg.CostStatus != model.CostNone
}

// Delta is the rollup increment contributed by one message.
func Delta(msg model.Message, project string) model.CostRollup {
	d := model.CostRollup{
		Date:     RollupDate(msg.Timestamp),
		Project:  project,
		Model:    msg.Model,
		Tokens:   msg.Tokens,
		Messages: 1,
	}
	if msg.CostStatus == model.CostUnpriced {
		d.Unpriced = 1
	} else {
		d.Cost = msg.Cost
	}
	return d
}

// Mismatch is a project whose rollup total disagrees with its message total.
type Mismatch struct {
	Project       string
	RollupCost    model.Money
	MessageCost   model.Money
	RollupTokens  int64
	MessageTokens int64
}

// Totals are per-project sums of cost and tokens.
type Totals struct {
	Cost   model.Money
	Tokens int64
}

// Reconcile compares rollup sums with per-message sums for every project
// present on either side. An empty result means the invariant holds.
func Reconcile(rollups []model.CostRollup, messages map[string]Totals) []Mismatch {
	fromRollups := make(map[string]Totals)
	for _, r := range rollups {
		t := fromRollups[r.Project]
		t.Cost += r.Cost
		t.Tokens += r.Tokens.Total()
		fromRollups[r.Project] = t
	}

	projects := make(map[string]struct{}, len(fromRollups)+len(messages))
	for p := range fromRollups {
		projects[p] = struct{}{}
	}
	for p := range messages {
		projects[p] = struct{}{}
	}

	var out []Mismatch
	for p := range projects {
		r, m := fromRollups[p], messages[p]
		if r != m {
			out = append(out, Mismatch{
				Project:       p,
				RollupCost:    r.Cost,
				MessageCost:   m.Cost,
				RollupTokens:  r.Tokens,
				MessageTokens: m.Tokens,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}
