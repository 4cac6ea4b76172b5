package pipeline

import (
	"sort"

	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/model"
)

// TokenTypeCosts holds aggregate costs split by token type.
type TokenTypeCosts struct {
	InputCost      model.Money
	OutputCost     model.Money
	CacheReadCost  model.Money
	CacheWriteCost model.Money
	TotalCost      model.Money
}

func (c *TokenTypeCosts) add(o TokenTypeCosts) {
	c.InputCost += o.InputCost
	c.OutputCost += o.OutputCost
	c.CacheReadCost += o.CacheReadCost
	c.CacheWriteCost += o.CacheWriteCost
	c.TotalCost += o.TotalCost
}

// ModelCostBreakdown holds cost components for one model.
type ModelCostBreakdown struct {
	Model string
	TokenTypeCosts
	Tokens   model.TokenCounts
	Messages int
	Unpriced int
}

// CostBreakdown splits rollup spend by token type and by model. Rollups
// for models absent from table contribute tokens and counts but no cost.
func CostBreakdown(rollups []model.CostRollup, table config.PricingTable) (TokenTypeCosts, []ModelCostBreakdown) {
	var totals TokenTypeCosts
	byModel := make(map[string]*ModelCostBreakdown)

	for _, r := range rollups {
		row, ok := byModel[r.Model]
		if !ok {
			row = &ModelCostBreakdown{Model: r.Model}
			byModel[r.Model] = row
		}
		row.Tokens = row.Tokens.Add(r.Tokens)
		row.Messages += r.Messages
		row.Unpriced += r.Unpriced

		rates, ok := table.Lookup(r.Model)
		if !ok {
			continue
		}
		c := TokenTypeCosts{
			InputCost:      model.Money(r.Tokens.Input * rates.Input),
			OutputCost:     model.Money(r.Tokens.Output * rates.Output),
			CacheReadCost:  model.Money(r.Tokens.CacheRead * rates.CacheRead),
			CacheWriteCost: model.Money(r.Tokens.CacheWrite * rates.CacheWrite),
		}
		c.TotalCost = c.InputCost + c.OutputCost + c.CacheReadCost + c.CacheWriteCost
		row.add(c)
		totals.add(c)
	}

	rows := make([]ModelCostBreakdown, 0, len(byModel))
	for _, row := range byModel {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalCost != rows[j].TotalCost {
			return rows[i].TotalCost > rows[j].TotalCost
		}
		return rows[i].Model < rows[j].Model
	})
	return totals, rows
}
