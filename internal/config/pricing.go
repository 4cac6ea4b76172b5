package config

import (
	"errors"
	"math"
	"sort"
	"strings"
)

// ModelRates holds per-million-token USD prices for one model.
type ModelRates struct {
	InputPerMTok      float64 `toml:"input_per_mtok"`
	OutputPerMTok     float64 `toml:"output_per_mtok"`
	CacheReadPerMTok  float64 `toml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `toml:"cache_write_per_mtok"`
}

func (r ModelRates) validate() error {
	for _, v := range []float64{r.InputPerMTok, r.OutputPerMTok, r.CacheReadPerMTok, r.CacheWritePerMTok} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("rates must be finite and non-negative")
		}
	}
	return nil
}

// DefaultPricing maps model base names to their standard-context pricing.
// Cache writes use the 5-minute TTL rate.
var DefaultPricing = map[string]ModelRates{
	"claude-opus-4-6":   {InputPerMTok: 5.00, OutputPerMTok: 25.00, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
	"claude-opus-4-5":   {InputPerMTok: 5.00, OutputPerMTok: 25.00, CacheReadPerMTok: 0.50, CacheWritePerMTok: 6.25},
	"claude-opus-4-1":   {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheReadPerMTok: 1.50, CacheWritePerMTok: 18.75},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheReadPerMTok: 1.50, CacheWritePerMTok: 18.75},
	"claude-sonnet-4-6": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
	"claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00, CacheReadPerMTok: 0.10, CacheWritePerMTok: 1.25},
	"claude-haiku-3-5":  {InputPerMTok: 0.80, OutputPerMTok: 4.00, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1.00},
}

// UnitRates are per-token prices in picodollars, derived from ModelRates.
// A rate of $r per million tokens is r*1e6 picodollars per token.
type UnitRates struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

func toUnit(r ModelRates) UnitRates {
	conv := func(perMTok float64) int64 { return int64(math.Round(perMTok * 1_000_000)) }
	return UnitRates{
		Input:      conv(r.InputPerMTok),
		Output:     conv(r.OutputPerMTok),
		CacheRead:  conv(r.CacheReadPerMTok),
		CacheWrite: conv(r.CacheWritePerMTok),
	}
}

// PricingTable is an immutable model -> rates lookup. Build it once and pass
// it explicitly to whatever computes costs.
type PricingTable struct {
	rates map[string]UnitRates
}

// NewPricingTable copies the given rates into a new table.
func NewPricingTable(models map[string]ModelRates) PricingTable {
	rates := make(map[string]UnitRates, len(models))
	for name, r := range models {
		rates[name] = toUnit(r)
	}
	return PricingTable{rates: rates}
}

// PriceTable returns the table for this config: defaults overlaid with user rates.
func (c Config) PriceTable() PricingTable {
	merged := make(map[string]ModelRates, len(DefaultPricing)+len(c.Pricing.Models))
	for name, r := range DefaultPricing {
		merged[name] = r
	}
	for name, r := range c.Pricing.Models {
		merged[name] = r
	}
	return NewPricingTable(merged)
}

// Lookup returns the unit rates for a model, normalizing the name first.
func (t PricingTable) Lookup(model string) (UnitRates, bool) {
	if model == "" {
		return UnitRates{}, false
	}
	r, ok := t.rates[t.Normalize(model)]
	return r, ok
}

// Models returns the priced model names in sorted order.
func (t PricingTable) Models() []string {
	names := make([]string, 0, len(t.rates))
	for name := range t.rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize strips date suffixes from model identifiers when the base name
// is priced, e.g. "claude-opus-4-5-20251101" -> "claude-opus-4-5".
func (t PricingTable) Normalize(raw string) string {
	if _, ok := t.rates[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := t.rates[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
