package model

import (
	"fmt"
	"time"
)

// Money is an amount in picodollars (1e-12 USD). Integer arithmetic keeps
// rollup sums exactly equal to per-message sums.
type Money int64

// PicoPerUSD is the number of Money units in one dollar.
const PicoPerUSD = 1_000_000_000_000

// USD returns the amount in dollars.
func (m Money) USD() float64 {
	return float64(m) / PicoPerUSD
}

func (m Money) String() string {
	return fmt.Sprintf("$%.6f", m.USD())
}

// CostStatus records whether a message's cost could be computed.
type CostStatus string

// Cost statuses. CostNone marks non-billable messages (no model and no tokens).
const (
	CostNone     CostStatus = ""
	CostPriced   CostStatus = "priced"
	CostUnpriced CostStatus = "unpriced"
)

// CostRollup is the additive aggregate for one (date, project, model) bucket.
type CostRollup struct {
	Date     string // YYYY-MM-DD, UTC
	Project  string
	Model    string
	Tokens   TokenCounts
	Cost     Money
	Messages int
	Unpriced int
}

// CostGroupBy selects the grouping dimension of a cost summary.
type CostGroupBy string

// Cost summary groupings.
const (
	GroupByProject CostGroupBy = "project"
	GroupByModel   CostGroupBy = "model"
	GroupBySession CostGroupBy = "session"
	GroupByDay     CostGroupBy = "day"
)

// CostLine is one row of a grouped cost summary.
type CostLine struct {
	Key      string
	Tokens   TokenCounts
	Cost     Money
	Messages int
	Unpriced int
}

// CostSummary is a grouped cost report over a time range.
type CostSummary struct {
	GroupBy  CostGroupBy
	Since    time.Time
	Until    time.Time
	Lines    []CostLine
	Total    Money
	Unpriced int // messages with a model absent from the pricing table
}

// AttributionLink ties a commit to the session that most likely produced it.
type AttributionLink struct {
	CommitHash   string
	Project      string
	SessionID    string
	Basis        string
	CommitTime   time.Time
	DistanceSecs int64 // |commit - session midpoint|
}

// ChurnRecord is a later commit rewriting lines introduced by an attributed commit.
type ChurnRecord struct {
	Project        string
	OriginalCommit string
	ChurnCommit    string
	SessionID      string
	File           string
	OriginalStart  int
	OriginalEnd    int
	ChurnStart     int
	ChurnEnd       int
	OriginalTime   time.Time
	ChurnTime      time.Time
}

// HealthSnapshot is one externally computed set of structural metrics.
type HealthSnapshot struct {
	ID        string
	Project   string
	Timestamp time.Time
	Metrics   map[string]float64
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Project string // exact match on project or display name
	Branch  string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// SearchHit is a full-text match with its surrounding messages.
type SearchHit struct {
	Message   Message
	SessionID string
	Project   string
	Snippet   string
	Rank      float64
	Context   []Message // ordered by ordinal, includes the hit itself
}
