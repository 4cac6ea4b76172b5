package attribution

import (
	"sort"
	"time"

	"github.com/theirongolddev/tally/internal/model"
)

// Attribution bases recorded on each link.
const (
	BasisWindowBranch = "window+branch" // inside the window on the session's branch
	BasisWindow       = "window"        // inside the window; branch unknown on one side
)

// Attribute links each commit to at most one session of project. A commit
// is a candidate for a session when its time lies in [FirstSeen, LastSeen]
// and the branches match, or either branch is unknown. Among candidates the
// session whose midpoint is nearest wins, then the one with more tokens,
// then the lowest session id. Output is ordered by commit time and hash.
func Attribute(project string, sessions []model.Session, commits []Commit) []model.AttributionLink {
	var links []model.AttributionLink
	for _, c := range commits {
		best, basis, ok := pick(sessions, c)
		if !ok {
			continue
		}
		links = append(links, model.AttributionLink{
			CommitHash:   c.Hash,
			Project:      project,
			SessionID:    best.ID,
			Basis:        basis,
			CommitTime:   c.Time,
			DistanceSecs: int64(absDuration(c.Time.Sub(best.Midpoint())) / time.Second),
		})
	}

	sort.Slice(links, func(i, j int) bool {
		if !links[i].CommitTime.Equal(links[j].CommitTime) {
			return links[i].CommitTime.Before(links[j].CommitTime)
		}
		return links[i].CommitHash < links[j].CommitHash
	})
	return links
}

func pick(sessions []model.Session, c Commit) (model.Session, string, bool) {
	var (
		best     model.Session
		bestDist time.Duration
		basis    string
		found    bool
	)
	for _, s := range sessions {
		if s.FirstSeen.IsZero() || c.Time.Before(s.FirstSeen) || c.Time.After(s.LastSeen) {
			continue
		}
		b, ok := branchBasis(s.Branch, c.Branch)
		if !ok {
			continue
		}
		d := absDuration(c.Time.Sub(s.Midpoint()))
		if !found || better(s, d, best, bestDist) {
			best, bestDist, basis, found = s, d, b, true
		}
	}
	return best, basis, found
}

func branchBasis(session, commit string) (string, bool) {
	switch {
	case session == "" || commit == "":
		return BasisWindow, true
	case session == commit:
		return BasisWindowBranch, true
	default:
		return "", false
	}
}

func better(s model.Session, d time.Duration, cur model.Session, curDist time.Duration) bool {
	if d != curDist {
		return d < curDist
	}
	if st, ct := s.Tokens.Total(), cur.Tokens.Total(); st != ct {
		return st > ct
	}
	return s.ID < cur.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
