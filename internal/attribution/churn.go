package attribution

import (
	"sort"
	"time"

	"github.com/theirongolddev/tally/internal/model"
)

// lineRange is an inclusive span of line numbers.
type lineRange struct {
	start, end int
}

func (r lineRange) overlaps(o lineRange) bool {
	return r.start <= o.end && o.start <= r.end
}

// introduced returns the new-side lines a hunk added. Pure deletions
// introduce nothing.
func introduced(h Hunk) (lineRange, bool) {
	if h.NewLines == 0 {
		return lineRange{}, false
	}
	return lineRange{h.NewStart, h.NewStart + h.NewLines - 1}, true
}

// touched returns the old-side lines a hunk modified. A pure insertion
// touches the single line it follows.
func touched(h Hunk) lineRange {
	if h.OldLines == 0 {
		return lineRange{h.OldStart, h.OldStart}
	}
	return lineRange{h.OldStart, h.OldStart + h.OldLines - 1}
}

// DetectChurn finds later commits that rewrote lines introduced by an
// attributed commit. A commit counts when its time is in (t, t+lookback],
// the boundary included, and one of its hunks overlaps an introduced range
// of the same file. Line numbers are compared as recorded in each diff;
// shifts made by intermediate commits are not replayed.
func DetectChurn(links []model.AttributionLink, commits []Commit, lookback time.Duration) []model.ChurnRecord {
	byHash := make(map[string]Commit, len(commits))
	for _, c := range commits {
		byHash[c.Hash] = c
	}

	var out []model.ChurnRecord
	for _, l := range links {
		orig, ok := byHash[l.CommitHash]
		if !ok {
			continue
		}
		horizon := orig.Time.Add(lookback)

		for _, f := range orig.Files {
			if f.Path == "" {
				continue
			}
			for _, h := range f.Hunks {
				added, ok := introduced(h)
				if !ok {
					continue
				}
				for _, later := range commits {
					if later.Hash == orig.Hash || !later.Time.After(orig.Time) || later.Time.After(horizon) {
						continue
					}
					out = append(out, matches(l, orig, f.Path, added, later)...)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ChurnTime.Equal(b.ChurnTime) {
			return a.ChurnTime.Before(b.ChurnTime)
		}
		if a.OriginalCommit != b.OriginalCommit {
			return a.OriginalCommit < b.OriginalCommit
		}
		if a.ChurnCommit != b.ChurnCommit {
			return a.ChurnCommit < b.ChurnCommit
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.OriginalStart != b.OriginalStart {
			return a.OriginalStart < b.OriginalStart
		}
		return a.ChurnStart < b.ChurnStart
	})
	return out
}

func matches(l model.AttributionLink, orig Commit, path string, added lineRange, later Commit) []model.ChurnRecord {
	var out []model.ChurnRecord
	for _, f := range later.Files {
		if f.OldPath != path {
			continue
		}
		for _, h := range f.Hunks {
			t := touched(h)
			if !t.overlaps(added) {
				continue
			}
			out = append(out, model.ChurnRecord{
				Project:        l.Project,
				OriginalCommit: orig.Hash,
				ChurnCommit:    later.Hash,
				SessionID:      l.SessionID,
				File:           path,
				OriginalStart:  added.start,
				OriginalEnd:    added.end,
				ChurnStart:     t.start,
				ChurnEnd:       t.end,
				OriginalTime:   orig.Time,
				ChurnTime:      later.Time,
			})
		}
	}
	return out
}
