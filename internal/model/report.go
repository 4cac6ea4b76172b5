package model

import "time"

// LineSkip records one log line that was not ingested.
type LineSkip struct {
	Path   string
	Offset int64
	Reason string
}

// FileError records a file that could not be synced in this run.
type FileError struct {
	Path string
	Err  string
}

// maxSkipDetails bounds how many individual skips a report carries.
const maxSkipDetails = 500

// SyncReport summarizes one sync run.
type SyncReport struct {
	StartedAt time.Time
	Duration  time.Duration

	FilesScanned   int
	FilesUnchanged int
	FilesReset     int
	BytesRead      int64

	LinesIngested    int
	MessagesInserted int
	LinesIgnored     int // well-formed records of a non-message kind
	LinesSkipped     int
	Skips            []LineSkip

	FilesErrored []FileError
	Canceled     bool
}

// AddSkip counts a skipped line, keeping at most maxSkipDetails entries.
func (r *SyncReport) AddSkip(s LineSkip) {
	r.LinesSkipped++
	if len(r.Skips) < maxSkipDetails {
		r.Skips = append(r.Skips, s)
	}
}

// Merge folds another report's counters into r.
func (r *SyncReport) Merge(o SyncReport) {
	r.FilesScanned += o.FilesScanned
	r.FilesUnchanged += o.FilesUnchanged
	r.FilesReset += o.FilesReset
	r.BytesRead += o.BytesRead
	r.LinesIngested += o.LinesIngested
	r.MessagesInserted += o.MessagesInserted
	r.LinesIgnored += o.LinesIgnored
	r.LinesSkipped += o.LinesSkipped
	for _, s := range o.Skips {
		if len(r.Skips) >= maxSkipDetails {
			break
		}
		r.Skips = append(r.Skips, s)
	}
	r.FilesErrored = append(r.FilesErrored, o.FilesErrored...)
	r.Canceled = r.Canceled || o.Canceled
}
