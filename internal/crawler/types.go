package crawler

import (
	"time"
)

// Document is a fetched archive resource.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// Outcome classifies the result of resolving one issuer's ticker.
type Outcome string

// Resolution outcomes.
const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeResolved  Outcome = "resolved"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFailed    Outcome = "failed"
)

// ResolutionReport aggregates the resolve phase. Errors maps CIK to the
// failure message for issuers whose resolution failed.
type ResolutionReport struct {
	Attempted int               `json:"attempted"`
	Skipped   int               `json:"skipped"`
	Resolved  int               `json:"resolved"`
	Exhausted int               `json:"exhausted"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Add folds one issuer outcome into the report.
func (r *ResolutionReport) Add(cik string, outcome Outcome, err error) {
	switch outcome {
	case OutcomeSkipped:
		r.Skipped++
		return
	case OutcomeResolved:
		r.Resolved++
	case OutcomeExhausted:
		r.Exhausted++
	case OutcomeFailed:
		r.Failed++
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		if err != nil {
			r.Errors[cik] = err.Error()
		} else {
			r.Errors[cik] = "unknown error"
		}
	}
	r.Attempted++
}

// PeriodReport lists quarter keys by what happened to them during a run.
type PeriodReport struct {
	Enumerated      int      `json:"enumerated"`
	AlreadyComplete []string `json:"already_complete,omitempty"`
	Merged          []string `json:"merged,omitempty"`
	Absent          []string `json:"absent,omitempty"`
	Malformed       []string `json:"malformed,omitempty"`
	Failed          []string `json:"failed,omitempty"`
	Filings         int      `json:"filings"`
	SkippedLines    int      `json:"skipped_lines"`
}

// Summary describes one pipeline run. It is logged, returned to the caller and
// optionally published.
type Summary struct {
	RunID       string           `json:"run_id"`
	Started     time.Time        `json:"started_at"`
	Finished    time.Time        `json:"finished_at"`
	Periods     PeriodReport     `json:"periods"`
	Resolution  ResolutionReport `json:"resolution"`
	Issuers     int              `json:"issuers"`
	IndexDigest string           `json:"index_digest,omitempty"`
	Error       string           `json:"error,omitempty"`
}
