// Package index holds the cumulative, issuer-keyed filing index and the set of
// quarters already merged into it.
package index

// Filing is one line of a quarterly listing.
type Filing struct {
	CompanyName string
	FormType    string
	CIK         string
	FiledOn     string // YYYY-MM-DD
	Accession   string
}

// Forms maps form type to filing date to accession identifier.
type Forms map[string]map[string]string

// Record is the persisted view of one issuer.
type Record struct {
	CompanyName string  `json:"company_name"`
	Ticker      *string `json:"ticker"`
	Forms       Forms   `json:"forms"`
}

// HasTicker reports whether a ticker has been resolved for the record.
func (r Record) HasTicker() bool {
	return r.Ticker != nil && *r.Ticker != ""
}

// Snapshot is a detached copy of the whole index used for persistence.
type Snapshot struct {
	Issuers   map[string]Record
	Completed map[string]bool
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Issuers:   make(map[string]Record),
		Completed: make(map[string]bool),
	}
}

// MergeStats summarizes the effect of merging one quarter.
type MergeStats struct {
	Filings      int
	NewIssuers   int
	NewFilings   int
	Changed      int
	AlreadyKnown int
}

func (f Forms) clone() Forms {
	out := make(Forms, len(f))
	for form, dates := range f {
		cp := make(map[string]string, len(dates))
		for d, acc := range dates {
			cp[d] = acc
		}
		out[form] = cp
	}
	return out
}

func (r Record) clone() Record {
	cp := Record{CompanyName: r.CompanyName, Forms: r.Forms.clone()}
	if r.Ticker != nil {
		t := *r.Ticker
		cp.Ticker = &t
	}
	return cp
}
