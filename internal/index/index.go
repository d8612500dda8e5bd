package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/edgar-index/internal/period"
)

// Index is the in-memory store mutated by the crawl and resolve phases. All
// methods are safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	records   map[string]*Record
	completed map[string]bool
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		records:   make(map[string]*Record),
		completed: make(map[string]bool),
	}
}

// FromSnapshot builds an Index from persisted state. The snapshot is copied.
func FromSnapshot(snap Snapshot) *Index {
	idx := New()
	for cik, rec := range snap.Issuers {
		cp := rec.clone()
		if cp.Forms == nil {
			cp.Forms = make(Forms)
		}
		idx.records[cik] = &cp
	}
	for key, done := range snap.Completed {
		if done {
			idx.completed[key] = true
		}
	}
	return idx
}

// Merge folds one quarter's filings into the index and marks the quarter
// complete. Merging the same filings again leaves the data unchanged.
func (idx *Index) Merge(q period.Quarter, filings []Filing) MergeStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	stats := MergeStats{Filings: len(filings)}
	for _, f := range filings {
		rec, ok := idx.records[f.CIK]
		if !ok {
			rec = &Record{
				CompanyName: strings.TrimSpace(f.CompanyName),
				Forms:       make(Forms),
			}
			idx.records[f.CIK] = rec
			stats.NewIssuers++
		}
		dates, ok := rec.Forms[f.FormType]
		if !ok {
			dates = make(map[string]string)
			rec.Forms[f.FormType] = dates
		}
		prev, seen := dates[f.FiledOn]
		switch {
		case !seen:
			stats.NewFilings++
		case prev != f.Accession:
			stats.Changed++
		default:
			stats.AlreadyKnown++
		}
		dates[f.FiledOn] = f.Accession
	}
	idx.completed[q.Key()] = true
	return stats
}

// IsComplete reports whether q has been fully merged by this or a prior run.
func (idx *Index) IsComplete(q period.Quarter) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.completed[q.Key()]
}

// CompletedKeys returns the sorted completion-set keys.
func (idx *Index) CompletedKeys() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	keys := make([]string, 0, len(idx.completed))
	for k := range idx.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of issuers.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// CIKs returns every issuer identifier in sorted order.
func (idx *Index) CIKs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ciks := make([]string, 0, len(idx.records))
	for cik := range idx.records {
		ciks = append(ciks, cik)
	}
	sort.Strings(ciks)
	return ciks
}

// Record returns a copy of the issuer record.
func (idx *Index) Record(cik string) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.records[cik]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// SetTicker records a resolved ticker. It never replaces an existing ticker and
// reports whether the value was stored.
func (idx *Index) SetTicker(cik, ticker string) bool {
	if ticker == "" {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.records[cik]
	if !ok || rec.HasTicker() {
		return false
	}
	rec.Ticker = &ticker
	return true
}

// Snapshot returns a deep copy of the index for persistence or serving.
func (idx *Index) Snapshot() Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	snap := Snapshot{
		Issuers:   make(map[string]Record, len(idx.records)),
		Completed: make(map[string]bool, len(idx.completed)),
	}
	for cik, rec := range idx.records {
		snap.Issuers[cik] = rec.clone()
	}
	for k := range idx.completed {
		snap.Completed[k] = true
	}
	return snap
}
