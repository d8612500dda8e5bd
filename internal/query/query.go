// Package query answers issuer lookups against an index snapshot.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/edgar-index/internal/index"
)

// DateLayout is the format of filing dates and query bounds.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound means no issuer matched any supplied identifier.
	ErrNotFound = errors.New("issuer not found")
	// ErrInvalid wraps every parameter validation failure.
	ErrInvalid = errors.New("invalid lookup")
)

// Params selects an issuer and optionally narrows its filings. Identifiers
// are tried in the order CIK, ticker, company name. Start and End are
// exclusive bounds and only apply when FormType is set.
type Params struct {
	CIK         string
	Ticker      string
	CompanyName string
	FormType    string
	Start       *time.Time
	End         *time.Time
}

// Result is either the full record or, when a form type was requested, that
// form's date to accession map.
type Result struct {
	CIK     string
	Record  index.Record
	Filings map[string]string
}

// Payload is the value served for the result.
func (r Result) Payload() any {
	if r.Filings != nil {
		return r.Filings
	}
	return r.Record
}

// ParseParams reads lookup parameters from a query string.
func ParseParams(values url.Values) (Params, error) {
	p := Params{
		CIK:         strings.TrimSpace(values.Get("cik")),
		Ticker:      strings.TrimSpace(values.Get("ticker")),
		CompanyName: strings.TrimSpace(values.Get("company_name")),
		FormType:    strings.TrimSpace(values.Get("form_type")),
	}
	var err error
	if p.Start, err = parseDate(values.Get("start_date"), "start_date"); err != nil {
		return Params{}, err
	}
	if p.End, err = parseDate(values.Get("end_date"), "end_date"); err != nil {
		return Params{}, err
	}
	return p, p.Validate()
}

// Validate checks that an identifier is present and the bounds are ordered.
func (p Params) Validate() error {
	if p.CIK == "" && p.Ticker == "" && p.CompanyName == "" {
		return fmt.Errorf("%w: one of cik, ticker or company_name is required", ErrInvalid)
	}
	if p.Start != nil && p.End != nil && p.Start.After(*p.End) {
		return fmt.Errorf("%w: start_date is after end_date", ErrInvalid)
	}
	return nil
}

func parseDate(raw, field string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalid, field)
	}
	return &t, nil
}

// Lookup finds the issuer and applies the form and date filters.
func Lookup(snap index.Snapshot, p Params) (Result, error) {
	cik, rec, ok := find(snap, p)
	if !ok {
		return Result{}, ErrNotFound
	}
	res := Result{CIK: cik, Record: rec}
	if p.FormType == "" {
		return res, nil
	}
	res.Filings = FilterDates(rec.Forms[p.FormType], p.Start, p.End)
	return res, nil
}

// FilterDates keeps entries strictly after start, then strictly before end.
// Nil bounds are ignored. The input is not modified.
func FilterDates(filings map[string]string, start, end *time.Time) map[string]string {
	out := make(map[string]string, len(filings))
	for date, acc := range filings {
		filed, err := time.Parse(DateLayout, date)
		if err != nil {
			continue
		}
		if start != nil && !filed.After(*start) {
			continue
		}
		if end != nil && !filed.Before(*end) {
			continue
		}
		out[date] = acc
	}
	return out
}

func find(snap index.Snapshot, p Params) (string, index.Record, bool) {
	if p.CIK != "" {
		if rec, ok := snap.Issuers[p.CIK]; ok {
			return p.CIK, rec, true
		}
	}
	ciks := make([]string, 0, len(snap.Issuers))
	for cik := range snap.Issuers {
		ciks = append(ciks, cik)
	}
	slices.Sort(ciks)

	if p.Ticker != "" {
		for _, cik := range ciks {
			rec := snap.Issuers[cik]
			if rec.HasTicker() && strings.EqualFold(*rec.Ticker, p.Ticker) {
				return cik, rec, true
			}
		}
	}
	if p.CompanyName != "" {
		for _, cik := range ciks {
			if snap.Issuers[cik].CompanyName == p.CompanyName {
				return cik, snap.Issuers[cik], true
			}
		}
	}
	return "", index.Record{}, false
}
