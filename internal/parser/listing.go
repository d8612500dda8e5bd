// Package parser extracts filings from quarterly crawler listings and tickers
// from filing detail pages.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/JakeFAU/edgar-index/internal/index"
)

// ErrSeparatorNotFound is returned when a listing has no dashed separator
// line, so the start of the records cannot be located.
var ErrSeparatorNotFound = errors.New("listing separator not found")

// LinePolicy decides what happens to a record line that does not match the
// listing grammar.
type LinePolicy int

// Line policies.
const (
	// LineAbort rejects the whole listing on the first malformed line.
	LineAbort LinePolicy = iota
	// LineSkip drops malformed lines and keeps parsing.
	LineSkip
)

// ParseLinePolicy maps a configuration value to a LinePolicy.
func ParseLinePolicy(s string) (LinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return LineAbort, nil
	case "skip":
		return LineSkip, nil
	default:
		return LineAbort, fmt.Errorf("unknown malformed line policy %q", s)
	}
}

func (p LinePolicy) String() string {
	if p == LineSkip {
		return "skip"
	}
	return "abort"
}

// MalformedLineError reports a record line that does not match the grammar.
// Line is 1-based within the document.
type MalformedLineError struct {
	Line int
	Text string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed listing line %d: %q", e.Line, e.Text)
}

// Listing is the result of parsing one quarterly listing.
type Listing struct {
	Filings []index.Filing
	Skipped []*MalformedLineError
}

// Company name, form type, CIK, date filed, then the detail URL whose last
// path element carries the accession number.
var recordLine = regexp.MustCompile(`^(.+)\s+([\dA-Z\-/]+)\s+(\d+)\s+(\d{4}-\d{2}-\d{2}).*/([\d\-]+)-index\.html?\s*$`)

const maxLineBytes = 1 << 20

// ParseListing reads a crawler.idx document. Everything up to and including
// the first line made only of '-' characters is header.
func ParseListing(r io.Reader, policy LinePolicy) (Listing, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		out     Listing
		lineNo  int
		started bool
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if !started {
			started = isSeparator(line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		filing, ok := parseRecord(line)
		if !ok {
			bad := &MalformedLineError{Line: lineNo, Text: line}
			if policy == LineAbort {
				return Listing{}, bad
			}
			out.Skipped = append(out.Skipped, bad)
			continue
		}
		out.Filings = append(out.Filings, filing)
	}
	if err := sc.Err(); err != nil {
		return Listing{}, fmt.Errorf("read listing: %w", err)
	}
	if !started {
		return Listing{}, ErrSeparatorNotFound
	}
	return out, nil
}

func isSeparator(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && strings.Trim(line, "-") == ""
}

func parseRecord(line string) (index.Filing, bool) {
	m := recordLine.FindStringSubmatch(line)
	if m == nil {
		return index.Filing{}, false
	}
	return index.Filing{
		CompanyName: strings.TrimSpace(m[1]),
		FormType:    m[2],
		CIK:         m[3],
		FiledOn:     m[4],
		Accession:   m[5],
	}, true
}
