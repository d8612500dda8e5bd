// Package period enumerates the calendar quarters covered by a crawl.
package period

import (
	"fmt"
	"time"
)

// Quarter identifies one calendar quarter.
type Quarter struct {
	Year int
	Q    int
}

// QuarterOf returns the quarter containing t.
func QuarterOf(t time.Time) Quarter {
	return Quarter{Year: t.Year(), Q: (int(t.Month())-1)/3 + 1}
}

// Key is the completion-set key, formatted "<year>-<quarter>".
func (q Quarter) Key() string {
	return fmt.Sprintf("%d-%d", q.Year, q.Q)
}

// String renders the quarter the way EDGAR names its index directories.
func (q Quarter) String() string {
	return fmt.Sprintf("%d QTR%d", q.Year, q.Q)
}

// Next returns the quarter immediately after q.
func (q Quarter) Next() Quarter {
	if q.Q >= 4 {
		return Quarter{Year: q.Year + 1, Q: 1}
	}
	return Quarter{Year: q.Year, Q: q.Q + 1}
}

// Before reports whether q is chronologically earlier than other.
func (q Quarter) Before(other Quarter) bool {
	if q.Year != other.Year {
		return q.Year < other.Year
	}
	return q.Q < other.Q
}

// Enumerate lists every quarter from the one containing start through the one
// containing end, oldest first. It returns nil when end precedes start.
func Enumerate(start, end time.Time) []Quarter {
	first, last := QuarterOf(start), QuarterOf(end)
	if last.Before(first) {
		return nil
	}
	var out []Quarter
	for q := first; !last.Before(q); q = q.Next() {
		out = append(out, q)
	}
	return out
}
