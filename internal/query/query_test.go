package query

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/edgar-index/internal/index"
)

func ptr[T any](v T) *T { return &v }

func date(t *testing.T, s string) *time.Time {
	t.Helper()
	d, err := time.Parse(DateLayout, s)
	require.NoError(t, err)
	return &d
}

func testSnapshot() index.Snapshot {
	snap := index.NewSnapshot()
	snap.Issuers["0000001"] = index.Record{
		CompanyName: "ABC Inc.",
		Ticker:      ptr("ABC"),
		Forms: index.Forms{
			"10-Q": {"2021-01-01": "A", "2021-06-01": "B", "2022-01-01": "C"},
			"10-K": {"2022-02-09": "0001127602-22-004061"},
		},
	}
	snap.Issuers["0000002"] = index.Record{
		CompanyName: "XYZ Corp",
		Forms:       index.Forms{"8-K": {"2022-03-01": "D"}},
	}
	return snap
}

func TestLookupDateFiltering(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()

	res, err := Lookup(snap, Params{CIK: "0000001", FormType: "10-Q", Start: date(t, "2021-03-01")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2021-06-01": "B", "2022-01-01": "C"}, res.Filings)

	res, err = Lookup(snap, Params{
		CIK:      "0000001",
		FormType: "10-Q",
		Start:    date(t, "2021-03-01"),
		End:      date(t, "2021-12-31"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2021-06-01": "B"}, res.Filings)
}

func TestFilterDatesBoundsAreExclusive(t *testing.T) {
	t.Parallel()

	in := map[string]string{"2021-01-01": "A", "2021-06-01": "B"}
	out := FilterDates(in, date(t, "2021-01-01"), date(t, "2021-06-01"))
	assert.Empty(t, out)
	assert.Len(t, in, 2, "input is untouched")
}

func TestLookupTickerBeatsUnknownCIK(t *testing.T) {
	t.Parallel()

	res, err := Lookup(testSnapshot(), Params{CIK: "9999999", Ticker: "ABC"})
	require.NoError(t, err)
	assert.Equal(t, "0000001", res.CIK)
}

func TestLookupPrecedence(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"cik wins over ticker", Params{CIK: "0000002", Ticker: "ABC"}, "0000002"},
		{"ticker is case insensitive", Params{Ticker: "abc"}, "0000001"},
		{"ticker wins over name", Params{Ticker: "ABC", CompanyName: "XYZ Corp"}, "0000001"},
		{"name fallback", Params{Ticker: "NOPE", CompanyName: "XYZ Corp"}, "0000002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := Lookup(snap, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.CIK)
		})
	}
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()

	_, err := Lookup(testSnapshot(), Params{CompanyName: "abc inc."})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupPayload(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()

	res, err := Lookup(snap, Params{CIK: "0000002"})
	require.NoError(t, err)
	assert.Equal(t, snap.Issuers["0000002"], res.Payload())

	res, err = Lookup(snap, Params{CIK: "0000002", FormType: "10-Q"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, res.Payload(), "unknown form yields an empty map")
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	p, err := ParseParams(url.Values{
		"ticker":     {" abc "},
		"form_type":  {"10-Q"},
		"start_date": {"2021-03-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Ticker)
	assert.Equal(t, "10-Q", p.FormType)
	require.NotNil(t, p.Start)
	assert.Nil(t, p.End)

	invalid := []url.Values{
		{},
		{"cik": {"1"}, "start_date": {"03/01/2021"}},
		{"cik": {"1"}, "end_date": {"2021-13-01"}},
		{"cik": {"1"}, "start_date": {"2022-01-01"}, "end_date": {"2021-01-01"}},
	}
	for _, v := range invalid {
		_, err := ParseParams(v)
		assert.ErrorIs(t, err, ErrInvalid, "values %v", v)
	}
}
