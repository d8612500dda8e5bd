package parser

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// XBRL schema files are named <ticker>-<yyyymmdd>.xsd.
var schemaFile = regexp.MustCompile(`(\w+)-\d+\.xsd`)

// ParseTicker extracts the trading symbol from a filing detail page. It looks
// at the text of the "Data Files" table and returns the prefix of the first
// XBRL schema file name, uppercased. ok is false when the page has no such
// table or no schema file.
func ParseTicker(r io.Reader) (ticker string, ok bool, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", false, fmt.Errorf("parse detail page: %w", err)
	}
	table := doc.Find(`table[summary="Data Files"]`).First()
	if table.Length() == 0 {
		return "", false, nil
	}
	token, found := firstSchemaToken(table)
	if !found {
		return "", false, nil
	}
	return strings.ToUpper(token), true, nil
}

// firstSchemaToken walks text nodes in document order.
func firstSchemaToken(s *goquery.Selection) (string, bool) {
	var (
		token string
		found bool
	)
	s.Contents().EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if goquery.NodeName(c) == "#text" {
			if m := schemaFile.FindStringSubmatch(c.Text()); m != nil {
				token, found = m[1], true
			}
		} else {
			token, found = firstSchemaToken(c)
		}
		return !found
	})
	return token, found
}
