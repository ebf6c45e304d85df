// Package htmltable converts HTML <table> markup into delimited rows so
// tables scraped from report pages can flow through the same profiling and
// ingestion path as uploaded delimited files.
package htmltable

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Table is one extracted HTML table in row form.
type Table struct {
	// Caption is the <caption> text, if any.
	Caption string

	// Headers are the first header row's cell texts. Empty when the table
	// has no <th> cells.
	Headers []string

	// Rows are the data rows in DOM order. Cell texts are whitespace
	// normalized.
	Rows [][]string
}

// Extract parses the document and returns every table matched by selector.
//
// Semantics:
//   - selector "" means "table".
//   - Header cells are taken from the first row that contains <th> elements;
//     all other rows become data rows.
//   - Cells spanning columns are not expanded; each <td>/<th> is one cell.
//   - Tables with no data rows are skipped.
//
// Errors:
//   - Returns an error only when the document cannot be parsed at all.
func Extract(r io.Reader, selector string) ([]Table, error) {
	if selector == "" {
		selector = "table"
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var tables []Table
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		t := extractTable(sel)
		if len(t.Rows) > 0 {
			tables = append(tables, t)
		}
	})
	return tables, nil
}

// extractTable flattens one table selection into rows.
func extractTable(sel *goquery.Selection) Table {
	t := Table{
		Caption: cellText(sel.Find("caption").First()),
	}

	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Nested tables contribute their own rows via the outer Find; skip
		// rows whose closest table is not this one.
		if tr.Closest("table").Length() > 0 && !tr.Closest("table").IsSelection(sel) {
			return
		}

		var cells []string
		isHeader := tr.Find("th").Length() > 0 && tr.Find("td").Length() == 0
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, cellText(cell))
		})
		if len(cells) == 0 {
			return
		}
		if isHeader && t.Headers == nil {
			t.Headers = cells
			return
		}
		t.Rows = append(t.Rows, cells)
	})
	return t
}

// cellText collapses internal whitespace so multi-line cells compare stably.
func cellText(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// WriteCSV renders the table as comma-delimited rows, header first when
// present. The output is valid input for the profiler.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if t.Headers != nil {
		if err := cw.Write(t.Headers); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// HasHeader reports whether WriteCSV output will carry a header row.
func (t Table) HasHeader() bool { return t.Headers != nil }
