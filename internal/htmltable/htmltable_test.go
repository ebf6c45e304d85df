package htmltable

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtract_HeaderAndRows(t *testing.T) {
	t.Parallel()

	html := `
<html><body>
<table>
  <caption> GDP growth </caption>
  <tr><th>Country</th><th>Year</th><th>Value</th></tr>
  <tr><td>US</td><td>2023</td><td>2.5</td></tr>
  <tr><td> FR </td><td>2023</td><td>0.9</td></tr>
</table>
</body></html>`

	tables, err := Extract(strings.NewReader(html), "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(tables))
	}

	tab := tables[0]
	if tab.Caption != "GDP growth" {
		t.Errorf("Caption = %q, want %q", tab.Caption, "GDP growth")
	}
	if want := []string{"Country", "Year", "Value"}; !reflect.DeepEqual(tab.Headers, want) {
		t.Errorf("Headers = %v, want %v", tab.Headers, want)
	}
	wantRows := [][]string{
		{"US", "2023", "2.5"},
		{"FR", "2023", "0.9"},
	}
	if !reflect.DeepEqual(tab.Rows, wantRows) {
		t.Errorf("Rows = %v, want %v", tab.Rows, wantRows)
	}
}

func TestExtract_HeaderlessTable(t *testing.T) {
	t.Parallel()

	html := `<table><tr><td>US</td><td>1</td></tr><tr><td>FR</td><td>2</td></tr></table>`
	tables, err := Extract(strings.NewReader(html), "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if tables[0].Headers != nil {
		t.Errorf("Headers = %v, want nil", tables[0].Headers)
	}
	if tables[0].HasHeader() {
		t.Error("HasHeader() = true, want false")
	}
	if len(tables[0].Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(tables[0].Rows))
	}
}

func TestExtract_SelectorFiltersTables(t *testing.T) {
	t.Parallel()

	html := `
<table id="nav"><tr><td>home</td></tr></table>
<table class="data"><tr><th>a</th></tr><tr><td>1</td></tr></table>`

	tables, err := Extract(strings.NewReader(html), "table.data")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(tables))
	}
	if want := []string{"a"}; !reflect.DeepEqual(tables[0].Headers, want) {
		t.Errorf("Headers = %v, want %v", tables[0].Headers, want)
	}
}

func TestExtract_EmptyTablesSkipped(t *testing.T) {
	t.Parallel()

	html := `<table><tr><th>only a header</th></tr></table>`
	tables, err := Extract(strings.NewReader(html), "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("got %d tables, want 0 (header-only table has no data rows)", len(tables))
	}
}

func TestExtract_MultilineCellsNormalized(t *testing.T) {
	t.Parallel()

	html := "<table><tr><td>multi\n   line\tcell</td></tr></table>"
	tables, err := Extract(strings.NewReader(html), "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := tables[0].Rows[0][0]; got != "multi line cell" {
		t.Errorf("cell = %q, want %q", got, "multi line cell")
	}
}

func TestWriteCSV_RoundTripsThroughCSVShape(t *testing.T) {
	t.Parallel()

	tab := Table{
		Headers: []string{"country", "value"},
		Rows:    [][]string{{"US", "1"}, {"FR", "2,5"}},
	}

	var b strings.Builder
	if err := tab.WriteCSV(&b); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "country,value\nUS,1\nFR,\"2,5\"\n"
	if b.String() != want {
		t.Errorf("WriteCSV = %q, want %q", b.String(), want)
	}
}
