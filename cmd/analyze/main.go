// Command analyze profiles a delimited or HTML-table file and prints the
// structural analysis with the auto-detected column mappings. It writes
// nothing to a database; use it to inspect a file before ingesting it.
//
// Usage:
//
//	analyze -file data/gdp.csv
//	analyze -file scraped.html -table "table.indicators" -json
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"warehouse/internal/htmltable"
	"warehouse/internal/mapping"
	"warehouse/internal/model"
	"warehouse/internal/profile"
)

func main() {
	var (
		filePath  string
		delimiter string
		hasHeader bool
		encoding  string
		selector  string
		asJSON    bool
	)

	flag.StringVar(&filePath, "file", "", "file to analyze (.csv, .tsv, .html)")
	flag.StringVar(&delimiter, "delimiter", "", `field delimiter (default ","; use "\t" for tabs)`)
	flag.BoolVar(&hasHeader, "header", true, "treat the first row as column names")
	flag.StringVar(&encoding, "encoding", "", `declared source encoding (default UTF-8, e.g. "latin1")`)
	flag.StringVar(&selector, "table", "", "CSS selector for HTML table extraction (implies HTML input)")
	flag.BoolVar(&asJSON, "json", false, "print the analysis and mappings as JSON")
	flag.Parse()

	if filePath == "" {
		fatalf("missing -file")
	}

	f, err := os.Open(filePath)
	if err != nil {
		fatalf("open: %v", err)
	}
	defer f.Close()

	var src io.Reader = f
	opt := profile.Options{
		HasHeader: hasHeader,
		Encoding:  encoding,
		FileName:  filepath.Base(filePath),
	}
	if d, err := parseDelimiter(delimiter); err != nil {
		fatalf("%v", err)
	} else if d != 0 {
		opt.Delimiter = d
	}

	if isHTML(filePath, selector) {
		src, opt, err = tableToCSV(f, selector, opt)
		if err != nil {
			fatalf("extract table: %v", err)
		}
	}

	a, err := profile.Analyze(context.Background(), src, opt)
	if err != nil {
		fatalf("analyze: %v", err)
	}
	mappings, warnings, err := mapping.Detect(a, mapping.DefaultConfig())
	if err != nil {
		fatalf("detect mappings: %v", err)
	}

	if asJSON {
		out := struct {
			Analysis *model.Analysis       `json:"analysis"`
			Mappings []model.ColumnMapping `json:"mappings"`
			Warnings []model.Warning       `json:"warnings,omitempty"`
		}{a, mappings, warnings}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatalf("encode: %v", err)
		}
		return
	}
	printReport(os.Stdout, a, mappings, warnings)
}

// parseDelimiter turns a flag value into a rune, accepting the escapes
// "\t" and "tab".
func parseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case `\t`, "tab":
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single character", s)
	}
	return r[0], nil
}

func isHTML(path, selector string) bool {
	if selector != "" {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// tableToCSV extracts the first matching HTML table and re-presents it as
// an in-memory CSV stream with matching profile options.
func tableToCSV(r io.Reader, selector string, opt profile.Options) (io.Reader, profile.Options, error) {
	tables, err := htmltable.Extract(r, selector)
	if err != nil {
		return nil, opt, err
	}
	if len(tables) == 0 {
		return nil, opt, fmt.Errorf("no table matched %q", selectorOrDefault(selector))
	}
	t := tables[0]

	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return nil, opt, err
	}
	opt.Delimiter = ','
	opt.HasHeader = t.HasHeader()
	opt.Encoding = "" // goquery yields UTF-8
	return &buf, opt, nil
}

func selectorOrDefault(s string) string {
	if s == "" {
		return "table"
	}
	return s
}

// printReport writes the per-column summary: type, statistics, and the
// proposed role with its confidence.
func printReport(w io.Writer, a *model.Analysis, mappings []model.ColumnMapping, warnings []model.Warning) {
	byCol := map[int]model.ColumnMapping{}
	for _, m := range mappings {
		byCol[m.ColumnIndex] = m
	}

	fmt.Fprintf(w, "file: %s\nrows: %d  columns: %d\n\n", a.FileName, a.RowCount, a.ColumnCount)
	fmt.Fprintf(w, "%-4s %-24s %-11s %6s %6s %7s  %-20s %s\n",
		"col", "name", "type", "null", "empty", "unique", "role", "samples")

	for _, c := range a.Columns {
		unique := fmt.Sprintf("%d", c.UniqueCount)
		if c.UniqueCapped {
			unique = ">=" + unique
		}
		role := "-"
		if m, ok := byCol[c.Index]; ok {
			role = fmt.Sprintf("%s (%.2f)", m.Role, m.Confidence)
		}
		fmt.Fprintf(w, "%-4d %-24s %-11s %6d %6d %7s  %-20s %s\n",
			c.Index, c.Name, c.DataType, c.NullCount, c.EmptyCount, unique, role,
			strings.Join(c.Samples, ", "))
	}

	for _, warn := range warnings {
		fmt.Fprintf(w, "\nwarning: column %d (%s): %s\n", warn.ColumnIndex, warn.ColumnName, warn.Message)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
