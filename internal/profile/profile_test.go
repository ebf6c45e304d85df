package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"warehouse/internal/model"
)

// analyze is a shorthand that fails the test on error.
func analyze(t *testing.T, input string, opt Options) *model.Analysis {
	t.Helper()
	a, err := Analyze(context.Background(), strings.NewReader(input), opt)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return a
}

func TestAnalyze_TypeLadder(t *testing.T) {
	t.Parallel()

	// One column per case; the header names the expected outcome.
	tests := []struct {
		name  string
		cells []string
		want  model.DataType
	}{
		{"all integers", []string{"1", "42", "-7", "0"}, model.TypeInteger},
		{"integers and decimals", []string{"1", "4.5", "-7"}, model.TypeDecimal},
		{"decimals with percent suffix", []string{"4.5%", "100%", "0.1%"}, model.TypePercentage},
		{"mixed percent and plain decimal", []string{"4.5%", "3.2"}, model.TypePercentage},
		{"text wins over everything", []string{"1", "4.5", "abc"}, model.TypeText},
		{"empty cells do not vote", []string{"1", "", "2", "   "}, model.TypeInteger},
		{"null markers do not vote", []string{"NULL", "3", "N/A"}, model.TypeInteger},
		{"all null is text", []string{"NULL", "NA", "null"}, model.TypeText},
		{"scientific notation is decimal", []string{"1e3", "2.5e-1"}, model.TypeDecimal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var b strings.Builder
			b.WriteString("v\n")
			for _, c := range tt.cells {
				b.WriteString(c + "\n")
			}
			a := analyze(t, b.String(), Options{HasHeader: true})
			if got := a.Columns[0].DataType; got != tt.want {
				t.Fatalf("inferred type = %s, want %s (cells %v)", got, tt.want, tt.cells)
			}
		})
	}
}

func TestAnalyze_CountsAndSamples(t *testing.T) {
	t.Parallel()

	input := "country,value\n" +
		"US,1\n" +
		"FR,2\n" +
		"US,NULL\n" +
		",3\n" +
		"DE,4\n"

	a := analyze(t, input, Options{HasHeader: true, MaxSamples: 2})

	if a.RowCount != 5 {
		t.Errorf("RowCount = %d, want 5", a.RowCount)
	}
	if a.ColumnCount != 2 {
		t.Errorf("ColumnCount = %d, want 2", a.ColumnCount)
	}

	country := a.Columns[0]
	if country.Name != "country" {
		t.Errorf("column 0 name = %q, want country", country.Name)
	}
	if country.EmptyCount != 1 {
		t.Errorf("country EmptyCount = %d, want 1", country.EmptyCount)
	}
	if country.UniqueCount != 3 {
		t.Errorf("country UniqueCount = %d, want 3 (US, FR, DE)", country.UniqueCount)
	}
	if len(country.Samples) != 2 {
		t.Errorf("country samples = %v, want 2 distinct values", country.Samples)
	}

	value := a.Columns[1]
	if value.NullCount != 1 {
		t.Errorf("value NullCount = %d, want 1", value.NullCount)
	}
	if value.DataType != model.TypeInteger {
		t.Errorf("value type = %s, want %s", value.DataType, model.TypeInteger)
	}
}

func TestAnalyze_HeaderlessSynthesizesNames(t *testing.T) {
	t.Parallel()

	a := analyze(t, "US;1\nFR;2\n", Options{Delimiter: ';'})

	if a.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", a.RowCount)
	}
	want := []string{"column_1", "column_2"}
	for i, w := range want {
		if a.Columns[i].Name != w {
			t.Errorf("column %d name = %q, want %q", i, a.Columns[i].Name, w)
		}
	}
}

func TestAnalyze_BlankHeaderCellGetsSynthesizedName(t *testing.T) {
	t.Parallel()

	a := analyze(t, "country,,value\nUS,x,1\n", Options{HasHeader: true})
	if got := a.Columns[1].Name; got != "column_2" {
		t.Errorf("blank header cell name = %q, want column_2", got)
	}
}

func TestAnalyze_MisalignmentWithinTolerance(t *testing.T) {
	t.Parallel()

	// 1 short row out of 10 stays under the 10% default tolerance boundary.
	var b strings.Builder
	b.WriteString("a,b\n")
	for i := 0; i < 9; i++ {
		fmt.Fprintf(&b, "x%d,%d\n", i, i)
	}
	b.WriteString("lonely\n")

	a := analyze(t, b.String(), Options{HasHeader: true})
	if a.RowCount != 9 {
		t.Errorf("RowCount = %d, want 9 (misaligned row excluded)", a.RowCount)
	}
}

func TestAnalyze_MisalignmentBeyondToleranceIsMalformed(t *testing.T) {
	t.Parallel()

	input := "a,b\n1,2\nonly-one\nstill,fine\nbad\n"
	_, err := Analyze(context.Background(), strings.NewReader(input), Options{HasHeader: true})
	if !errors.Is(err, model.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
}

func TestAnalyze_InvalidUTF8IsMalformed(t *testing.T) {
	t.Parallel()

	input := "name\n\xff\xfe\xfd\n"
	_, err := Analyze(context.Background(), strings.NewReader(input), Options{HasHeader: true})
	if !errors.Is(err, model.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
}

func TestAnalyze_Latin1Transcodes(t *testing.T) {
	t.Parallel()

	// 0xE9 is 'é' in latin-1 and invalid as a standalone UTF-8 byte.
	input := "name\ncaf\xe9\n"
	a := analyze(t, input, Options{HasHeader: true, Encoding: "latin1"})
	if got := a.Columns[0].Samples[0]; got != "café" {
		t.Errorf("sample = %q, want café", got)
	}
}

func TestAnalyze_UnknownEncodingIsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Analyze(context.Background(), strings.NewReader("a\n1\n"), Options{Encoding: "klingon-8"})
	if !errors.Is(err, model.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
}

func TestAnalyze_BOMStrippedFromFirstHeader(t *testing.T) {
	t.Parallel()

	a := analyze(t, "\ufeffcountry,value\nUS,1\n", Options{HasHeader: true})
	if got := a.Columns[0].Name; got != "country" {
		t.Errorf("first header = %q, want country", got)
	}
}

func TestAnalyze_UniqueCapping(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("id\n")
	for i := 0; i < distinctCap+50; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	a := analyze(t, b.String(), Options{HasHeader: true})

	col := a.Columns[0]
	if !col.UniqueCapped {
		t.Fatal("UniqueCapped = false, want true")
	}
	if col.UniqueCount != distinctCap {
		t.Errorf("UniqueCount = %d, want cap %d", col.UniqueCount, distinctCap)
	}
}

func TestAnalyze_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Analyze(ctx, strings.NewReader("a\n1\n"), Options{HasHeader: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParseNumeric(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		typ     model.DataType
		want    float64
		wantErr bool
	}{
		{"42", model.TypeInteger, 42, false},
		{"4.5", model.TypeDecimal, 4.5, false},
		{"4.5%", model.TypePercentage, 4.5, false},
		{" 4.5 % ", model.TypePercentage, 4.5, false},
		{"4.5%", model.TypeDecimal, 0, true},
		{"abc", model.TypeText, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseNumeric(tt.in, tt.typ)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseNumeric(%q, %s): want error, got %v", tt.in, tt.typ, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNumeric(%q, %s): %v", tt.in, tt.typ, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNumeric(%q, %s) = %v, want %v", tt.in, tt.typ, got, tt.want)
		}
	}
}

func BenchmarkAnalyze(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("country,year,indicator,value\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&sb, "US,%d,gdp_growth,%d.%d\n", 2000+i%25, i%10, i%100)
	}
	input := sb.String()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Analyze(context.Background(), strings.NewReader(input), Options{HasHeader: true}); err != nil {
			b.Fatal(err)
		}
	}
}
